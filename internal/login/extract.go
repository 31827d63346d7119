package login

import (
	"fmt"
	"strings"

	"github.com/snapetech/teleboy-pvr/internal/session"
)

// Markers scraped from the landing page script block.
const (
	markerAuthenticated = "setIsAuthenticated(true"
	markerAPIKey        = "tvapiKey:"
	markerUserID        = "setId("
	markerPlus          = "setIsPlusMember(1"
	markerComfort       = "setIsComfortMember(1"

	// maxQuoteOffset bounds how far after the api key marker the opening quote may be.
	maxQuoteOffset = 50
	maxAPIKeyLen   = 65
	maxUserIDLen   = 15
)

// Identity is what a landing page reveals about the logged-in account.
type Identity struct {
	APIKey string
	UserID string
	Tier   session.Tier
}

// ParseError reports a scan that ran out of its bounds or found no marker.
// It usually means the upstream page layout changed.
type ParseError struct {
	Field  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("login: parse %s: %s", e.Field, e.Reason)
}

// TokenExtractor pulls the identity out of a landing page body.
type TokenExtractor interface {
	IsAuthenticated(body string) bool
	Extract(body string) (Identity, error)
}

// ScanExtractor is the bounded substring scanner used against the live site.
type ScanExtractor struct{}

func (ScanExtractor) IsAuthenticated(body string) bool {
	return strings.Contains(body, markerAuthenticated)
}

func (ScanExtractor) Extract(body string) (Identity, error) {
	key, err := scanAPIKey(body)
	if err != nil {
		return Identity{}, err
	}
	uid, end, err := scanUserID(body)
	if err != nil {
		return Identity{}, err
	}
	// Tier flags are emitted after setId in the same script.
	rest := body[end:]
	tier := session.TierNone
	switch {
	case strings.Contains(rest, markerComfort):
		tier = session.TierComfort
	case strings.Contains(rest, markerPlus):
		tier = session.TierPlus
	}
	return Identity{APIKey: key, UserID: uid, Tier: tier}, nil
}

func scanAPIKey(body string) (string, error) {
	pos := strings.Index(body, markerAPIKey)
	if pos < 0 {
		return "", &ParseError{Field: "api key", Reason: "marker not found"}
	}
	after := body[pos+len(markerAPIKey):]
	window := after
	if len(window) > maxQuoteOffset {
		window = window[:maxQuoteOffset]
	}
	open := strings.IndexAny(window, `'"`)
	if open < 0 {
		return "", &ParseError{Field: "api key", Reason: "no opening quote near marker"}
	}
	quote := window[open]
	value := after[open+1:]
	end := strings.IndexByte(value, quote)
	if end < 0 || end > maxAPIKeyLen {
		return "", &ParseError{Field: "api key", Reason: "terminator missing within bound"}
	}
	if end == 0 {
		return "", &ParseError{Field: "api key", Reason: "empty"}
	}
	return value[:end], nil
}

// scanUserID returns the id and the body offset just past the closing paren.
func scanUserID(body string) (string, int, error) {
	pos := strings.Index(body, markerUserID)
	if pos < 0 {
		return "", 0, &ParseError{Field: "user id", Reason: "marker not found"}
	}
	start := pos + len(markerUserID)
	end := strings.IndexByte(body[start:], ')')
	if end <= 0 || end > maxUserIDLen {
		return "", 0, &ParseError{Field: "user id", Reason: "terminator missing within bound"}
	}
	uid := body[start : start+end]
	for _, r := range uid {
		if r < '0' || r > '9' {
			return "", 0, &ParseError{Field: "user id", Reason: "not numeric"}
		}
	}
	return uid, start + end + 1, nil
}
