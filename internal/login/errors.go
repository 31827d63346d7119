package login

import (
	"fmt"
	"time"

	"github.com/snapetech/teleboy-pvr/internal/session"
)

// Outcome is the classified result of a login attempt.
type Outcome int

const (
	OutcomeConnected Outcome = iota
	OutcomeNeedsSettings
	OutcomeUnreachable
	OutcomeRateLimited
	OutcomeDenied
	OutcomeMalformed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConnected:
		return "connected"
	case OutcomeNeedsSettings:
		return "needs_settings"
	case OutcomeUnreachable:
		return "unreachable"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeDenied:
		return "denied"
	case OutcomeMalformed:
		return "malformed"
	}
	return "unknown"
}

// Retry delays per failure site.
const (
	RetryUnreachable = time.Minute
	RetryRateLimited = 2 * time.Hour
	RetryDenied      = 2 * time.Hour
	RetryEmptyPage   = time.Hour
	RetryMalformed   = time.Hour
	RetryFreeAccount = time.Hour
)

// state maps an outcome to the connection state the session rests in.
// A rate-limited session stays Connecting: the credentials are not known to be bad.
func (o Outcome) state() session.ConnectionState {
	switch o {
	case OutcomeConnected:
		return session.StateConnected
	case OutcomeUnreachable:
		return session.StateUnreachable
	case OutcomeRateLimited:
		return session.StateConnecting
	}
	return session.StateDenied
}

// Error is a classified login failure. Retry is zero for OutcomeNeedsSettings.
type Error struct {
	Outcome Outcome
	Retry   time.Duration
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "login: " + e.Outcome.String()
	}
	return fmt.Sprintf("login: %s: %v", e.Outcome, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func fail(o Outcome, retry time.Duration, format string, args ...any) *Error {
	return &Error{Outcome: o, Retry: retry, Err: fmt.Errorf(format, args...)}
}
