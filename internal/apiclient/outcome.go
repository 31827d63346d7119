package apiclient

import "net/http"

// Outcome classifies a finished request. It is what the session layer reacts
// to, so callers never compare raw status codes.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeClientError
	OutcomeRateLimited
	OutcomeServerError
	OutcomeTransportError
	OutcomeSessionExpired
	OutcomeNotConnected
)

// StatusTransportFailure is reported as the status code when no response arrived.
const StatusTransportFailure = -1

// sessionExpiredStatus is the API-host status meaning the session token is no longer accepted.
const sessionExpiredStatus = http.StatusUnauthorized

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeClientError:
		return "client_error"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeServerError:
		return "server_error"
	case OutcomeTransportError:
		return "transport_error"
	case OutcomeSessionExpired:
		return "session_expired"
	case OutcomeNotConnected:
		return "not_connected"
	}
	return "unknown"
}

// Classify maps a status code to an Outcome. apiHost reports whether the
// request went to the authenticated API host; only there does 401 mean the
// session expired.
func Classify(code int, apiHost bool) Outcome {
	switch {
	case code == StatusTransportFailure:
		return OutcomeTransportError
	case code >= 200 && code < 400:
		return OutcomeOK
	case code == http.StatusTooManyRequests:
		return OutcomeRateLimited
	case code == sessionExpiredStatus && apiHost:
		return OutcomeSessionExpired
	case code >= 400 && code < 500:
		return OutcomeClientError
	}
	return OutcomeServerError
}

// StatusHandler learns about failures observed inside ordinary calls.
// The login manager implements it to reset an expired session.
type StatusHandler interface {
	ErrorStatusCode(code int, outcome Outcome)
}
