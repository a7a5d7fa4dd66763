package publish

import (
	"fmt"
	"net/http"
)

// State is the position of one logical publish in its lifecycle.
type State int

const (
	Sending State = iota
	AwaitingRefresh
	AwaitingManualAuth
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Sending:
		return "sending"
	case AwaitingRefresh:
		return "awaiting_refresh"
	case AwaitingManualAuth:
		return "awaiting_manual_auth"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome is what happened in the step just taken.
type Outcome int

const (
	Accepted Outcome = iota
	Unauthorized
	ServerError
	Rejected
	NetworkError
	Refreshed
	RefreshFailed
	ManualAuthOK
	ManualAuthFailed
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Unauthorized:
		return "unauthorized"
	case ServerError:
		return "server_error"
	case Rejected:
		return "rejected"
	case NetworkError:
		return "network_error"
	case Refreshed:
		return "refreshed"
	case RefreshFailed:
		return "refresh_failed"
	case ManualAuthOK:
		return "manual_auth_ok"
	case ManualAuthFailed:
		return "manual_auth_failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Classify maps an HTTP status from the data endpoint to an Outcome.
func Classify(statusCode int) Outcome {
	switch {
	case statusCode >= 200 && statusCode <= 299:
		return Accepted
	case statusCode == http.StatusUnauthorized:
		return Unauthorized
	case statusCode >= 500:
		return ServerError
	default:
		return Rejected
	}
}

// Status is the full machine state. The zero value with MaxRetries set is
// the initial Sending state.
type Status struct {
	State      State
	Retries    int // transient failures since the last auth reset
	MaxRetries int

	RefreshUsed bool
	ManualUsed  bool

	// Backoff is set when the next send must wait first.
	Backoff bool
	// Failure is set once State is Failed.
	Failure Kind
}

// Start returns the initial status for a publish bounded by maxRetries
// transient failures.
func Start(maxRetries int) Status {
	return Status{State: Sending, MaxRetries: maxRetries}
}

// Transition applies an outcome to s. It has no side effects; the caller
// performs whatever the returned state asks for.
func Transition(s Status, o Outcome) (Status, error) {
	next := s
	next.Backoff = false

	switch s.State {
	case Sending:
		switch o {
		case Accepted:
			next.State = Succeeded
		case Unauthorized:
			next.Retries = 0
			next = escalateAuth(next)
		case NetworkError, ServerError:
			next.Retries++
			if next.Retries >= s.MaxRetries {
				next.State = Failed
				next.Failure = KindServerExhausted
				if o == NetworkError {
					next.Failure = KindNetworkExhausted
				}
			} else {
				next.Backoff = true
			}
		case Rejected:
			next.State = Failed
			next.Failure = KindRejected
		default:
			return s, invalid(s, o)
		}

	case AwaitingRefresh:
		switch o {
		case Refreshed:
			next.State = Sending
		case RefreshFailed:
			next = escalateAuth(next)
		default:
			return s, invalid(s, o)
		}

	case AwaitingManualAuth:
		switch o {
		case ManualAuthOK:
			next.State = Sending
		case ManualAuthFailed:
			next.State = Failed
			next.Failure = KindAuthExhausted
		default:
			return s, invalid(s, o)
		}

	default:
		return s, invalid(s, o)
	}

	return next, nil
}

// escalateAuth moves to the next unused recovery step: one automatic
// refresh, then one interactive setup, then terminal failure.
func escalateAuth(s Status) Status {
	switch {
	case !s.RefreshUsed:
		s.State = AwaitingRefresh
		s.RefreshUsed = true
	case !s.ManualUsed:
		s.State = AwaitingManualAuth
		s.ManualUsed = true
	default:
		s.State = Failed
		s.Failure = KindAuthExhausted
	}
	return s
}

func invalid(s Status, o Outcome) error {
	return fmt.Errorf("invalid transition: %s on %s", o, s.State)
}
