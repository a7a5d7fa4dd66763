package publish

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a publish failure.
type Kind string

const (
	KindConfigIncomplete Kind = "config_incomplete"
	KindNetworkExhausted Kind = "network_exhausted"
	KindServerExhausted  Kind = "server_exhausted"
	KindRejected         Kind = "rejected"
	KindAuthExhausted    Kind = "auth_exhausted"
)

// Sentinels for errors.Is matching against an Error's kind.
var (
	ErrConfigIncomplete = errors.New("configuration incomplete")
	ErrNetworkExhausted = errors.New("network retries exhausted")
	ErrServerExhausted  = errors.New("server retries exhausted")
	ErrRejected         = errors.New("request rejected")
	ErrAuthExhausted    = errors.New("authentication exhausted")
)

// permissionHint annotates rejections that look like a row-level security
// denial.
const permissionHint = "the row was denied by a table policy; check row-level security rules for this user"

// Error describes a publish that could not be completed.
type Error struct {
	Kind     Kind
	Status   int      // last HTTP status, 0 if none
	Body     string   // truncated last response body
	Hint     string   // operator guidance, if any
	Missing  []string // unset fields for KindConfigIncomplete
	Attempts int      // requests sent
	Err      error    // last transport or auth error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.sentinel().Error())

	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, ": missing %s", strings.Join(e.Missing, ", "))
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	if e.Attempts > 0 {
		fmt.Fprintf(&b, " after %d attempt(s)", e.Attempts)
	}
	if e.Body != "" {
		fmt.Fprintf(&b, ": %s", e.Body)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Hint != "" {
		fmt.Fprintf(&b, " (hint: %s)", e.Hint)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return target == e.sentinel()
}

func (e *Error) sentinel() error {
	switch e.Kind {
	case KindConfigIncomplete:
		return ErrConfigIncomplete
	case KindNetworkExhausted:
		return ErrNetworkExhausted
	case KindServerExhausted:
		return ErrServerExhausted
	case KindRejected:
		return ErrRejected
	default:
		return ErrAuthExhausted
	}
}

func hintFor(body string) string {
	lower := strings.ToLower(body)
	if strings.Contains(lower, "policy") || strings.Contains(lower, "permission") {
		return permissionHint
	}
	return ""
}
