package auth

import (
	"errors"
	"fmt"
)

// RefreshErrorKind classifies why a token refresh failed.
type RefreshErrorKind string

const (
	KindMissingRefreshToken      RefreshErrorKind = "missing_refresh_token"
	KindMalformedRefreshResponse RefreshErrorKind = "malformed_refresh_response"
	KindRefreshTokenExhausted    RefreshErrorKind = "refresh_token_exhausted"
	KindRefreshFailed            RefreshErrorKind = "refresh_failed"
)

// Sentinels for errors.Is matching against a RefreshError's kind.
var (
	ErrMissingRefreshToken      = errors.New("refresh token is missing")
	ErrMalformedRefreshResponse = errors.New("refresh response is missing tokens")
	ErrRefreshTokenExhausted    = errors.New("refresh token already used")
	ErrRefreshFailed            = errors.New("token refresh failed")
)

// RefreshError describes a failed refresh exchange.
type RefreshError struct {
	Kind   RefreshErrorKind
	Status int    // HTTP status, 0 if no response was obtained
	Body   string // truncated response body
	Err    error  // transport or decode error
}

func (e *RefreshError) Error() string {
	msg := e.sentinel().Error()
	if e.Status != 0 {
		msg = fmt.Sprintf("%s: status %d", msg, e.Status)
	}
	if e.Body != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Body)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *RefreshError) Is(target error) bool {
	return target == e.sentinel()
}

// Fatal reports whether only interactive re-authentication can recover.
func (e *RefreshError) Fatal() bool {
	return e.Kind == KindMissingRefreshToken || e.Kind == KindRefreshTokenExhausted
}

func (e *RefreshError) sentinel() error {
	switch e.Kind {
	case KindMissingRefreshToken:
		return ErrMissingRefreshToken
	case KindMalformedRefreshResponse:
		return ErrMalformedRefreshResponse
	case KindRefreshTokenExhausted:
		return ErrRefreshTokenExhausted
	default:
		return ErrRefreshFailed
	}
}
