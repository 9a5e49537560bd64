package gateway

import (
	"errors"
	"fmt"
)

var (
	ErrAuthFailure      = errors.New("gateway auth failure")
	ErrSignatureInvalid = errors.New("gateway signature invalid")
)

// Error is returned for transport failures and non-2xx gateway responses.
// StatusCode is zero when no response was received.
type Error struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("gateway %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *Error) Unwrap() error {
	return e.Err
}
