package fanout

import (
	"errors"
	"fmt"
)

// Error kinds returned by the coordinator. Callers match them with errors.Is.
var (
	ErrInvalidConversation = errors.New("invalid conversation")
	ErrBlocked             = errors.New("contact blocked")
	ErrEmptyMessage        = errors.New("empty message")
	ErrMessageTooLong      = errors.New("message too long")
	ErrInvalidInput        = errors.New("invalid input")
	ErrForbidden           = errors.New("forbidden")
	ErrStorage             = errors.New("storage error")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Err carries the underlying cause when there is one (usually a store error).
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opErr(op string, kind, cause error) error {
	return OpError{Op: op, Kind: kind, Err: cause}
}
