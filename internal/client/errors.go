package client

import (
	"errors"
	"fmt"
)

// ErrCanceled wraps a caller cancellation. It is never classified and never degraded.
var ErrCanceled = errors.New("ledger call canceled")

// Class is the failure taxonomy of the Request Client.
type Class int

const (
	ClassTransient Class = iota + 1
	ClassTimeout
	ClassServer
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassTimeout:
		return "timeout"
	case ClassServer:
		return "server"
	}
	return "unknown"
}

// Error is a classified Ledger Service failure. For ClassServer, Status and
// Body come from the response and Message is the text extracted from the body.
type Error struct {
	Class    Class
	Endpoint string
	Status   int
	Body     []byte
	Message  string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	if e.Class == ClassServer {
		return fmt.Sprintf("ledger %s: status %d: %s", e.Endpoint, e.Status, e.Message)
	}
	return fmt.Sprintf("ledger %s: %s after %d attempt(s): %v", e.Endpoint, e.Class, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// UserMessage is the text to show the customer.
func (e *Error) UserMessage() string {
	switch e.Class {
	case ClassServer:
		return e.Message
	case ClassTimeout:
		return "The bank did not respond in time. Please try again."
	default:
		return "Unable to reach the bank. Check your connection and try again."
	}
}

// As extracts a classified error from err.
func As(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

func classOf(err error) Class {
	if ce, ok := As(err); ok {
		return ce.Class
	}
	return 0
}

func IsTransient(err error) bool { return classOf(err) == ClassTransient }
func IsTimeout(err error) bool   { return classOf(err) == ClassTimeout }
func IsServer(err error) bool    { return classOf(err) == ClassServer }

// Unavailable reports whether the Ledger Service could not be reached in time,
// as opposed to having answered with a rejection.
func Unavailable(err error) bool {
	c := classOf(err)
	return c == ClassTransient || c == ClassTimeout
}

// UserMessage returns the customer-facing text of any error from this package.
func UserMessage(err error) string {
	if ce, ok := As(err); ok {
		return ce.UserMessage()
	}
	if errors.Is(err, ErrCanceled) {
		return "Request canceled."
	}
	return err.Error()
}
