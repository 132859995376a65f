package domain

import "errors"

var (
	ErrInvalidAmount       = errors.New("amount must be a positive number")
	ErrInsufficientBalance = errors.New("amount exceeds cached balance")
	ErrBalanceUnknown      = errors.New("no cached balance for account")
	ErrEmptyRecipient      = errors.New("recipient username is empty")
	ErrSelfTransfer        = errors.New("cannot transfer to own account")
	ErrInconsistentHistory = errors.New("transaction history does not replay to final balance")
)

// ValidationError is a client-side rejection raised before any network call.
// Message is shown to the user verbatim.
type ValidationError struct {
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(err error, msg string) error {
	return &ValidationError{Message: msg, Err: err}
}

// NewValidationError wraps a sentinel with the message shown to the user.
func NewValidationError(err error, msg string) error {
	return invalid(err, msg)
}

// IsValidation reports whether err is a client-side validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
