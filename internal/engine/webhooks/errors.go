package webhooks

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("webhook not found")
	ErrInvalidURL             = errors.New("invalid webhook url")
	ErrUnknownEventType       = errors.New("unknown event type")
	ErrReservedHeader         = errors.New("header is reserved")
	ErrRegistrationTestFailed = errors.New("webhook registration test failed")
)

// ValidationError reports a rejected field on register, update or trigger.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(field string, err error, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Err: err}
}

// RegistrationTestError carries the probe outcome that aborted a registration.
type RegistrationTestError struct {
	Outcome Outcome
}

func (e *RegistrationTestError) Error() string {
	if e.Outcome.Error != "" {
		return fmt.Sprintf("%s: %s", ErrRegistrationTestFailed, e.Outcome.Error)
	}
	return fmt.Sprintf("%s: HTTP %d", ErrRegistrationTestFailed, e.Outcome.StatusCode)
}

func (e *RegistrationTestError) Unwrap() error {
	return ErrRegistrationTestFailed
}
