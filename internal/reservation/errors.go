package reservation

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is.
var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrInvalidOwnerData = errors.New("invalid owner data")
	ErrTimeout          = errors.New("upstream timeout")
	ErrNetwork          = errors.New("network error")
	ErrProtocol         = errors.New("protocol error")
	ErrCaptcha          = errors.New("captcha error")
	ErrAlreadyConfirmed = errors.New("already confirmed")
	ErrNotFound         = errors.New("entry not found")
)

// Error describes a failed upstream operation.
type Error struct {
	Kind   error
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.Error()
	if e.Status != 0 {
		msg += fmt.Sprintf(" (http %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op string, kind error, status int, err error) *Error {
	return &Error{Kind: kind, Op: op, Status: status, Err: err}
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}
