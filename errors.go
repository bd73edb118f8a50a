package kapsel

import (
	"errors"
	"fmt"

	"github.com/codefionn/kapsel/internal/guest"
)

// ErrorKind is the stable failure taxonomy shared between host return
// values and guest thrown errors.
type ErrorKind string

const (
	ErrAuthorization ErrorKind = "authorization"
	ErrHandler       ErrorKind = "handler"
	ErrMarshaling    ErrorKind = "marshaling"
	ErrRuntime       ErrorKind = "runtime"
	ErrVFS           ErrorKind = "vfs"
	ErrShell         ErrorKind = "shell"
	ErrTimeout       ErrorKind = "timeout"
	ErrCancelled     ErrorKind = "cancelled"
)

// Error is the structured failure returned by the sandbox entry points.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	// Status carries the pipeline exit code for shell errors.
	Status int `json:"status,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// translateError maps internal guest errors onto the public Error type.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var guestErr *guest.Error
	if errors.As(err, &guestErr) {
		return &Error{Kind: ErrorKind(guestErr.Kind), Message: guestErr.Message}
	}
	var already *Error
	if errors.As(err, &already) {
		return already
	}
	return &Error{Kind: ErrRuntime, Message: err.Error()}
}
