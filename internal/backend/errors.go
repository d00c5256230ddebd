package backend

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNetwork covers transport failures and non-2xx responses.
	ErrNetwork = errors.New("backend: request failed")
	// ErrShape means the response could not be decoded into what the
	// operation expects.
	ErrShape = errors.New("backend: unexpected response shape")
	// ErrNotFound is a 404.
	ErrNotFound = errors.New("backend: not found")
	// ErrUnauthorized is a 401; for the inactivity check it means the
	// session expired.
	ErrUnauthorized = errors.New("backend: unauthorized")
)

// Error describes a failed backend operation.
type Error struct {
	Op      string
	Status  int
	Message string
	Kind    error
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("backend: %s", e.Op)
	if e.Status != 0 {
		msg += fmt.Sprintf(": status %d", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// Is lets status errors such as ErrNotFound also match ErrNetwork.
func (e *Error) Is(target error) bool {
	return target == ErrNetwork && e.Status != 0
}

func statusError(op string, status int, message string) *Error {
	kind := ErrNetwork
	switch status {
	case http.StatusNotFound:
		kind = ErrNotFound
	case http.StatusUnauthorized:
		kind = ErrUnauthorized
	}
	return &Error{Op: op, Status: status, Message: message, Kind: kind}
}

func shapeError(op, detail string) *Error {
	return &Error{Op: op, Kind: ErrShape, Message: detail}
}

// StatusCode extracts the HTTP status from a backend error, or 0.
func StatusCode(err error) int {
	var be *Error
	if errors.As(err, &be) {
		return be.Status
	}
	return 0
}
