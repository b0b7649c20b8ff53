package types

import (
	"errors"
	"fmt"
)

// TransientError marks failures worth retrying: timeouts, connection
// resets, 5xx responses, upstream rate limiting.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// AuthError marks a 401/403. Callers must mark the connection invalid and
// abort work on it.
type AuthError struct {
	Op     string
	Status int
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed (status %d): %v", e.Op, e.Status, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// PermanentError marks client errors and schema/parse failures that
// retrying cannot fix.
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: permanent: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// ErrContextOverflow signals that an LLM rejected the input for exceeding
// its context window; the planner layer fails over to a larger model.
var ErrContextOverflow = errors.New("model context window exceeded")

// Transient wraps err as a TransientError.
func Transient(op string, err error) error { return &TransientError{Op: op, Err: err} }

// Permanent wraps err as a PermanentError.
func Permanent(op string, err error) error { return &PermanentError{Op: op, Err: err} }

// Unauthorized wraps err as an AuthError.
func Unauthorized(op string, status int, err error) error {
	return &AuthError{Op: op, Status: status, Err: err}
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsPermanent reports whether err is (or wraps) a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
