// Package apperr classifies failures into user errors and system errors and
// maps them onto process exit codes.
package apperr

import (
	"errors"
	"fmt"
)

// Exit codes returned by the nest command.
const (
	ExitOK     = 0
	ExitUsage  = 1
	ExitUser   = 2
	ExitSystem = 3
)

// ErrUser marks an error caused by invalid input or a conflicting system
// state that the operator can correct.
var ErrUser = errors.New("user error")

type userError struct {
	msg   string
	cause error
}

func (e *userError) Error() string        { return e.msg }
func (e *userError) Unwrap() error        { return e.cause }
func (e *userError) Is(target error) bool { return target == ErrUser }

// User returns a user error with a formatted message. Wrapped errors (%w)
// remain reachable through errors.Is/As.
func User(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	return &userError{msg: err.Error(), cause: errors.Unwrap(err)}
}

// IsUser reports whether err or anything it wraps is a user error.
func IsUser(err error) bool {
	return errors.Is(err, ErrUser)
}

// ExitCode maps err onto the exit code the process should terminate with.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case IsUser(err):
		return ExitUser
	default:
		return ExitSystem
	}
}
