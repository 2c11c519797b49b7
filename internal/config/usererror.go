package config

import (
	"errors"
	"fmt"
)

// UserError marks failures the operator can fix (bad config, revoked
// credentials, invalid date windows). The CLI maps these to exit code 1 with
// the message as-is; everything else is an internal error (exit code 2).
type UserError struct {
	Msg string
}

func (e *UserError) Error() string { return e.Msg }

// Userf builds a UserError in the fmt.Errorf style.
func Userf(format string, args ...any) error {
	return &UserError{Msg: fmt.Sprintf(format, args...)}
}

// IsUserError reports whether err (or anything it wraps) is a UserError.
func IsUserError(err error) bool {
	var ue *UserError
	return errors.As(err, &ue)
}
