// Package domain defines the error taxonomy shared by every public
// operation: validation, auth, not-found and conflict failures are
// sentinel errors so callers can map them with errors.Is.
package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrAuth       = errors.New("authentication invalid")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
)

func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrValidation, args)...)
}

func Authf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrAuth, args)...)
}

func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrNotFound, args)...)
}

func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrConflict, args)...)
}

func prepend(err error, args []any) []any {
	return append([]any{err}, args...)
}
