// Package apperr holds the error taxonomy shared by every layer of the core.
//
// Access denials are not errors: they travel as model.Decision values. Only data
// errors (not found, invalid input), write conflicts and infrastructure failures
// are reported through these sentinels.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrConflict     = errors.New("version conflict")
	ErrUnavailable  = errors.New("unavailable")
	ErrInvalidInput = errors.New("invalid input")

	// ErrDuplicate is returned by stores when an append-only row already exists.
	ErrDuplicate = errors.New("duplicate")
)

// Unavailable marks err as an infrastructure failure on the authoritative path.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// Invalid builds an ErrInvalidInput with a description.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// NotFound builds an ErrNotFound naming the missing entity.
func NotFound(entity, id string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, entity, id)
}

// FromContext converts a context deadline or cancellation into ErrUnavailable,
// so a timed out check reads as "deny, retryable".
func FromContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return Unavailable(err)
	}
	return nil
}

func IsNotFound(err error) bool    { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool    { return errors.Is(err, ErrConflict) }
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }
func IsInvalid(err error) bool     { return errors.Is(err, ErrInvalidInput) }

// IsRetryable reports whether the caller may retry the whole operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrConflict)
}

// Passthrough keeps taxonomy errors as they are and marks anything else
// as unavailable. Repositories use it at their boundary.
func Passthrough(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict),
		errors.Is(err, ErrDuplicate), errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrForbidden), errors.Is(err, ErrUnavailable):
		return err
	default:
		return Unavailable(err)
	}
}
