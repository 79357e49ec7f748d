package models

import "github.com/pkg/errors"

// Error kinds returned by the subscription lifecycle. Callers match them with
// errors.Is; the wrapped message is safe to show to the requester.
var (
	// ErrValidation is returned for malformed input, such as an email
	// address without an @.
	ErrValidation = errors.New("validation error")
	// ErrNotFound is only used where revealing absence is acceptable.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when an email/token pair doesn't match, or no
	// authorization was presented at all.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidOrExpired is returned by Verify. It never says whether the
	// email or the token was wrong.
	ErrInvalidOrExpired = errors.New("invalid or expired token")
	// ErrConflict is reserved for concurrent-modification failures.
	ErrConflict = errors.New("conflict")
	// ErrUpstreamNotify marks a failed email send. It is logged, never
	// returned from a state-changing operation.
	ErrUpstreamNotify = errors.New("notification failed")
)

func validationError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrValidation, format, args...)
}
