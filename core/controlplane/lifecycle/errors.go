package lifecycle

import "errors"

var (
	// ErrValidation marks a malformed port or action; nothing was changed.
	ErrValidation = errors.New("validation_error")
	// ErrConflict indicates the tenant already has an active instance.
	ErrConflict = errors.New("conflict")
	// ErrNotFound indicates the tenant has no instance to act on.
	ErrNotFound = errors.New("not_found")
	// ErrForbidden indicates the caller may not manage the tenant's instance.
	ErrForbidden = errors.New("forbidden")
	// ErrProvision wraps compute provider failures.
	ErrProvision = errors.New("provision_failure")
)
