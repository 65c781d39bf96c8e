// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across client layers.
var (
	// ErrUnauthorized indicates the server rejected the session (401/422).
	ErrUnauthorized = errors.New("unauthorized")

	// ErrValidation indicates malformed input caught before any network call.
	ErrValidation = errors.New("validation")

	// ErrNoSession indicates the operation requires a valid session.
	ErrNoSession = errors.New("no session")

	// ErrNoProfile indicates the operation requires a resolved profile.
	ErrNoProfile = errors.New("no profile")

	// ErrTransient indicates a network failure, timeout or 5xx response.
	ErrTransient = errors.New("transient failure")

	// ErrMalformed indicates a 2xx response whose body could not be used.
	ErrMalformed = errors.New("malformed response")
)

// IsSessionInvalid reports whether err means the session token is dead.
func IsSessionInvalid(err error) bool { return errors.Is(err, ErrUnauthorized) }
