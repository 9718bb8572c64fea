package auth

import "errors"

var (
	// ErrAuthInvalid covers bad, expired or unverifiable tokens.
	ErrAuthInvalid = errors.New("auth: invalid token")
	// ErrProfileMissing means the verified identity has no tenant profile.
	ErrProfileMissing = errors.New("auth: user profile not found")
)
