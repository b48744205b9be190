package token

import "errors"

// Public, stable errors for callers.
var (
	ErrKeyMissing   = errors.New("token signing key missing")
	ErrKeyTooShort  = errors.New("token signing key too short")
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingToken = errors.New("missing token")
)
