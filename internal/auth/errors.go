package auth

import "errors"

// Sentinel errors returned by the authenticator and token manager.
// Callers should use errors.Is for comparison.
var (
	// ErrInvalidCredentials is returned when client_id/secret do not match.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrTokenExpired is returned when a JWT has expired.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenInvalid is returned when a token cannot be parsed or verified.
	ErrTokenInvalid = errors.New("auth: token invalid")

	// ErrAudienceMismatch is returned when a valid token was issued for a
	// different audience than the endpoint requires.
	ErrAudienceMismatch = errors.New("auth: audience mismatch")
)
