package auth

import "errors"

var (
	// ErrConflict is returned when registering an email that is already taken.
	ErrConflict = errors.New("email already registered")

	// ErrInvalidCredentials is returned for an unknown email and for a wrong
	// password alike.
	ErrInvalidCredentials = errors.New("invalid email or password")

	ErrInvalidToken           = errors.New("invalid token")
	ErrRevokedToken           = errors.New("token has been revoked")
	ErrSessionExpired         = errors.New("session expired")
	ErrAuthenticationRequired = errors.New("authentication required")
)
