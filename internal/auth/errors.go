package auth

import "errors"

// Sentinel errors for the auth package.
var (
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrUnknownSubject     = errors.New("token subject does not exist")
	ErrAccountDisabled    = errors.New("account is disabled")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrLoginDisabled      = errors.New("this login method is disabled")
)
