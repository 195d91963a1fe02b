package auth

import "errors"

var (
	// ErrInvalidToken is returned when an access token fails verification or validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrMissingToken is returned when a request carries no access token.
	ErrMissingToken = errors.New("missing token")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid auth config")
)
