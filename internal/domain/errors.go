package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy of the connection service. Wrap with fmt.Errorf("...: %w", ErrX) and match with errors.Is.
var (
	// ErrConfiguration is returned when a secret, client id or URL needed by an operation is missing
	ErrConfiguration = errors.New("configuration error")

	// ErrProvider is returned when an OAuth exchange, refresh or user-info call fails
	ErrProvider = errors.New("provider error")

	// ErrAuthenticationFailure is returned when a ciphertext tag does not verify
	ErrAuthenticationFailure = errors.New("ciphertext authentication failed")

	// ErrInvalidInput is returned for empty secrets, malformed ciphertext and bad request data
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when a connection does not exist or is not owned by the caller
	ErrNotFound = errors.New("connection not found")

	// ErrTransmission is returned when pushing credentials to the Stage Updater fails
	ErrTransmission = errors.New("credential transmission failed")

	// ErrRefreshTokenMissing is returned when a refresh is required but no refresh token is stored
	ErrRefreshTokenMissing = errors.New("refresh token missing")
)

// ProviderError carries details of a failed call to an OAuth provider
type ProviderError struct {
	Provider   Provider
	Op         string
	StatusCode int
	Body       string
	Err        error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s %s failed", e.Provider, e.Op)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s with status %d", msg, e.StatusCode)
	}
	if e.Body != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Body)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap lets errors.Is match both ErrProvider and the underlying cause
func (e *ProviderError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrProvider}
	}
	return []error{ErrProvider, e.Err}
}
