package repository

import "errors"

// Common repository errors
var (
	// ErrNotFound is returned when a record is not found
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateConnection is returned when the user already has a connection for the provider
	ErrDuplicateConnection = errors.New("connection for this provider already exists")
)
