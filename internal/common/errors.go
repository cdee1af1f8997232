// Package common defines the sentinel errors shared across Huxley
// components. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")

	// Service-level errors (generic/internal flow control).
	ErrInternal     = errors.New("internal error")
	ErrUnauthorized = errors.New("unauthorized")

	// Auth/session errors.
	ErrEmptyCredentials = errors.New("empty username or password")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrAlreadyOnline    = errors.New("already logged in elsewhere")

	// Crypto errors.
	ErrKeyNotLoaded = errors.New("session key not loaded")
	ErrDecrypt      = errors.New("decryption failed")
)
