package app

import "errors"

var (
	// ErrInvalidCredentials is returned for bad username/password pairs.
	// The message is user-facing and must not enable account enumeration.
	ErrInvalidCredentials = errors.New("invalid username or password")

	ErrUsernameTaken = errors.New("username already taken")

	// ErrInvalidID covers malformed identifiers and path-traversal attempts.
	ErrInvalidID = errors.New("invalid book ID format")

	ErrNotFound = errors.New("book not found")

	// ErrFileMissing is a recoverable inconsistency: the record exists but
	// its artifact is gone from disk.
	ErrFileMissing = errors.New("book file not found on server")

	// ErrValidation is the root of user-input failures; wrapped errors carry
	// the specific message.
	ErrValidation = errors.New("validation failed")
)
