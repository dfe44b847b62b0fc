// Package common defines sentinel errors shared by the storage, presence and
// routing layers. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Request-level errors, reported back to the originating connection.
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrForbidden  = errors.New("forbidden")

	// Presence registry consistency errors.
	ErrDuplicateConnection = errors.New("duplicate connection")
	ErrUnknownConnection   = errors.New("unknown connection")

	// Auth errors.
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)
