package persist

import "codeberg.org/mutker/rpmd/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig   = errors.ErrInvalidConfig
	ErrInvalidInterval = errors.ErrInvalidInterval

	// Lifecycle Errors
	ErrShutdownTimeout = errors.ErrTimeout
)
