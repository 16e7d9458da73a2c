package stream

import "codeberg.org/mutker/rpmd/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrInvalidConfig

	// Session Errors. A transport error ends its own session only.
	ErrTransport = errors.ErrTransport
	ErrDecode    = errors.ErrDecode
)
