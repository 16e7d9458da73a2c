package pool

import "codeberg.org/mutker/rpmd/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrInvalidConfig

	// Availability Errors. Callers skip the operation, they never fail on it.
	ErrUnavailable = errors.ErrStorageUnavailable
)

// IsUnavailable reports whether err means the pool could not lend a
// connection.
func IsUnavailable(err error) bool {
	return errors.HasCode(err, ErrUnavailable)
}
