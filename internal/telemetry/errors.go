package telemetry

import "codeberg.org/mutker/rpmd/internal/errors"

const (
	// Decode Errors
	ErrDecode = errors.ErrDecode

	// Identity Errors
	ErrInvalidMachineID = errors.ErrorCode("telemetry_invalid_machine_id")
)
