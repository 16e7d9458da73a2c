package api

import "codeberg.org/mutker/rpmd/internal/errors"

const (
	// Request Errors
	ErrInvalidArgument  = errors.ErrInvalidArgument
	ErrInvalidMachineID = errors.ErrorCode("api_invalid_machine_id")
	ErrDecode           = errors.ErrDecode

	// Storage Errors
	ErrStorageUnavailable = errors.ErrStorageUnavailable
)
