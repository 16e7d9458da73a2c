package storage

import "codeberg.org/mutker/rpmd/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrInvalidDriver = errors.ErrorCode("storage_invalid_driver")

	// Schema Errors
	ErrSchemaInitFailed      = errors.ErrorCode("storage_schema_init_failed")
	ErrSchemaMigrationFailed = errors.ErrorCode("storage_schema_migration_failed")
	ErrTransactionFailed     = errors.ErrorCode("storage_transaction_failed")

	// Storage Errors
	ErrStorageAccess = errors.ErrorCode("storage_access_failed")
	ErrStorageInit   = errors.ErrInitFailed
	ErrStorageClose  = errors.ErrShutdownFailed
	ErrUnavailable   = errors.ErrStorageUnavailable
)
