package storage

import (
	"context"
	"database/sql"
	"time"

	"codeberg.org/mutker/rpmd/internal/errors"
	"codeberg.org/mutker/rpmd/internal/logger"
)

// migrate brings the schema on conn up to SchemaVersion, one transaction
// per migration.
func migrate(ctx context.Context, conn *sql.Conn, d Dialect, log logger.Logger) error {
	errFactory := errors.New()

	if _, err := conn.ExecContext(ctx, createVersionsSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Phase string
			Error string
		}{
			Phase: "create_schema_versions",
			Error: err.Error(),
		})
	}

	version, err := schemaVersion(ctx, conn)
	if err != nil {
		return err
	}

	log.Debug().
		Int("version", version).
		Bool("init_db", version == 0).
		Msg("Current schema version")

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		if err := applyMigration(ctx, conn, d, m, log); err != nil {
			return err
		}
	}

	return nil
}

func schemaVersion(ctx context.Context, conn *sql.Conn) (int, error) {
	var version int
	err := conn.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_versions`,
	).Scan(&version)
	if err != nil {
		return 0, errors.New().WithData(ErrSchemaInitFailed, struct {
			Phase string
			Error string
		}{
			Phase: "get_version",
			Error: err.Error(),
		})
	}
	return version, nil
}

func applyMigration(ctx context.Context, conn *sql.Conn, d Dialect, m migration, log logger.Logger) error {
	errFactory := errors.New()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return errFactory.Wrap(ErrSchemaMigrationFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Debug().Err(err).Msg("Failed to rollback migration")
			}
		}
	}()

	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, d.DDL(stmt)); err != nil {
			return errFactory.WithData(ErrSchemaMigrationFailed, struct {
				Phase   string
				Version int
				Error   string
			}{
				Phase:   m.name,
				Version: m.version,
				Error:   err.Error(),
			})
		}
	}

	if _, err := tx.ExecContext(ctx,
		d.Rebind(`INSERT INTO schema_versions (version, applied_at) VALUES (?, ?)`),
		m.version, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return errFactory.WithData(ErrSchemaMigrationFailed, struct {
			Phase string
			Error string
		}{
			Phase: "record_version",
			Error: err.Error(),
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaMigrationFailed, err)
	}
	committed = true

	log.Info().
		Int("version", m.version).
		Str("migration", m.name).
		Msg("Schema migration applied")

	return nil
}
