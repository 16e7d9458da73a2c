package storage

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	"codeberg.org/mutker/rpmd/internal/errors"
	"codeberg.org/mutker/rpmd/internal/logger"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const sqlitePragmas = "_journal=WAL&_busy_timeout=5000"

// Open prepares a handle for cfg. No connection is made here, so an
// unreachable backend does not stop the caller from starting.
func Open(cfg Config, log logger.Logger) (*sql.DB, Dialect, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, Dialect{}, err
	}
	dialect, _ := DialectFor(cfg.Driver)

	dsn := cfg.DSN
	if cfg.Driver == DriverSQLite {
		path := strings.TrimPrefix(dsn, "file:")
		if i := strings.IndexByte(path, '?'); i >= 0 {
			path = path[:i]
		}
		if err := os.MkdirAll(filepath.Dir(path), defaultDirPerm); err != nil {
			return nil, Dialect{}, errFactory.WithData(ErrStorageInit, struct {
				Phase string
				Path  string
				Error string
			}{
				Phase: "create_directory",
				Path:  path,
				Error: err.Error(),
			})
		}
		if strings.Contains(dsn, "?") {
			dsn += "&" + sqlitePragmas
		} else {
			dsn += "?" + sqlitePragmas
		}
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, Dialect{}, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}

	log.Info().
		Str("driver", cfg.Driver).
		Msg("Storage handle opened")

	return db, dialect, nil
}

// Close checkpoints the sqlite WAL and closes db.
func Close(db *sql.DB, d Dialect) error {
	errFactory := errors.New()

	if d.Name() == DriverSQLite {
		if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			return errFactory.WithData(ErrStorageClose, struct {
				Phase string
				Error string
			}{
				Phase: "checkpoint_wal",
				Error: err.Error(),
			})
		}
	}

	if err := db.Close(); err != nil {
		return errFactory.WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}
	return nil
}
