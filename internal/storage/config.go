package storage

import (
	"strings"

	"codeberg.org/mutker/rpmd/internal/errors"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"

	defaultDirPerm = 0o755
	defaultDBPath  = "/var/lib/rpmd/telemetry.db"
)

type Config struct {
	Driver string
	DSN    string
}

func DefaultConfig() Config {
	return Config{
		Driver: DriverSQLite,
		DSN:    defaultDBPath,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()
	switch c.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return errFactory.WithData(ErrInvalidDriver, c.Driver)
	}
	if strings.TrimSpace(c.DSN) == "" {
		return errFactory.WithData(ErrInvalidConfig, "empty dsn")
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
