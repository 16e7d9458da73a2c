package storage_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/rpmd/internal/logger"
	"codeberg.org/mutker/rpmd/internal/pool"
	"codeberg.org/mutker/rpmd/internal/storage"
	"codeberg.org/mutker/rpmd/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteRepository(t *testing.T) (*storage.Repository, *pool.Pool) {
	t.Helper()

	cfg := storage.Config{
		Driver: storage.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "nested", "telemetry.db"),
	}
	db, dialect, err := storage.Open(cfg, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close(db, dialect) })

	p, err := pool.New(db, pool.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	return storage.NewRepository(p, dialect, logger.Nop()), p
}

func TestRecentFramesOldestFirst(t *testing.T) {
	repo, p := newSQLiteRepository(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

	// Written out of order; history must come back by timestamp.
	for _, offset := range []time.Duration{2 * time.Second, 0, 4 * time.Second} {
		f := telemetry.Frame{
			Timestamp:   base.Add(offset),
			PH:          7.0,
			Temperature: 36 + offset.Seconds(),
		}
		require.NoError(t, repo.WriteFrame(ctx, "M1", f))
	}
	require.NoError(t, repo.WriteFrame(ctx, "M2", telemetry.Frame{Timestamp: base, BloodLeak: true}))

	frames, err := repo.RecentFrames(ctx, "M1", 50)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	assert.Equal(t, base, frames[0].Timestamp)
	assert.Equal(t, base.Add(2*time.Second), frames[1].Timestamp)
	assert.Equal(t, base.Add(4*time.Second), frames[2].Timestamp)
	assert.Equal(t, 40.0, frames[2].Temperature)

	// The limit keeps the newest rows.
	frames, err = repo.RecentFrames(ctx, "M1", 2)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, base.Add(2*time.Second), frames[0].Timestamp)
	assert.Equal(t, base.Add(4*time.Second), frames[1].Timestamp)

	frames, err = repo.RecentFrames(ctx, "M2", 50)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.True(t, frames[0].BloodLeak)

	frames, err = repo.RecentFrames(ctx, "M9", 50)
	require.NoError(t, err)
	assert.Empty(t, frames)

	assert.Zero(t, p.InUse())
}

func TestSeedMachinesAndAuthenticate(t *testing.T) {
	repo, _ := newSQLiteRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.Seed(ctx, "abhishek", "123456"))
	// Seeding again is harmless.
	require.NoError(t, repo.Seed(ctx, "abhishek", "123456"))

	machines, err := repo.Machines(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.DefaultMachines, machines)

	tests := []struct {
		name     string
		username string
		password string
		want     bool
	}{
		{name: "valid", username: "abhishek", password: "123456", want: true},
		{name: "wrong password", username: "abhishek", password: "654321"},
		{name: "unknown user", username: "nobody", password: "123456"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := repo.Authenticate(ctx, tt.username, tt.password)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestMarkActive(t *testing.T) {
	repo, _ := newSQLiteRepository(t)
	ctx := context.Background()
	require.NoError(t, repo.Seed(ctx, "", ""))

	machines, err := repo.Machines(ctx)
	require.NoError(t, err)
	require.Len(t, machines, 2)
	assert.True(t, machines[0].Active)
	assert.False(t, machines[1].Active, "M2 starts inactive")

	require.NoError(t, repo.MarkActive(ctx, "M2"))
	require.NoError(t, repo.MarkActive(ctx, "M9"))

	machines, err = repo.Machines(ctx)
	require.NoError(t, err)
	assert.Equal(t, []storage.Machine{
		{ID: "M1", Location: "ICU Bed 1", Active: true},
		{ID: "M2", Location: "Gen Ward 4", Active: true},
	}, machines)
}

func TestEnsureSchemaIsIdempotent(t *testing.T) {
	cfg := storage.Config{
		Driver: storage.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "telemetry.db"),
	}
	db, dialect, err := storage.Open(cfg, logger.Nop())
	require.NoError(t, err)
	defer storage.Close(db, dialect)

	p, err := pool.New(db, pool.DefaultConfig())
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	first := storage.NewRepository(p, dialect, logger.Nop())
	require.NoError(t, first.EnsureSchema(ctx))
	require.NoError(t, first.WriteFrame(ctx, "M1", telemetry.Frame{Timestamp: time.Now()}))

	// A restart runs migrations again against the same file.
	second := storage.NewRepository(p, dialect, logger.Nop())
	require.NoError(t, second.EnsureSchema(ctx))

	var version, rows int
	require.NoError(t, db.QueryRow(`SELECT MAX(version) FROM schema_versions`).Scan(&version))
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sensor_logs`).Scan(&rows))
	assert.Equal(t, storage.SchemaVersion, version)
	assert.Equal(t, 1, rows)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, storage.DefaultConfig().Validate())
	assert.Error(t, storage.Config{Driver: "mysql", DSN: "x"}.Validate())
	assert.Error(t, storage.Config{Driver: storage.DriverPostgres, DSN: " "}.Validate())
}

func TestRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE b = ? AND c = ? LIMIT ?`
	assert.Equal(t, q, storage.SQLite.Rebind(q))
	assert.Equal(t, `SELECT a FROM t WHERE b = $1 AND c = $2 LIMIT $3`, storage.Postgres.Rebind(q))
	assert.Contains(t, storage.Postgres.DDL("id {{serial}}, v {{float}}"), "BIGSERIAL PRIMARY KEY")
}
