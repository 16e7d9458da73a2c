package storage

import (
	"context"
	"fmt"
	"regexp"
	"testing"
	"time"

	"codeberg.org/mutker/rpmd/internal/errors"
	"codeberg.org/mutker/rpmd/internal/logger"
	"codeberg.org/mutker/rpmd/internal/pool"
	"codeberg.org/mutker/rpmd/internal/telemetry"
	"github.com/DATA-DOG/go-sqlmock"
)

func newMockRepository(t *testing.T, d Dialect) (*Repository, *pool.Pool, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	p, err := pool.New(db, pool.DefaultConfig())
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}

	repo := NewRepository(p, d, logger.Nop())
	repo.schemaReady = true
	return repo, p, mock
}

func TestWriteFrameUsesPostgresPlaceholders(t *testing.T) {
	repo, p, mock := newMockRepository(t, Postgres)
	ts := time.UnixMilli(1_700_000_000_123).UTC()

	mock.ExpectExec(regexp.QuoteMeta("VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)")).
		WithArgs("M1", ts.UnixMilli(), 210.5, 7.0, 0.0, 0.0, 480.0, 36.6, 0.0, 0.0, 0.0, int64(1)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	f := telemetry.Frame{Timestamp: ts, CurrentMA: 210.5, PH: 7.0, FlowRate: 480, Temperature: 36.6, BloodLeak: true}
	if err := repo.WriteFrame(context.Background(), "M1", f); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
	if p.InUse() != 0 {
		t.Fatalf("connection not released: in use %d", p.InUse())
	}
}

func TestWriteFrameFailureReleasesConnection(t *testing.T) {
	repo, p, mock := newMockRepository(t, SQLite)

	mock.ExpectExec("INSERT INTO sensor_logs").
		WillReturnError(fmt.Errorf("disk I/O error"))

	err := repo.WriteFrame(context.Background(), "M1", telemetry.Frame{Timestamp: time.Now()})
	if !errors.HasCode(err, ErrStorageAccess) {
		t.Fatalf("expected storage access error, got %v", err)
	}
	if p.InUse() != 0 || p.Idle() != 0 {
		t.Fatalf("failed connection should be released and discarded: in use %d idle %d", p.InUse(), p.Idle())
	}
}

func TestRecentFramesQueryShape(t *testing.T) {
	repo, _, mock := newMockRepository(t, SQLite)

	cols := []string{
		"ts", "current_ma", "ph", "turbidity", "pressure_pa", "flow_rate",
		"temperature", "humidity", "conductivity", "total_volume", "blood_leak",
	}
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY ts DESC, id DESC")).
		WithArgs("M1", int64(2)).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(3000), 1.0, 7.0, 0.0, 0.0, 0.0, 37.0, 0.0, 0.0, 0.0, 0).
			AddRow(int64(1000), 1.0, 7.0, 0.0, 0.0, 0.0, 36.0, 0.0, 0.0, 0.0, 0))

	frames, err := repo.RecentFrames(context.Background(), "M1", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if frames[0].Temperature != 36.0 || frames[1].Temperature != 37.0 {
		t.Fatalf("expected oldest first, got %v then %v", frames[0].Temperature, frames[1].Temperature)
	}
	if !frames[0].Timestamp.Equal(time.UnixMilli(1000)) {
		t.Fatalf("unexpected timestamp: %v", frames[0].Timestamp)
	}
}

func TestRecentFramesQueryFailure(t *testing.T) {
	repo, _, mock := newMockRepository(t, SQLite)

	mock.ExpectQuery("FROM sensor_logs").WillReturnError(fmt.Errorf("connection reset by peer"))

	frames, err := repo.RecentFrames(context.Background(), "M1", 50)
	if err == nil {
		t.Fatal("expected error")
	}
	if frames != nil {
		t.Fatalf("expected no frames, got %v", frames)
	}
}
