package storage

import (
	"context"
	"database/sql"
	"slices"
	"sync"
	"time"

	"codeberg.org/mutker/rpmd/internal/errors"
	"codeberg.org/mutker/rpmd/internal/logger"
	"codeberg.org/mutker/rpmd/internal/pool"
	"codeberg.org/mutker/rpmd/internal/telemetry"
	"golang.org/x/crypto/bcrypt"
)

// Machine is one row of the device roster.
type Machine struct {
	ID       telemetry.MachineID `json:"machine_id"`
	Location string              `json:"location"`
	Active   bool                `json:"is_active"`
}

// DefaultMachines is the roster written by Seed.
var DefaultMachines = []Machine{
	{ID: "M1", Location: "ICU Bed 1", Active: true},
	{ID: "M2", Location: "Gen Ward 4", Active: false},
}

// Repository reads and writes telemetry through the connection pool. Every
// method borrows at most one connection and hands it back before
// returning.
type Repository struct {
	pool    *pool.Pool
	dialect Dialect
	log     logger.Logger

	schemaMu    sync.Mutex
	schemaReady bool
}

func NewRepository(p *pool.Pool, d Dialect, log logger.Logger) *Repository {
	return &Repository{
		pool:    p,
		dialect: d,
		log:     log,
	}
}

// EnsureSchema applies pending migrations. Other methods call it on
// first use, so a backend that was down at startup is set up once it
// comes back.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	return r.pool.With(ctx, func(conn *sql.Conn) error {
		return r.ensureSchema(ctx, conn)
	})
}

func (r *Repository) ensureSchema(ctx context.Context, conn *sql.Conn) error {
	r.schemaMu.Lock()
	defer r.schemaMu.Unlock()

	if r.schemaReady {
		return nil
	}
	if err := migrate(ctx, conn, r.dialect, r.log); err != nil {
		return err
	}
	r.schemaReady = true
	return nil
}

// with borrows a connection with the schema in place.
func (r *Repository) with(ctx context.Context, fn func(conn *sql.Conn) error) error {
	return r.pool.With(ctx, func(conn *sql.Conn) error {
		if err := r.ensureSchema(ctx, conn); err != nil {
			return err
		}
		return fn(conn)
	})
}

// WriteFrame inserts one history row.
func (r *Repository) WriteFrame(ctx context.Context, id telemetry.MachineID, f telemetry.Frame) error {
	return r.with(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, r.dialect.Rebind(insertFrameSQL),
			string(id),
			f.Timestamp.UnixMilli(),
			f.CurrentMA,
			f.PH,
			f.Turbidity,
			f.PressurePa,
			f.FlowRate,
			f.Temperature,
			f.Humidity,
			f.Conductivity,
			f.TotalVolume,
			boolToInt(f.BloodLeak),
		)
		if err != nil {
			return errors.Wrap(ErrStorageAccess, err)
		}
		return nil
	})
}

// RecentFrames returns up to limit of the newest rows for id, ordered
// oldest first.
func (r *Repository) RecentFrames(ctx context.Context, id telemetry.MachineID, limit int) ([]telemetry.Frame, error) {
	var frames []telemetry.Frame

	err := r.with(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, r.dialect.Rebind(recentFramesSQL), string(id), limit)
		if err != nil {
			return errors.Wrap(ErrStorageAccess, err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				f     telemetry.Frame
				ts    int64
				spill int
			)
			if err := rows.Scan(
				&ts,
				&f.CurrentMA,
				&f.PH,
				&f.Turbidity,
				&f.PressurePa,
				&f.FlowRate,
				&f.Temperature,
				&f.Humidity,
				&f.Conductivity,
				&f.TotalVolume,
				&spill,
			); err != nil {
				return errors.Wrap(ErrStorageAccess, err)
			}
			f.Timestamp = time.UnixMilli(ts).UTC()
			f.BloodLeak = spill != 0
			frames = append(frames, f)
		}
		if err := rows.Err(); err != nil {
			return errors.Wrap(ErrStorageAccess, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.Reverse(frames)
	return frames, nil
}

// Machines lists the device roster.
func (r *Repository) Machines(ctx context.Context) ([]Machine, error) {
	var machines []Machine

	err := r.with(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, machinesSQL)
		if err != nil {
			return errors.Wrap(ErrStorageAccess, err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				m      Machine
				id     string
				active int
			)
			if err := rows.Scan(&id, &m.Location, &active); err != nil {
				return errors.Wrap(ErrStorageAccess, err)
			}
			m.ID = telemetry.MachineID(id)
			m.Active = active != 0
			machines = append(machines, m)
		}
		if err := rows.Err(); err != nil {
			return errors.Wrap(ErrStorageAccess, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return machines, nil
}

// MarkActive flags a roster machine as active. Unknown ids are not added.
func (r *Repository) MarkActive(ctx context.Context, id telemetry.MachineID) error {
	return r.with(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, r.dialect.Rebind(markActiveSQL), string(id)); err != nil {
			return errors.Wrap(ErrStorageAccess, err)
		}
		return nil
	})
}

// Authenticate checks a clinician's password. An unknown user or wrong
// password is (false, nil); an error means storage could not answer.
func (r *Repository) Authenticate(ctx context.Context, username, password string) (bool, error) {
	var hash string

	err := r.with(ctx, func(conn *sql.Conn) error {
		err := conn.QueryRowContext(ctx, r.dialect.Rebind(passwordHashSQL), username).Scan(&hash)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return errors.Wrap(ErrStorageAccess, err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if hash == "" {
		return false, nil
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil, nil
}

// Seed writes DefaultMachines and, when username is set, one clinician
// account. Existing machines are left alone; an existing account gets the
// new password.
func (r *Repository) Seed(ctx context.Context, username, password string) error {
	errFactory := errors.New()

	var hash []byte
	if username != "" {
		var err error
		hash, err = bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return errFactory.Wrap(errors.ErrInvalidArgument, err)
		}
	}

	return r.with(ctx, func(conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return errFactory.Wrap(ErrTransactionFailed, err)
		}

		committed := false
		defer func() {
			if !committed {
				if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
					r.log.Debug().Err(err).Msg("Failed to rollback seed")
				}
			}
		}()

		for _, m := range DefaultMachines {
			if _, err := tx.ExecContext(ctx, r.dialect.Rebind(upsertMachineSQL), string(m.ID), m.Location, boolToInt(m.Active)); err != nil {
				return errFactory.Wrap(ErrTransactionFailed, err)
			}
		}
		if username != "" {
			if _, err := tx.ExecContext(ctx, r.dialect.Rebind(upsertDoctorSQL), username, string(hash)); err != nil {
				return errFactory.Wrap(ErrTransactionFailed, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return errFactory.Wrap(ErrTransactionFailed, err)
		}
		committed = true

		r.log.Info().
			Int("machines", len(DefaultMachines)).
			Bool("account", username != "").
			Msg("Storage seeded")
		return nil
	})
}
