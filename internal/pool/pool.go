package pool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/rpmd/internal/errors"
	"codeberg.org/mutker/rpmd/internal/logger"
	"codeberg.org/mutker/rpmd/internal/metrics"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"golang.org/x/sync/semaphore"
)

type Config struct {
	// Size is the maximum number of connections lent out at once.
	Size int
	// AcquireTimeout bounds the wait for a free slot. Zero means do not wait.
	AcquireTimeout time.Duration
	// DialTimeout bounds opening and pinging a new connection.
	DialTimeout time.Duration

	// The breaker opens after BreakerFailures failed dials out of the last
	// BreakerWindow, and stays open for BreakerDelay.
	BreakerFailures uint
	BreakerWindow   uint
	BreakerDelay    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Size:            5,
		AcquireTimeout:  200 * time.Millisecond,
		DialTimeout:     2 * time.Second,
		BreakerFailures: 3,
		BreakerWindow:   5,
		BreakerDelay:    10 * time.Second,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()
	if c.Size <= 0 {
		return errFactory.WithData(ErrInvalidConfig, "pool size must be positive")
	}
	if c.DialTimeout <= 0 || c.AcquireTimeout < 0 {
		return errFactory.WithData(ErrInvalidConfig, "pool timeouts out of range")
	}
	if c.BreakerFailures == 0 || c.BreakerWindow < c.BreakerFailures {
		return errFactory.WithData(ErrInvalidConfig, "breaker thresholds out of range")
	}
	return nil
}

// Pool lends a bounded number of storage connections. A borrowed Conn must
// be handed back with Release exactly once; With does that automatically.
type Pool struct {
	db      *sql.DB
	cfg     Config
	slots   *semaphore.Weighted
	breaker circuitbreaker.CircuitBreaker[*sql.Conn]
	log     logger.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	idle   []*sql.Conn
	closed bool

	inUse atomic.Int64
}

type Option func(*Pool)

func WithLogger(log logger.Logger) Option {
	return func(p *Pool) { p.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// New wraps db. The pool caps db's own open connections at cfg.Size so
// database/sql never dials past the bound either.
func New(db *sql.DB, cfg Config, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pool{
		db:    db,
		cfg:   cfg,
		slots: semaphore.NewWeighted(int64(cfg.Size)),
		log:   logger.Nop(),
		idle:  make([]*sql.Conn, 0, cfg.Size),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.breaker = circuitbreaker.NewBuilder[*sql.Conn]().
		WithFailureThresholdRatio(cfg.BreakerFailures, cfg.BreakerWindow).
		WithDelay(cfg.BreakerDelay).
		WithSuccessThreshold(1).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			p.log.Warn().
				Str("from_state", stateName(event.OldState)).
				Str("to_state", stateName(event.NewState)).
				Msg("Storage circuit breaker state change")
		}).
		Build()

	db.SetMaxOpenConns(cfg.Size)
	db.SetMaxIdleConns(cfg.Size)

	return p, nil
}

// Conn is a connection on loan from the pool.
type Conn struct {
	*sql.Conn
	broken   bool
	released atomic.Bool
}

// MarkBroken makes Release discard the connection instead of reusing it.
func (c *Conn) MarkBroken() {
	c.broken = true
}

// Acquire borrows a connection. It waits at most AcquireTimeout for a free
// slot and DialTimeout for a new connection, and reports every failure as
// ErrUnavailable.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	errFactory := errors.New()

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		p.metrics.AcquireFailed(metrics.AcquirePoolClosed)
		return nil, errFactory.WithData(ErrUnavailable, "pool closed")
	}

	if err := p.takeSlot(ctx); err != nil {
		p.metrics.AcquireFailed(metrics.AcquireExhausted)
		return nil, errFactory.Wrap(ErrUnavailable, err).WithData(struct {
			Phase string
			Size  int
		}{
			Phase: "acquire_slot",
			Size:  p.cfg.Size,
		})
	}

	conn, err := p.checkout(ctx)
	if err != nil {
		p.slots.Release(1)
		reason := metrics.AcquireDialFailed
		if errors.Is(err, circuitbreaker.ErrOpen) {
			reason = metrics.AcquireBreakerOpen
		}
		p.metrics.AcquireFailed(reason)
		return nil, errFactory.Wrap(ErrUnavailable, err)
	}

	p.metrics.SetPoolInUse(int(p.inUse.Add(1)))
	return &Conn{Conn: conn}, nil
}

func (p *Pool) takeSlot(ctx context.Context) error {
	if p.cfg.AcquireTimeout == 0 {
		if !p.slots.TryAcquire(1) {
			return context.DeadlineExceeded
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()
	return p.slots.Acquire(ctx, 1)
}

// checkout reuses an idle connection or dials a new one. The caller holds
// a slot.
func (p *Pool) checkout(ctx context.Context) (*sql.Conn, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	defer cancel()

	return failsafe.With(p.breaker).Get(func() (*sql.Conn, error) {
		conn, err := p.db.Conn(dialCtx)
		if err != nil {
			return nil, err
		}
		if err := conn.PingContext(dialCtx); err != nil {
			discard(conn)
			return nil, err
		}
		p.log.Debug().Msg("Opened storage connection")
		return conn, nil
	})
}

// Release returns c to the pool. Broken connections are discarded so the
// next Acquire dials a fresh one. Releasing twice is a no-op.
func (p *Pool) Release(c *Conn) {
	if c == nil {
		return
	}
	if !c.released.CompareAndSwap(false, true) {
		p.log.Warn().Msg("Connection released twice")
		return
	}

	p.metrics.SetPoolInUse(int(p.inUse.Add(-1)))
	defer p.slots.Release(1)

	if c.broken {
		discard(c.Conn)
		p.log.Debug().Msg("Discarded broken storage connection")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = c.Conn.Close()
		return
	}
	p.idle = append(p.idle, c.Conn)
}

// With runs fn on a borrowed connection and releases it on every exit
// path. An error or panic from fn marks the connection broken.
func (p *Pool) With(ctx context.Context, fn func(conn *sql.Conn) error) (err error) {
	c, err := p.Acquire(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			c.MarkBroken()
			p.Release(c)
			panic(r)
		}
		if err != nil {
			c.MarkBroken()
		}
		p.Release(c)
	}()

	return fn(c.Conn)
}

func (p *Pool) Size() int {
	return p.cfg.Size
}

// InUse returns the number of connections currently lent out.
func (p *Pool) InUse() int {
	return int(p.inUse.Load())
}

// Idle returns the number of connections ready for reuse.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close stops lending and closes idle connections. Connections still on
// loan are closed when they are released. The *sql.DB belongs to the
// caller and stays open.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	for _, conn := range p.idle {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.idle = nil

	if len(errs) > 0 {
		return errors.Wrap(errors.ErrShutdownFailed, errors.Join(errs...))
	}
	return nil
}

// discard drops conn from database/sql's own pool. Returning ErrBadConn
// from Raw makes database/sql close the driver connection instead of
// keeping it for reuse.
func discard(conn *sql.Conn) {
	_ = conn.Raw(func(any) error {
		return driver.ErrBadConn
	})
	_ = conn.Close()
}

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.OpenState:
		return "open"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	default:
		return "closed"
	}
}
