package persist

import (
	"context"
	"fmt"
	"sync"
	"time"

	"codeberg.org/mutker/rpmd/internal/errors"
	"codeberg.org/mutker/rpmd/internal/logger"
	"codeberg.org/mutker/rpmd/internal/metrics"
	"codeberg.org/mutker/rpmd/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// Writer stores one frame. Implementations borrow and return their own
// storage connection.
type Writer interface {
	WriteFrame(ctx context.Context, id telemetry.MachineID, f telemetry.Frame) error
}

type Config struct {
	// Interval is the minimum time between persisted frames per machine.
	Interval time.Duration
	// Workers is the number of concurrent writes.
	Workers int
	// QueueSize is how many admitted frames may wait for a worker.
	QueueSize int
	// WriteTimeout bounds a single write including connection acquire.
	WriteTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:     2 * time.Second,
		Workers:      2,
		QueueSize:    64,
		WriteTimeout: 5 * time.Second,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()
	if c.Interval <= 0 || c.WriteTimeout <= 0 {
		return errFactory.WithData(ErrInvalidInterval, struct {
			Interval     time.Duration
			WriteTimeout time.Duration
		}{c.Interval, c.WriteTimeout})
	}
	if c.Workers <= 0 || c.QueueSize <= 0 {
		return errFactory.WithData(ErrInvalidConfig, "workers and queue size must be positive")
	}
	return nil
}

type job struct {
	id    telemetry.MachineID
	frame telemetry.Frame
}

// Persister is the down-sampling write path. MaybePersist never blocks:
// frames inside the interval are skipped, admitted frames are queued for
// a worker, and frames that find the queue full are dropped.
type Persister struct {
	writer   Writer
	throttle *Throttle
	cfg      Config
	log      logger.Logger
	metrics  *metrics.Metrics

	mu     sync.RWMutex
	jobs   chan job
	closed bool

	group errgroup.Group
}

type Option func(*Persister)

func WithLogger(log logger.Logger) Option {
	return func(p *Persister) { p.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Persister) { p.metrics = m }
}

// New starts cfg.Workers writers. Close must be called to stop them.
func New(w Writer, cfg Config, opts ...Option) (*Persister, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Persister{
		writer:   w,
		throttle: NewThrottle(cfg.Interval),
		cfg:      cfg,
		log:      logger.Nop(),
		jobs:     make(chan job, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(p)
	}

	for range cfg.Workers {
		p.group.Go(p.work)
	}

	p.log.Debug().
		Dur("interval", cfg.Interval).
		Int("workers", cfg.Workers).
		Int("queue_size", cfg.QueueSize).
		Msg("Persistence workers started")

	return p, nil
}

// MaybePersist hands f to a worker if the machine's interval has elapsed
// at now. It reports whether the frame was queued.
func (p *Persister) MaybePersist(id telemetry.MachineID, f telemetry.Frame, now time.Time) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return false
	}
	if !p.throttle.Allow(id, now) {
		p.metrics.Persist(metrics.PersistThrottled)
		return false
	}

	select {
	case p.jobs <- job{id: id, frame: f}:
		return true
	default:
		p.metrics.Persist(metrics.PersistDropped)
		p.log.Warn().
			Str("machine_id", string(id)).
			Int("queue_size", p.cfg.QueueSize).
			Msg("Persistence queue full, frame dropped")
		return false
	}
}

func (p *Persister) work() error {
	for j := range p.jobs {
		p.write(j)
	}
	return nil
}

func (p *Persister) write(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.metrics.Persist(metrics.PersistFailed)
			p.log.Error().
				Str("machine_id", string(j.id)).
				Str("panic", fmt.Sprint(r)).
				Msg("Frame write panicked")
		}
	}()

	start := time.Now()
	err := p.writer.WriteFrame(ctx, j.id, j.frame)
	p.metrics.ObserveWrite(time.Since(start))

	if err != nil {
		p.metrics.Persist(metrics.PersistFailed)
		p.log.Warn().
			Err(err).
			Str("machine_id", string(j.id)).
			Str("error_code", string(errors.CodeOf(err))).
			Msg("Frame not persisted")
		return
	}

	p.metrics.Persist(metrics.PersistWritten)
	p.log.Debug().
		Str("machine_id", string(j.id)).
		Time("frame_time", j.frame.Timestamp).
		Msg("Frame persisted")
}

// Close stops accepting frames and waits for queued and in-flight writes
// until ctx is done.
func (p *Persister) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = p.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Debug().Msg("Persistence workers stopped")
		return nil
	case <-ctx.Done():
		return errors.Wrap(ErrShutdownTimeout, ctx.Err())
	}
}
