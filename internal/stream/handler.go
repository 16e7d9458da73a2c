package stream

import (
	"context"
	"net/http"
	"time"

	"codeberg.org/mutker/rpmd/internal/errors"
	"codeberg.org/mutker/rpmd/internal/logger"
	"codeberg.org/mutker/rpmd/internal/metrics"
	"codeberg.org/mutker/rpmd/internal/telemetry"
	"github.com/gorilla/websocket"
)

// Time allowed to write a message to the peer
const writeWait = 10 * time.Second

type Config struct {
	// IdleTimeout closes a session that sends neither frames nor pongs.
	IdleTimeout time.Duration
	// PingPeriod must be less than IdleTimeout.
	PingPeriod time.Duration
	// MaxMessageBytes is the largest inbound frame accepted.
	MaxMessageBytes int64
}

func DefaultConfig() Config {
	return Config{
		IdleTimeout:     60 * time.Second,
		PingPeriod:      54 * time.Second,
		MaxMessageBytes: 4096,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()
	if c.IdleTimeout <= 0 || c.PingPeriod <= 0 || c.PingPeriod >= c.IdleTimeout {
		return errFactory.WithData(errors.ErrInvalidInterval, struct {
			IdleTimeout time.Duration
			PingPeriod  time.Duration
		}{c.IdleTimeout, c.PingPeriod})
	}
	if c.MaxMessageBytes <= 0 {
		return errFactory.WithData(ErrInvalidConfig, "max message bytes must be positive")
	}
	return nil
}

// Persister is the write path a session feeds. It must not block.
type Persister interface {
	MaybePersist(id telemetry.MachineID, f telemetry.Frame, now time.Time) bool
}

// Reply is the one message sent back for every accepted frame.
type Reply struct {
	ActuatorTarget float64 `json:"actuator_target"`
}

// Handler upgrades machine connections and runs their sessions.
type Handler struct {
	cache     *telemetry.Cache
	targets   *telemetry.Targets
	persister Persister
	registry  *Registry
	cfg       Config
	clock     func() time.Time
	upgrader  websocket.Upgrader
	log       logger.Logger
	metrics   *metrics.Metrics
}

type Option func(*Handler)

func WithLogger(log logger.Logger) Option {
	return func(h *Handler) { h.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithClock replaces the time source used to gate persistence and stamp
// frames that carry no timestamp.
func WithClock(clock func() time.Time) Option {
	return func(h *Handler) { h.clock = clock }
}

func NewHandler(cache *telemetry.Cache, targets *telemetry.Targets, p Persister, cfg Config, opts ...Option) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	h := &Handler{
		cache:     cache,
		targets:   targets,
		persister: p,
		registry:  NewRegistry(),
		cfg:       cfg,
		clock:     time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Machines are not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: logger.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *Handler) Registry() *Registry {
	return h.registry
}

// ActiveIDs returns the machines with an open session.
func (h *Handler) ActiveIDs() []telemetry.MachineID {
	return h.registry.ActiveIDs()
}

// ServeMachine runs the session for id on the current goroutine until the
// peer goes away.
func (h *Handler) ServeMachine(w http.ResponseWriter, r *http.Request, id telemetry.MachineID) {
	s := newSession(id)
	log := h.log.With("machine_id", string(id)).With("session_id", s.ID)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied with an HTTP error.
		s.close(0, "")
		log.Warn().
			Err(err).
			Str("error_code", string(ErrTransport)).
			Msg("Stream handshake failed")
		return
	}

	s.open(conn, h.clock())
	prev, ok := h.registry.register(s)
	if !ok {
		s.close(websocket.CloseGoingAway, "server shutting down")
		log.Info().Msg("Refused stream during shutdown")
		return
	}
	if prev != nil {
		prev.close(websocket.CloseNormalClosure, "replaced by newer session")
		h.metrics.SessionReplaced()
		log.Warn().
			Str("replaced_session_id", prev.ID).
			Msg("Newer session replaced active session")
	}
	h.metrics.SessionOpened()
	log.Info().Msg("Stream session opened")

	defer func() {
		s.close(0, "")
		h.metrics.SessionClosed()
		log.Info().
			Int64("frames", s.Frames()).
			Msg("Stream session closed")
		h.registry.unregister(s)
	}()

	h.run(s, log)
}

func (h *Handler) run(s *Session, log logger.Logger) {
	conn := s.conn
	conn.SetReadLimit(h.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
	})

	go h.ping(s)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.State() == StateOpen && websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().
					Err(err).
					Str("error_code", string(ErrTransport)).
					Msg("Stream transport error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))

		// A replaced session may still have a frame in flight.
		if s.State() != StateOpen {
			return
		}

		if err := h.handleFrame(s, data, log); err != nil {
			log.Warn().
				Err(err).
				Str("error_code", string(errors.CodeOf(err))).
				Msg("Stream reply failed")
			return
		}
	}
}

func (h *Handler) handleFrame(s *Session, data []byte, log logger.Logger) error {
	if _, err := h.Ingest(s.MachineID, data); err != nil {
		log.Warn().
			Err(err).
			Str("error_code", string(ErrDecode)).
			Int("bytes", len(data)).
			Msg("Skipping undecodable frame")
		return nil
	}
	s.frames.Add(1)

	reply := Reply{ActuatorTarget: h.targets.Get(s.MachineID)}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(reply); err != nil {
		return errors.Wrap(ErrTransport, err)
	}
	return nil
}

// Ingest decodes one frame for id, caches it and offers it to the
// persistence path. It reports whether the frame was queued for storage.
// Only an undecodable payload is an error.
func (h *Handler) Ingest(id telemetry.MachineID, data []byte) (bool, error) {
	now := h.clock()

	f, err := telemetry.Decode(data, now)
	if err != nil {
		h.metrics.FrameRejected()
		return false, err
	}

	h.cache.Put(id, f)
	queued := h.persister.MaybePersist(id, f, now)
	h.metrics.FrameReceived()
	return queued, nil
}

func (h *Handler) ping(s *Session) {
	ticker := time.NewTicker(h.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.Done():
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// Shutdown closes every open session with a going-away frame and waits
// for their loops to finish until ctx is done.
func (h *Handler) Shutdown(ctx context.Context) error {
	for _, s := range h.registry.drain() {
		s.close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.registry.wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(errors.ErrTimeout, ctx.Err())
	}
}
