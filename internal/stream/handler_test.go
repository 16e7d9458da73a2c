package stream_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/rpmd/internal/persist"
	"codeberg.org/mutker/rpmd/internal/stream"
	"codeberg.org/mutker/rpmd/internal/telemetry"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memoryWriter struct {
	mu     sync.Mutex
	frames []telemetry.Frame
}

func (w *memoryWriter) WriteFrame(_ context.Context, _ telemetry.MachineID, f telemetry.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.frames = append(w.frames, f)
	return nil
}

func (w *memoryWriter) timestamps() []time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]time.Time, 0, len(w.frames))
	for _, f := range w.frames {
		out = append(out, f.Timestamp)
	}
	return out
}

type noopPersister struct{}

func (noopPersister) MaybePersist(telemetry.MachineID, telemetry.Frame, time.Time) bool { return false }

type fixture struct {
	handler *stream.Handler
	cache   *telemetry.Cache
	targets *telemetry.Targets
	server  *httptest.Server
}

func newFixture(t *testing.T, p stream.Persister, opts ...stream.Option) *fixture {
	t.Helper()

	f := &fixture{
		cache:   telemetry.NewCache(),
		targets: telemetry.NewTargets(),
	}
	h, err := stream.NewHandler(f.cache, f.targets, p, stream.DefaultConfig(), opts...)
	require.NoError(t, err)
	f.handler = h

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/machine/{id}", func(w http.ResponseWriter, r *http.Request) {
		h.ServeMachine(w, r, telemetry.MachineID(r.PathValue("id")))
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
		f.server.Close()
	})
	return f
}

func (f *fixture) dial(t *testing.T, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/machine/" + id
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *fixture) activeSession(t *testing.T, id telemetry.MachineID) *stream.Session {
	t.Helper()
	var s *stream.Session
	require.Eventually(t, func() bool {
		var ok bool
		s, ok = f.handler.Registry().Active(id)
		return ok
	}, time.Second, 5*time.Millisecond)
	return s
}

func TestEndToEndThrottledPersistence(t *testing.T) {
	clock := &fakeClock{now: t0}
	w := &memoryWriter{}
	p, err := persist.New(w, persist.Config{
		Interval:     2 * time.Second,
		Workers:      2,
		QueueSize:    16,
		WriteTimeout: time.Second,
	})
	require.NoError(t, err)

	f := newFixture(t, p, stream.WithClock(clock.Now))
	f.targets.Set("M1", 42)
	conn := f.dial(t, "M1")

	// 20 frames at 0.5s spacing cover 0s to 9.5s.
	for i := range 20 {
		require.NoError(t, conn.WriteJSON(map[string]any{
			"temperature": 36.0,
			"flow_rate":   i,
		}))

		var reply stream.Reply
		require.NoError(t, conn.ReadJSON(&reply))
		assert.Equal(t, 42.0, reply.ActuatorTarget)

		if i < 19 {
			clock.Advance(500 * time.Millisecond)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))

	assert.ElementsMatch(t, []time.Time{
		t0,
		t0.Add(2 * time.Second),
		t0.Add(4 * time.Second),
		t0.Add(6 * time.Second),
		t0.Add(8 * time.Second),
	}, w.timestamps())

	latest, ok := f.cache.Get("M1")
	require.True(t, ok)
	assert.Equal(t, t0.Add(9500*time.Millisecond), latest.Timestamp)
	assert.Equal(t, 19.0, latest.FlowRate)
}

func TestMalformedFrameKeepsSessionOpen(t *testing.T) {
	f := newFixture(t, noopPersister{})
	conn := f.dial(t, "M1")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"ph": 7.3, "temperature": 37.1}`)))

	// Only the well-formed frame is answered.
	var reply stream.Reply
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Zero(t, reply.ActuatorTarget)

	latest, ok := f.cache.Get("M1")
	require.True(t, ok)
	assert.Equal(t, 7.3, latest.PH)
	assert.Equal(t, 37.1, latest.Temperature)

	s := f.activeSession(t, "M1")
	assert.Equal(t, stream.StateOpen, s.State())
	assert.Equal(t, int64(1), s.Frames())
}

func TestReplyTracksActuatorTarget(t *testing.T) {
	f := newFixture(t, noopPersister{})
	conn := f.dial(t, "M2")

	for _, target := range []float64{0, 55, 55, 80} {
		f.targets.Set("M2", target)
		require.NoError(t, conn.WriteJSON(map[string]any{"flow_rate": 400}))

		var reply stream.Reply
		require.NoError(t, conn.ReadJSON(&reply))
		assert.Equal(t, target, reply.ActuatorTarget)
	}
}

func TestDisconnectKeepsCachedFrame(t *testing.T) {
	f := newFixture(t, noopPersister{})
	conn := f.dial(t, "M1")

	require.NoError(t, conn.WriteJSON(map[string]any{"temperature": 36.8}))
	var reply stream.Reply
	require.NoError(t, conn.ReadJSON(&reply))

	s := f.activeSession(t, "M1")

	// Drop the transport without a close handshake.
	require.NoError(t, conn.UnderlyingConn().Close())

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after transport drop")
	}
	assert.Equal(t, stream.StateClosed, s.State())
	require.Eventually(t, func() bool {
		_, ok := f.handler.Registry().Active("M1")
		return !ok
	}, time.Second, 5*time.Millisecond)

	latest, ok := f.cache.Get("M1")
	require.True(t, ok)
	assert.Equal(t, 36.8, latest.Temperature)
}

func TestNewerSessionReplacesOlder(t *testing.T) {
	f := newFixture(t, noopPersister{})

	first := f.dial(t, "M1")
	old := f.activeSession(t, "M1")

	second := f.dial(t, "M1")
	require.Eventually(t, func() bool {
		s, ok := f.handler.Registry().Active("M1")
		return ok && s.ID != old.ID
	}, time.Second, 5*time.Millisecond)

	<-old.Done()
	_, _, err := first.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	require.NoError(t, second.WriteJSON(map[string]any{"ph": 7.2}))
	var reply stream.Reply
	require.NoError(t, second.ReadJSON(&reply))
	assert.Equal(t, []telemetry.MachineID{"M1"}, f.handler.Registry().ActiveIDs())
}

func TestShutdownClosesSessions(t *testing.T) {
	f := newFixture(t, noopPersister{})
	conn := f.dial(t, "M1")
	f.activeSession(t, "M1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.handler.Shutdown(ctx))

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Empty(t, f.handler.Registry().ActiveIDs())
}

func TestShutdownRefusesNewSessions(t *testing.T) {
	f := newFixture(t, noopPersister{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.handler.Shutdown(ctx))

	conn := f.dial(t, "M2")
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Empty(t, f.handler.Registry().ActiveIDs())

	// Nothing was admitted, so a second shutdown returns at once.
	require.NoError(t, f.handler.Shutdown(ctx))
}

func TestIngestSharesStreamPath(t *testing.T) {
	clock := &fakeClock{now: t0}
	w := &memoryWriter{}
	p, err := persist.New(w, persist.DefaultConfig())
	require.NoError(t, err)

	f := newFixture(t, p, stream.WithClock(clock.Now))

	queued, err := f.handler.Ingest("M1", []byte(`{"temperature": 36.6}`))
	require.NoError(t, err)
	assert.True(t, queued)

	clock.Advance(time.Second)
	queued, err = f.handler.Ingest("M1", []byte(`{"temperature": 36.7}`))
	require.NoError(t, err)
	assert.False(t, queued, "inside the persistence interval")

	_, err = f.handler.Ingest("M1", []byte(`"just a string"`))
	require.Error(t, err)

	latest, ok := f.cache.Get("M1")
	require.True(t, ok)
	assert.Equal(t, 36.7, latest.Temperature)
	assert.Equal(t, t0.Add(time.Second), latest.Timestamp)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))
	assert.Equal(t, []time.Time{t0}, w.timestamps())
}

func TestHandshakeFailure(t *testing.T) {
	f := newFixture(t, noopPersister{})

	resp, err := http.Get(f.server.URL + "/ws/machine/M1")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, f.handler.Registry().ActiveIDs())
}

func TestConfigValidate(t *testing.T) {
	cfg := stream.DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.PingPeriod = cfg.IdleTimeout
	assert.Error(t, cfg.Validate())

	cfg = stream.DefaultConfig()
	cfg.MaxMessageBytes = 0
	assert.Error(t, cfg.Validate())

	assert.Equal(t, "open", stream.StateOpen.String())
	assert.Equal(t, "closed", stream.StateClosed.String())
}
