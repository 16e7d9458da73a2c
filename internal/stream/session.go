package stream

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/rpmd/internal/telemetry"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one machine's live stream connection.
type Session struct {
	ID        string
	MachineID telemetry.MachineID
	Opened    time.Time

	conn      *websocket.Conn
	state     atomic.Int32
	frames    atomic.Int64
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(id telemetry.MachineID) *Session {
	return &Session{
		ID:        uuid.NewString(),
		MachineID: id,
		done:      make(chan struct{}),
	}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Frames returns the number of frames the session has accepted.
func (s *Session) Frames() int64 {
	return s.frames.Load()
}

// Done is closed once the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) open(conn *websocket.Conn, now time.Time) {
	s.conn = conn
	s.Opened = now
	s.state.Store(int32(StateOpen))
}

// close moves the session to StateClosed and drops the connection. A close
// frame with code and reason is sent first when code is non-zero.
func (s *Session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		if s.conn != nil {
			if code != 0 {
				msg := websocket.FormatCloseMessage(code, reason)
				_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			}
			_ = s.conn.Close()
		}
		close(s.done)
	})
}

// Registry tracks the active session of each machine.
type Registry struct {
	mu       sync.Mutex
	active   map[telemetry.MachineID]*Session
	draining bool
	running  sync.WaitGroup
}

func NewRegistry() *Registry {
	return &Registry{
		active: make(map[telemetry.MachineID]*Session),
	}
}

// register makes s the active session for its machine and returns the
// session it displaced, if any. Once the registry is draining it admits
// nothing and reports false. Every admitted session must be passed to
// unregister exactly once.
func (r *Registry) register(s *Session) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.draining {
		return nil, false
	}
	r.running.Add(1)

	prev := r.active[s.MachineID]
	r.active[s.MachineID] = s
	return prev, true
}

// unregister removes s unless a newer session already took its place.
func (r *Registry) unregister(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active[s.MachineID] == s {
		delete(r.active, s.MachineID)
	}
	r.running.Done()
}

// drain stops admission and returns the sessions still registered.
func (r *Registry) drain() []*Session {
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()
	return r.sessions()
}

// wait blocks until every admitted session has been unregistered.
func (r *Registry) wait() {
	r.running.Wait()
}

func (r *Registry) Active(id telemetry.MachineID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.active[id]
	return s, ok
}

// ActiveIDs returns the machines with an open session, sorted.
func (r *Registry) ActiveIDs() []telemetry.MachineID {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]telemetry.MachineID, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, len(r.active))
	for _, s := range r.active {
		out = append(out, s)
	}
	return out
}
