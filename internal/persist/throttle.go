package persist

import (
	"sync"
	"time"

	"codeberg.org/mutker/rpmd/internal/telemetry"
)

// Throttle admits at most one persistence attempt per machine per
// interval. The slot is taken when an attempt is admitted, whether or not
// the write later succeeds.
type Throttle struct {
	interval time.Duration

	mu   sync.Mutex
	last map[telemetry.MachineID]time.Time
}

func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{
		interval: interval,
		last:     make(map[telemetry.MachineID]time.Time),
	}
}

// Allow reports whether a frame seen at now may be persisted, and if so
// records now as the machine's last attempt.
func (t *Throttle) Allow(id telemetry.MachineID, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if last, ok := t.last[id]; ok && now.Sub(last) < t.interval {
		return false
	}
	t.last[id] = now
	return true
}

// Last returns the time of the machine's last admitted attempt.
func (t *Throttle) Last(id telemetry.MachineID) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	last, ok := t.last[id]
	return last, ok
}
