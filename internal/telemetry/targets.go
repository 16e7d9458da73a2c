package telemetry

import "sync"

// Targets holds the actuator set-point (pump speed) per machine. It is a
// level value: the latest Set wins and the stream reports it on every
// frame, so there is no acknowledgement.
type Targets struct {
	mu     sync.RWMutex
	values map[MachineID]float64
}

func NewTargets() *Targets {
	return &Targets{values: make(map[MachineID]float64)}
}

func (t *Targets) Set(id MachineID, value float64) {
	t.mu.Lock()
	t.values[id] = value
	t.mu.Unlock()
}

// Get returns the target for id, or 0 when none was set.
func (t *Targets) Get(id MachineID) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.values[id]
}
