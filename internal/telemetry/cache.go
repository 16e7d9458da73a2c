package telemetry

import (
	"sort"
	"sync"
)

// Cache holds the most recent frame per machine. It has no expiry: a stale
// frame is preferred to none, and readers judge staleness by the frame's
// own timestamp.
//
// Each key has a single writer (the session owning that machine), so the
// lock only protects the map itself. Frames are stored by pointer and
// replaced whole, so a reader never sees a partially written frame.
type Cache struct {
	mu     sync.RWMutex
	frames map[MachineID]*Frame
}

func NewCache() *Cache {
	return &Cache{frames: make(map[MachineID]*Frame)}
}

// Put replaces the cached frame for id.
func (c *Cache) Put(id MachineID, f Frame) {
	c.mu.Lock()
	c.frames[id] = &f
	c.mu.Unlock()
}

// Get returns the cached frame for id and whether one exists.
func (c *Cache) Get(id MachineID) (Frame, bool) {
	c.mu.RLock()
	f, ok := c.frames[id]
	c.mu.RUnlock()
	if !ok {
		return Frame{}, false
	}
	return *f, true
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.frames)
}

// IDs returns every machine that has reported at least once, sorted.
func (c *Cache) IDs() []MachineID {
	c.mu.RLock()
	ids := make([]MachineID, 0, len(c.frames))
	for id := range c.frames {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
