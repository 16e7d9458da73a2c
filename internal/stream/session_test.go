package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRefusesAfterDrain(t *testing.T) {
	r := NewRegistry()

	first := newSession("M1")
	prev, ok := r.register(first)
	require.True(t, ok)
	assert.Nil(t, prev)

	second := newSession("M1")
	prev, ok = r.register(second)
	require.True(t, ok)
	assert.Same(t, first, prev)

	drained := r.drain()
	assert.Equal(t, []*Session{second}, drained)

	late := newSession("M2")
	_, ok = r.register(late)
	assert.False(t, ok)
	assert.Equal(t, []string{"M1"}, idStrings(r))

	waited := make(chan struct{})
	go func() {
		r.wait()
		close(waited)
	}()

	r.unregister(first)
	select {
	case <-waited:
		t.Fatal("wait returned with a session still registered")
	case <-time.After(20 * time.Millisecond):
	}

	r.unregister(second)
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("wait did not return after the last session left")
	}
	assert.Empty(t, r.ActiveIDs())
}

func idStrings(r *Registry) []string {
	var out []string
	for _, id := range r.ActiveIDs() {
		out = append(out, string(id))
	}
	return out
}
