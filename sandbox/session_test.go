package sandbox

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSessionLifecycle(t *testing.T) {
	s := NewSession()
	require.NotEmpty(t, s.ID)
	assert.Equal(t, StateCreated, s.State())

	assert.True(t, s.transition(StateCreated, StateValidating))
	assert.True(t, s.transition(StateValidating, StateReady))
	assert.True(t, s.transition(StateReady, StateRunning))
	assert.True(t, s.transition(StateRunning, StateCompleted))
	assert.True(t, s.State().Terminal())

	// Terminal states accept no further transitions.
	assert.False(t, s.transition(StateCompleted, StateRunning))
	assert.False(t, s.terminalize(StateTerminated))
	assert.Equal(t, StateCompleted, s.State())
}

func TestSessionTerminalizeFromAnyState(t *testing.T) {
	for _, from := range []State{StateCreated, StateValidating, StateReady, StateRunning} {
		s := NewSession()
		s.state.Store(int32(from))
		assert.True(t, s.terminalize(StateTerminated), "from %s", from)
		assert.Equal(t, StateTerminated, s.State())
		assert.False(t, s.terminalize(StateTerminated), "repeat from %s", from)
	}
}

func TestSessionTerminalizeConcurrent(t *testing.T) {
	s := NewSession()
	s.state.Store(int32(StateRunning))

	wins := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.terminalize(StateTerminated) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, StateTerminated, s.State())
}

func TestSessionReleaseOnce(t *testing.T) {
	rc := &fakeContext{}
	s := NewSession()
	s.setExecContext(rc)

	logger := zaptest.NewLogger(t)
	s.release(logger)
	s.release(logger)

	assert.Equal(t, 1, rc.releases())
}

func TestSessionReleaseErrorIsSwallowed(t *testing.T) {
	rc := &fakeContext{releaseErr: errors.New("mount busy")}
	s := NewSession()
	s.setExecContext(rc)

	// Logged, not returned; callers are past the point of recovery.
	s.release(zaptest.NewLogger(t))
	assert.Equal(t, 1, rc.releases())
}

func TestSessionReleaseWithoutContext(t *testing.T) {
	s := NewSession()
	s.release(zaptest.NewLogger(t))
}

func TestSessionRegistry(t *testing.T) {
	r := NewSessionRegistry()
	assert.Nil(t, r.Get("missing"))
	assert.Equal(t, 0, r.Len())

	a := NewSession()
	b := NewSession()
	r.Add(a)
	r.Add(b)

	assert.Equal(t, 2, r.Len())
	assert.Same(t, a, r.Get(a.ID))
	assert.Same(t, b, r.Get(b.ID))
	assert.NotEqual(t, a.ID, b.ID)
}

func TestSessionRegistryEvictsOldestTerminal(t *testing.T) {
	r := NewSessionRegistry()
	r.retain = 3

	var ids []string
	for i := 0; i < 5; i++ {
		s := NewSession()
		s.terminalize(StateCompleted)
		r.Add(s)
		ids = append(ids, s.ID)
	}

	assert.Equal(t, 3, r.Len())
	assert.Nil(t, r.Get(ids[0]))
	assert.Nil(t, r.Get(ids[1]))
	assert.NotNil(t, r.Get(ids[4]))
}

func TestSessionRegistryNeverEvictsRunning(t *testing.T) {
	r := NewSessionRegistry()
	r.retain = 2

	var running []*Session
	for i := 0; i < 4; i++ {
		s := NewSession()
		s.state.Store(int32(StateRunning))
		r.Add(s)
		running = append(running, s)
	}

	// In-flight sessions stay even past the bound.
	assert.Equal(t, 4, r.Len())

	// A finished newcomer is the only eviction candidate and goes first.
	done := NewSession()
	done.terminalize(StateFailed)
	r.Add(done)
	assert.Equal(t, 4, r.Len())
	assert.Nil(t, r.Get(done.ID))
	for _, s := range running {
		assert.NotNil(t, r.Get(s.ID))
	}
}
