package sandbox

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is the lifecycle state of a sandbox session.
type State int32

const (
	StateCreated State = iota
	StateValidating
	StateReady
	StateRunning
	StateCompleted
	StateFailed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateValidating:
		return "validating"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTerminated
}

// Session tracks one execution from creation to resource release. State
// moves strictly forward; once a terminal state is reached every further
// transition attempt is a no-op.
type Session struct {
	ID        string
	StartTime time.Time

	state atomic.Int32

	mu        sync.Mutex
	execCtx   ExecContext
	runCancel context.CancelFunc

	releaseOnce sync.Once
}

// NewSession creates a session in StateCreated with a fresh UUID.
func NewSession() *Session {
	return &Session{
		ID:        uuid.NewString(),
		StartTime: time.Now(),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// transition atomically moves from one specific state to the next. It
// returns false when the session is no longer in the expected state, which
// happens when a concurrent terminate won the race.
func (s *Session) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// terminalize moves the session into a terminal state from whatever
// non-terminal state it currently holds. It returns false when the session
// already reached a terminal state, making repeated terminations no-ops.
func (s *Session) terminalize(to State) bool {
	for {
		cur := s.State()
		if cur.Terminal() {
			return false
		}
		if s.state.CompareAndSwap(int32(cur), int32(to)) {
			return true
		}
	}
}

func (s *Session) setExecContext(ec ExecContext) {
	s.mu.Lock()
	s.execCtx = ec
	s.mu.Unlock()
}

// ExecContext returns the allocated context, or nil before allocation.
func (s *Session) ExecContext() ExecContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execCtx
}

func (s *Session) setRunCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.runCancel = cancel
	s.mu.Unlock()
}

// cancelRun aborts an in-flight Run, if any.
func (s *Session) cancelRun() {
	s.mu.Lock()
	cancel := s.runCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// release frees the session's sandbox resources exactly once. A release
// failure is a residual resource leak and is logged loudly rather than
// returned, because every caller is already past the point of recovery.
func (s *Session) release(logger *zap.Logger) {
	s.releaseOnce.Do(func() {
		ec := s.ExecContext()
		if ec == nil {
			return
		}
		if err := ec.Release(); err != nil {
			logger.Error("session resources were not fully released",
				zap.String("session_id", s.ID),
				zap.Error(err))
		}
	})
}

// maxRetainedSessions bounds how many sessions the registry keeps. Oldest
// terminal sessions are evicted first; sessions still in flight are never
// evicted, so the bound only trims post-hoc query history.
const maxRetainedSessions = 1024

// SessionRegistry is a concurrency-safe index of sessions by ID. Sessions
// are registered once validation admits them and stay queryable after they
// finish, so callers can inspect terminal state and alerts. Retention is
// bounded so a long-lived server does not grow per execution forever.
type SessionRegistry struct {
	mu       sync.RWMutex
	retain   int
	sessions map[string]*Session
	order    []string
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		retain:   maxRetainedSessions,
		sessions: make(map[string]*Session),
	}
}

// Add registers a session, evicting the oldest finished sessions when the
// retention bound is exceeded.
func (r *SessionRegistry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	r.order = append(r.order, s.ID)
	r.evict()
}

// evict drops the oldest terminal sessions until the registry is back under
// its retention bound. Caller holds r.mu.
func (r *SessionRegistry) evict() {
	if len(r.sessions) <= r.retain {
		return
	}
	kept := r.order[:0]
	for _, id := range r.order {
		s, ok := r.sessions[id]
		if !ok {
			continue
		}
		if len(r.sessions) > r.retain && s.State().Terminal() {
			delete(r.sessions, id)
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
}

// Get returns the session with the given ID, or nil.
func (r *SessionRegistry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Len returns the number of registered sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
