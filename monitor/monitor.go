package monitor

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/execbox/policy"
)

// Sampler reads a point-in-time resource snapshot from a running session.
type Sampler interface {
	Sample() (ResourceUsage, error)
}

// Terminator is the emergency termination hook invoked on critical alerts.
type Terminator interface {
	Terminate(sessionID string)
}

// Token identifies a subscription.
type Token int

// Memory thresholds as fractions of the policy ceiling.
const (
	memoryWarningFraction  = 0.70
	memoryErrorFraction    = 0.90
	memoryCriticalFraction = 1.00
	timeWarningFraction    = 0.90

	// subscriberBuffer bounds the per-subscriber queue. Events beyond it
	// are dropped for that subscriber rather than blocking the sampler.
	subscriberBuffer = 64

	// maxRetainedWatches bounds how many stopped watches stay queryable
	// through Alerts. The oldest stopped watch is evicted first; active
	// watches are never evicted.
	maxRetainedWatches = 1024
)

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

type watch struct {
	stop chan struct{}
	wg   sync.WaitGroup

	mu         sync.Mutex
	alerts     []Alert
	memLevel   int // highest memory threshold already alerted
	timeWarned bool
	lastTimeMs int64
	stopped    bool
}

// Monitor samples running sessions and fans out usage events and alerts.
type Monitor struct {
	logger   *zap.Logger
	interval time.Duration

	mu         sync.Mutex
	terminator Terminator
	subs       map[Token]*subscriber
	nextToken  Token
	watches    map[string]*watch
	retain     int
	done       []string
}

// New creates a Monitor sampling at the given interval.
func New(logger *zap.Logger, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Monitor{
		logger:   logger,
		interval: interval,
		subs:     make(map[Token]*subscriber),
		watches:  make(map[string]*watch),
		retain:   maxRetainedWatches,
	}
}

// SetTerminator wires the emergency termination hook. Wired after
// construction because the controller depends on the session registry.
func (m *Monitor) SetTerminator(t Terminator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminator = t
}

// Subscribe registers a callback for usage events. The callback runs on a
// dedicated goroutine fed by a buffered channel; events are dropped for
// this subscriber if it falls behind.
func (m *Monitor) Subscribe(fn func(Event)) Token {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextToken++
	tok := m.nextToken
	sub := &subscriber{
		ch:   make(chan Event, subscriberBuffer),
		done: make(chan struct{}),
	}
	m.subs[tok] = sub

	go func() {
		for {
			select {
			case ev := <-sub.ch:
				fn(ev)
			case <-sub.done:
				return
			}
		}
	}()

	return tok
}

// Unsubscribe removes a subscription.
func (m *Monitor) Unsubscribe(tok Token) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub, ok := m.subs[tok]; ok {
		close(sub.done)
		delete(m.subs, tok)
	}
}

// StartMonitoring begins sampling a session against its policy ceilings.
func (m *Monitor) StartMonitoring(sessionID string, started time.Time, sampler Sampler, p *policy.SecurityPolicy) {
	w := &watch{stop: make(chan struct{})}

	m.mu.Lock()
	if _, exists := m.watches[sessionID]; exists {
		m.mu.Unlock()
		m.logger.Warn("session already monitored", zap.String("session_id", sessionID))
		return
	}
	m.watches[sessionID] = w
	m.mu.Unlock()

	w.wg.Add(1)
	go m.run(sessionID, started, sampler, p, w)
}

// StopMonitoring stops sampling for a session. Idempotent. Alerts recorded
// for the session remain queryable after it stops, up to the watch
// retention bound.
func (m *Monitor) StopMonitoring(sessionID string) {
	m.mu.Lock()
	w, ok := m.watches[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}

	w.mu.Lock()
	already := w.stopped
	w.stopped = true
	w.mu.Unlock()
	if already {
		return
	}

	close(w.stop)
	w.wg.Wait()

	m.mu.Lock()
	m.done = append(m.done, sessionID)
	for len(m.done) > m.retain {
		delete(m.watches, m.done[0])
		m.done = m.done[1:]
	}
	m.mu.Unlock()

	m.publish(Event{SessionID: sessionID, End: true})
}

// Alerts returns the alerts recorded for a session so far.
func (m *Monitor) Alerts(sessionID string) []Alert {
	m.mu.Lock()
	w, ok := m.watches[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Alert, len(w.alerts))
	copy(out, w.alerts)
	return out
}

func (m *Monitor) run(sessionID string, started time.Time, sampler Sampler, p *policy.SecurityPolicy, w *watch) {
	defer w.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
		}

		usage, err := sampler.Sample()
		if err != nil {
			// Never invent numbers; skip the tick and try again.
			m.logger.Debug("sample failed",
				zap.String("session_id", sessionID),
				zap.Error(err))
			continue
		}

		w.mu.Lock()
		if w.stopped {
			w.mu.Unlock()
			return
		}
		// Keep ExecutionTimeMs monotonic even if the sampler stalls.
		if usage.ExecutionTimeMs <= 0 {
			usage.ExecutionTimeMs = time.Since(started).Milliseconds()
		}
		if usage.ExecutionTimeMs < w.lastTimeMs {
			usage.ExecutionTimeMs = w.lastTimeMs
		}
		w.lastTimeMs = usage.ExecutionTimeMs

		alerts := m.evaluate(sessionID, usage, p, w)
		w.alerts = append(w.alerts, alerts...)
		w.mu.Unlock()

		m.publish(Event{SessionID: sessionID, Usage: usage, Alerts: alerts})

		for _, a := range alerts {
			if a.Severity == SeverityCritical {
				m.triggerTermination(sessionID, a)
			}
		}
	}
}

// evaluate compares one sample against the policy ceilings. Caller holds w.mu.
func (m *Monitor) evaluate(sessionID string, usage ResourceUsage, p *policy.SecurityPolicy, w *watch) []Alert {
	var alerts []Alert
	now := time.Now()
	ceiling := float64(p.MaxMemoryMB)

	memLevel := 0
	switch {
	case usage.MemoryMB >= ceiling*memoryCriticalFraction:
		memLevel = 3
	case usage.MemoryMB >= ceiling*memoryErrorFraction:
		memLevel = 2
	case usage.MemoryMB >= ceiling*memoryWarningFraction:
		memLevel = 1
	}

	if memLevel > w.memLevel {
		w.memLevel = memLevel
		severity := SeverityWarning
		switch memLevel {
		case 2:
			severity = SeverityError
		case 3:
			severity = SeverityCritical
		}
		alerts = append(alerts, Alert{
			Timestamp: now,
			SessionID: sessionID,
			Severity:  severity,
			Message: fmt.Sprintf("memory usage %.1fMB of %dMB limit",
				usage.MemoryMB, p.MaxMemoryMB),
		})
	}

	if !w.timeWarned && float64(usage.ExecutionTimeMs) >= float64(p.MaxExecutionTimeMs)*timeWarningFraction {
		w.timeWarned = true
		alerts = append(alerts, Alert{
			Timestamp: now,
			SessionID: sessionID,
			Severity:  SeverityWarning,
			Message: fmt.Sprintf("execution time %dms approaching %dms limit",
				usage.ExecutionTimeMs, p.MaxExecutionTimeMs),
		})
	}

	return alerts
}

func (m *Monitor) publish(ev Event) {
	m.mu.Lock()
	subs := make([]*subscriber, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			// Slow subscriber; drop rather than stall the sampler.
		}
	}
}

func (m *Monitor) triggerTermination(sessionID string, a Alert) {
	m.mu.Lock()
	t := m.terminator
	m.mu.Unlock()
	if t == nil {
		m.logger.Warn("critical alert with no terminator wired",
			zap.String("session_id", sessionID),
			zap.String("message", a.Message))
		return
	}

	m.logger.Warn("critical resource alert, terminating session",
		zap.String("session_id", sessionID),
		zap.String("message", a.Message))
	go t.Terminate(sessionID)
}
