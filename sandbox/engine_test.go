package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/engine"
	"github.com/isdmx/execbox/metrics"
	"github.com/isdmx/execbox/monitor"
	"github.com/isdmx/execbox/policy"
	"github.com/isdmx/execbox/validator"
)

// fakeContext is a scriptable ExecContext shared by the package tests.
type fakeContext struct {
	raw              RawResult
	runErr           error
	releaseErr       error
	blockUntilCancel bool
	sample           monitor.ResourceUsage
	sessionID        string

	mu         sync.Mutex
	terminated bool
	released   int
}

func (f *fakeContext) Run(ctx context.Context) (RawResult, error) {
	if f.blockUntilCancel {
		<-ctx.Done()
		return RawResult{ExitCode: -1}, nil
	}
	return f.raw, f.runErr
}

func (f *fakeContext) Sample() (monitor.ResourceUsage, error) {
	return f.sample, nil
}

func (f *fakeContext) Terminate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = true
	return nil
}

func (f *fakeContext) Workdir() string { return "" }

func (f *fakeContext) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	return f.releaseErr
}

func (f *fakeContext) releases() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

func (f *fakeContext) wasTerminated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminated
}

// fakeProvider hands out fakeContexts and records every spec it sees.
type fakeProvider struct {
	mu        sync.Mutex
	createErr error
	next      *fakeContext
	echoID    bool
	specs     []ContextSpec
	contexts  []*fakeContext
}

func (p *fakeProvider) Backend() string { return "fake" }

func (p *fakeProvider) Create(_ context.Context, spec ContextSpec) (ExecContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.specs = append(p.specs, spec)

	fc := p.next
	if fc == nil {
		fc = &fakeContext{}
	}
	if p.echoID {
		fc = &fakeContext{raw: RawResult{Stdout: spec.SessionID}}
	}
	fc.sessionID = spec.SessionID
	p.contexts = append(p.contexts, fc)
	return fc, nil
}

func (p *fakeProvider) created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.specs)
}

type harness struct {
	engine    *ExecutionEngine
	monitor   *monitor.Monitor
	collector *metrics.Collector
	sessions  *SessionRegistry
}

func newHarness(t *testing.T, provider Provider) *harness {
	t.Helper()

	cfg, err := config.New()
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	mon := monitor.New(logger, 5*time.Millisecond)
	collector := metrics.NewCollector()
	sessions := NewSessionRegistry()
	emergency := NewEmergencyController(logger, sessions, mon, collector)
	mon.SetTerminator(emergency)

	reg := engine.NewRegistry(logger, cfg, engine.WithoutHostProbing())
	require.NoError(t, reg.Init(context.Background()))

	eng, err := NewExecutionEngine(logger, cfg, validator.New(), reg, provider, mon, collector, sessions, emergency)
	require.NoError(t, err)

	return &harness{engine: eng, monitor: mon, collector: collector, sessions: sessions}
}

func TestExecuteHelloWorld(t *testing.T) {
	provider := &fakeProvider{next: &fakeContext{raw: RawResult{Stdout: "Hello, World!\n"}}}
	h := newHarness(t, provider)

	res, err := h.engine.Execute(context.Background(), Request{
		Language: engine.LanguagePython,
		Code:     `print("Hello, World!")`,
	})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, "Hello, World!\n", res.Output)
	assert.Empty(t, res.Error)
	require.NotNil(t, res.Report)
	assert.Equal(t, policy.RiskSafe, res.Report.RiskLevel)
	assert.Equal(t, len(res.Output), res.Metrics.OutputSize)
	assert.Equal(t, 1, provider.contexts[0].releases())
}

func TestExecuteRefusesDangerousCode(t *testing.T) {
	provider := &fakeProvider{}
	h := newHarness(t, provider)

	res, err := h.engine.Execute(context.Background(), Request{
		Language: engine.LanguagePython,
		Code:     "import os\nos.system(\"rm -rf /\")\n",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationRejected)

	assert.False(t, res.Success)
	assert.Equal(t, StateFailed, res.State)
	require.NotNil(t, res.Report)
	assert.Equal(t, policy.RiskCritical, res.Report.RiskLevel)
	assert.Contains(t, res.Error, "refused")

	// No sandbox resources were allocated and no session was registered.
	assert.Equal(t, 0, provider.created())
	assert.Equal(t, 0, h.sessions.Len())
}

func TestExecuteTimeout(t *testing.T) {
	provider := &fakeProvider{next: &fakeContext{blockUntilCancel: true}}
	h := newHarness(t, provider)

	limits := policy.Default()
	limits.MaxExecutionTimeMs = 300

	start := time.Now()
	res, err := h.engine.Execute(context.Background(), Request{
		Language: engine.LanguagePython,
		Code:     "while True:\n    pass\n",
		Limits:   limits,
	})
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, StateTerminated, res.State)
	assert.Contains(t, res.Error, "time limit")

	// Killed close to the configured wall clock, not at the 5s default.
	assert.GreaterOrEqual(t, elapsed, 250*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)

	fc := provider.contexts[0]
	assert.True(t, fc.wasTerminated())
	assert.Equal(t, 1, fc.releases())
}

func TestExecuteRuntimeError(t *testing.T) {
	provider := &fakeProvider{next: &fakeContext{raw: RawResult{
		ExitCode: 1,
		Stderr:   "Traceback (most recent call last):\nValueError: boom\n",
	}}}
	h := newHarness(t, provider)

	res, err := h.engine.Execute(context.Background(), Request{
		Language: engine.LanguagePython,
		Code:     `raise ValueError("boom")`,
	})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, StateFailed, res.State)
	assert.Contains(t, res.Error, "ValueError: boom")
}

func TestExecuteTruncatesOutput(t *testing.T) {
	provider := &fakeProvider{next: &fakeContext{raw: RawResult{
		Stdout: strings.Repeat("a", 5000),
	}}}
	h := newHarness(t, provider)

	limits := policy.Default()
	limits.MaxOutputSize = 200

	res, err := h.engine.Execute(context.Background(), Request{
		Language: engine.LanguagePython,
		Code:     `print("a" * 5000)`,
		Limits:   limits,
	})
	require.NoError(t, err)

	assert.True(t, res.Truncated)
	assert.LessOrEqual(t, res.Metrics.OutputSize, 200)
	assert.True(t, strings.HasSuffix(res.Output, truncationMarker))
}

func TestExecuteConcurrentSessions(t *testing.T) {
	provider := &fakeProvider{echoID: true}
	h := newHarness(t, provider)

	const n = 8
	results := make([]Result, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.engine.Execute(context.Background(), Request{
				Language: engine.LanguagePython,
				Code:     fmt.Sprintf(`print(%d)`, i),
			})
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.True(t, results[i].Success)
		// Each session saw exactly its own sandbox.
		assert.Equal(t, results[i].SessionID, results[i].Output)
		assert.False(t, seen[results[i].SessionID])
		seen[results[i].SessionID] = true
	}
	assert.Equal(t, n, h.sessions.Len())
}

func TestExecuteTerminateMidRun(t *testing.T) {
	provider := &fakeProvider{next: &fakeContext{blockUntilCancel: true}}
	h := newHarness(t, provider)

	var mu sync.Mutex
	var sessionID string
	samples := 0
	h.monitor.Subscribe(func(ev monitor.Event) {
		mu.Lock()
		defer mu.Unlock()
		if !ev.End {
			sessionID = ev.SessionID
			samples++
		}
	})

	type done struct {
		res Result
		err error
	}
	doneCh := make(chan done, 1)
	go func() {
		res, err := h.engine.Execute(context.Background(), Request{
			Language: engine.LanguagePython,
			Code:     "while True:\n    pass\n",
		})
		doneCh <- done{res, err}
	}()

	// Wait for the workload to be visibly running.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return sessionID != ""
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	id := sessionID
	mu.Unlock()

	assert.True(t, h.engine.Terminate(id))
	assert.False(t, h.engine.Terminate(id), "second terminate is a no-op")

	out := <-doneCh
	require.NoError(t, out.err)
	assert.Equal(t, StateTerminated, out.res.State)
	assert.False(t, out.res.Success)

	sess := h.engine.Session(id)
	require.NotNil(t, sess)
	assert.Equal(t, StateTerminated, sess.State())

	// Monitoring stopped with the session: no further samples arrive.
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	atStop := samples
	mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, atStop, samples)
}

func TestExecuteSandboxCreationFailure(t *testing.T) {
	provider := &fakeProvider{createErr: errors.New("mkdir /tmp/host-secret-dir: permission denied")}
	h := newHarness(t, provider)

	res, err := h.engine.Execute(context.Background(), Request{
		Language: engine.LanguagePython,
		Code:     `print("hi")`,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSandboxCreation)
	assert.Equal(t, StateFailed, res.State)

	// Provider detail stays in the server log, never in the caller-facing
	// message.
	assert.NotContains(t, res.Error, "host-secret-dir")
	assert.NotContains(t, err.Error(), "host-secret-dir")
}

func TestExecuteRejectsInvalidLimits(t *testing.T) {
	provider := &fakeProvider{}
	h := newHarness(t, provider)

	limits := policy.Default()
	limits.MaxExecutionTimeMs = 0

	res, err := h.engine.Execute(context.Background(), Request{
		Language: engine.LanguagePython,
		Code:     `print("hi")`,
		Limits:   limits,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationRejected)
	assert.Contains(t, res.Error, "invalid limits")
	assert.Equal(t, StateFailed, res.State)

	// Nothing ran and nothing was registered.
	assert.Equal(t, 0, provider.created())
	assert.Equal(t, 0, h.sessions.Len())
}

func TestExecuteBindingsSnapshot(t *testing.T) {
	provider := &fakeProvider{next: &fakeContext{raw: RawResult{
		Stdout:   "done\n",
		Bindings: map[string]string{"x": "42", "name": "'sandbox'"},
	}}}
	h := newHarness(t, provider)

	res, err := h.engine.Execute(context.Background(), Request{
		Language: engine.LanguagePython,
		Code:     "x = 42\nname = 'sandbox'\nprint('done')",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, map[string]string{"x": "42", "name": "'sandbox'"}, res.Bindings)
}

func TestEngineValidatePassthrough(t *testing.T) {
	h := newHarness(t, &fakeProvider{})

	// Nil policy falls back to the engine defaults.
	report, err := h.engine.Validate("import os\nos.system(\"rm -rf /\")\n", engine.LanguagePython, nil)
	require.NoError(t, err)
	assert.Equal(t, policy.RiskCritical, report.RiskLevel)

	_, err = h.engine.Validate("puts 'hi'", "ruby", nil)
	assert.Error(t, err)
}

func TestExecuteReleaseFailureStillSucceeds(t *testing.T) {
	provider := &fakeProvider{next: &fakeContext{
		raw:        RawResult{Stdout: "ok\n"},
		releaseErr: errors.New("device busy"),
	}}
	h := newHarness(t, provider)

	res, err := h.engine.Execute(context.Background(), Request{
		Language: engine.LanguagePython,
		Code:     `print("ok")`,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestExecuteUnsupportedLanguage(t *testing.T) {
	h := newHarness(t, &fakeProvider{})

	_, err := h.engine.Execute(context.Background(), Request{
		Language: "ruby",
		Code:     `puts "hi"`,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationRejected)
}

func TestExecuteEngineNotReady(t *testing.T) {
	provider := &fakeProvider{}
	cfg, err := config.New()
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	mon := monitor.New(logger, 5*time.Millisecond)
	collector := metrics.NewCollector()
	sessions := NewSessionRegistry()
	emergency := NewEmergencyController(logger, sessions, mon, collector)
	mon.SetTerminator(emergency)

	reg := engine.NewRegistry(logger, cfg, engine.WithLookPath(func(string) (string, error) {
		return "", errors.New("not found")
	}))
	require.NoError(t, reg.Init(context.Background()))

	eng, err := NewExecutionEngine(logger, cfg, validator.New(), reg, provider, mon, collector, sessions, emergency)
	require.NoError(t, err)

	_, err = eng.Execute(context.Background(), Request{
		Language: engine.LanguagePython,
		Code:     `print("hi")`,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSandboxCreation)
	assert.Equal(t, 0, provider.created())
}
