package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/engine"
	"github.com/isdmx/execbox/metrics"
	"github.com/isdmx/execbox/monitor"
	"github.com/isdmx/execbox/policy"
	"github.com/isdmx/execbox/validator"
)

// Request describes one execution submission.
type Request struct {
	Language string
	Code     string
	// Inputs are fed to the workload's stdin, one line each.
	Inputs []string
	// Limits overrides the configured security policy for this run. Nil
	// uses the server defaults.
	Limits *policy.SecurityPolicy
}

// Metrics summarizes measured resource consumption for one execution.
// Values come from the workload's rusage and monitor samples, never from
// estimates.
type Metrics struct {
	ExecutionTimeMs int64   `json:"execution_time_ms"`
	MemoryUsedMB    float64 `json:"memory_used_mb"`
	CPUTimeMs       int64   `json:"cpu_time_ms"`
	OutputSize      int     `json:"output_size"`
}

// Result is the caller-facing outcome of an execution.
type Result struct {
	SessionID string
	State     State
	Success   bool
	Output    string
	Error     string
	Truncated bool
	// Bindings holds the program's top-level bindings after a normal
	// return, for languages whose engine snapshots them.
	Bindings map[string]string
	Report   *validator.Report
	Metrics  Metrics
}

// ExecutionEngine orchestrates the full execution pipeline: validation,
// sandbox allocation, monitored execution, and cleanup. It is safe for
// concurrent use; every call runs in its own session.
type ExecutionEngine struct {
	logger    *zap.Logger
	cfg       *config.Config
	defaults  *policy.SecurityPolicy
	validator *validator.Validator
	registry  *engine.Registry
	provider  Provider
	mon       *monitor.Monitor
	metrics   *metrics.Collector
	sessions  *SessionRegistry
	emergency *EmergencyController
}

// NewExecutionEngine creates the engine. The emergency controller shares
// the returned engine's session registry, so build both from the same
// registry instance.
func NewExecutionEngine(
	logger *zap.Logger,
	cfg *config.Config,
	v *validator.Validator,
	registry *engine.Registry,
	provider Provider,
	mon *monitor.Monitor,
	collector *metrics.Collector,
	sessions *SessionRegistry,
	emergency *EmergencyController,
) (*ExecutionEngine, error) {
	defaults, err := cfg.SecurityPolicy()
	if err != nil {
		return nil, fmt.Errorf("could not build security policy: %w", err)
	}
	return &ExecutionEngine{
		logger:    logger,
		cfg:       cfg,
		defaults:  defaults,
		validator: v,
		registry:  registry,
		provider:  provider,
		mon:       mon,
		metrics:   collector,
		sessions:  sessions,
		emergency: emergency,
	}, nil
}

// Session returns the session with the given ID, or nil. Finished sessions
// stay queryable.
func (e *ExecutionEngine) Session(id string) *Session {
	return e.sessions.Get(id)
}

// Validate runs static validation without executing anything. A nil policy
// uses the server defaults, matching Execute.
func (e *ExecutionEngine) Validate(code, language string, p *policy.SecurityPolicy) (*validator.Report, error) {
	if p == nil {
		p = e.defaults
	}
	return e.validator.Validate(code, language, p)
}

// Terminate force-terminates a session by ID. It returns false when the
// session is unknown or already finished.
func (e *ExecutionEngine) Terminate(sessionID string) bool {
	sess := e.sessions.Get(sessionID)
	if sess == nil {
		return false
	}
	return e.emergency.terminate(sess, "requested")
}

// Execute runs one submission end to end. The returned Result always
// carries the validation report when validation ran; err is non-nil for
// rejections and infrastructure failures, classified by the package
// sentinel errors.
func (e *ExecutionEngine) Execute(ctx context.Context, req Request) (Result, error) {
	pol := req.Limits
	if pol == nil {
		pol = e.defaults
	}

	sess := NewSession()
	res := Result{SessionID: sess.ID}

	// Caller-supplied limits must be usable ceilings; a zero timeout or
	// output cap would silently disable enforcement further down.
	if req.Limits != nil {
		if err := req.Limits.Validate(); err != nil {
			sess.terminalize(StateFailed)
			res.State = sess.State()
			res.Error = fmt.Sprintf("invalid limits: %v", err)
			return res, fmt.Errorf("%w: invalid limits: %v", ErrValidationRejected, err)
		}
	}

	// Stage 1: static validation. No sandbox resources exist yet and none
	// are allocated unless the policy admits the code.
	sess.transition(StateCreated, StateValidating)
	report, err := e.validator.Validate(req.Code, req.Language, pol)
	if err != nil {
		sess.terminalize(StateFailed)
		res.State = sess.State()
		res.Error = err.Error()
		return res, fmt.Errorf("%w: %v", ErrValidationRejected, err)
	}
	res.Report = report
	e.metrics.ValidationsTotal.WithLabelValues(report.RiskLevel.String()).Inc()

	if !pol.Admits(report.RiskLevel) {
		sess.terminalize(StateFailed)
		res.State = sess.State()
		res.Error = fmt.Sprintf("execution refused: risk level %s is at or above the policy threshold %s",
			report.RiskLevel, pol.AdmissionThreshold)
		e.metrics.ExecutionsTotal.WithLabelValues(req.Language, "rejected").Inc()
		e.logger.Info("execution refused by validation",
			zap.String("session_id", sess.ID),
			zap.String("language", req.Language),
			zap.String("risk_level", report.RiskLevel.String()),
			zap.Int("risk_score", report.RiskScore))
		return res, fmt.Errorf("%w: risk level %s", ErrValidationRejected, report.RiskLevel)
	}

	// Admitted: the session becomes visible to termination and queries.
	e.sessions.Add(sess)
	e.metrics.ActiveSessions.Inc()
	defer e.metrics.ActiveSessions.Dec()

	eng, err := e.registry.Get(req.Language)
	if err != nil {
		return e.fail(sess, res, req.Language, "unsupported", err)
	}
	if !e.registry.Ready(req.Language) {
		return e.fail(sess, res, req.Language, "engine_unready",
			fmt.Errorf("%w: %s engine is not ready on this host", ErrSandboxCreation, req.Language))
	}

	execCtx, err := e.provider.Create(ctx, ContextSpec{
		SessionID:  sess.ID,
		SourceFile: eng.SourceFile(),
		Code:       eng.Wrap(req.Code, pol),
		RunCommand: eng.RunCommand(),
		Image:      eng.Image(),
		Stdin:      joinInputs(req.Inputs),
		Env:        e.cfg.LanguageEnvironment(req.Language),
		Policy:     pol,
	})
	if err != nil {
		// Fail closed: the code is never run outside a sandbox. Provider
		// detail can carry host paths, so the caller gets a generic message
		// and the detail stays in the server log.
		e.logger.Error("sandbox allocation failed",
			zap.String("session_id", sess.ID),
			zap.String("language", req.Language),
			zap.Error(err))
		return e.fail(sess, res, req.Language, "creation_failed",
			fmt.Errorf("%w: could not allocate a sandbox", ErrSandboxCreation))
	}
	sess.setExecContext(execCtx)

	if !sess.transition(StateValidating, StateReady) {
		// Terminated while the sandbox was being allocated.
		sess.release(e.logger)
		return e.finishTerminated(sess, res, req.Language)
	}

	return e.run(ctx, sess, res, req.Language, pol, execCtx)
}

// run drives the Running phase: it starts monitoring, executes the
// workload under the policy wall-clock limit, and classifies the outcome.
func (e *ExecutionEngine) run(ctx context.Context, sess *Session, res Result, language string, pol *policy.SecurityPolicy, execCtx ExecContext) (Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, pol.ExecutionTimeout())
	defer cancel()
	sess.setRunCancel(cancel)

	if !sess.transition(StateReady, StateRunning) {
		return e.finishTerminated(sess, res, language)
	}

	runStart := time.Now()
	e.mon.StartMonitoring(sess.ID, runStart, execCtx, pol)

	type outcome struct {
		raw RawResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		raw, err := execCtx.Run(runCtx)
		done <- outcome{raw: raw, err: err}
	}()

	var out outcome
	timedOut := false
	select {
	case out = <-done:
	case <-runCtx.Done():
		timedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded)
		reason := "timeout"
		if !timedOut {
			reason = "cancelled"
		}
		e.emergency.terminate(sess, reason)
		// Run returns once the workload is killed; allow a short grace
		// period in case the backend is wedged.
		select {
		case out = <-done:
		case <-time.After(2 * time.Second):
			out = outcome{err: runCtx.Err()}
		}
	}

	elapsed := time.Since(runStart)
	e.mon.StopMonitoring(sess.ID)

	res.Metrics = Metrics{
		ExecutionTimeMs: elapsed.Milliseconds(),
		MemoryUsedMB:    out.raw.MaxRSSMB,
		CPUTimeMs:       out.raw.CPUTimeMs,
	}
	res.Output, res.Truncated = e.renderOutput(out.raw, execCtx.Workdir(), pol)
	res.Metrics.OutputSize = len(res.Output)
	res.Bindings = out.raw.Bindings

	switch {
	case sess.State() == StateTerminated:
		if timedOut {
			res.Error = fmt.Sprintf("execution exceeded the %dms time limit", pol.MaxExecutionTimeMs)
		} else if res.Error == "" {
			res.Error = "session terminated"
		}
		return e.finishTerminated(sess, res, language)

	case out.err != nil && errors.Is(out.err, context.DeadlineExceeded):
		// The workload hit the deadline inside Run before the select saw
		// the timer. Same outcome as the timeout branch above.
		e.emergency.terminate(sess, "timeout")
		res.Error = fmt.Sprintf("execution exceeded the %dms time limit", pol.MaxExecutionTimeMs)
		return e.finishTerminated(sess, res, language)

	case out.err != nil:
		// Infrastructure failure. Detail goes to the server log; the
		// caller sees a generic message so internals never leak.
		e.logger.Error("workload execution failed",
			zap.String("session_id", sess.ID),
			zap.String("language", language),
			zap.Error(out.err))
		sess.terminalize(StateFailed)
		sess.release(e.logger)
		res.State = sess.State()
		res.Error = "internal execution error"
		e.record(language, "error", elapsed)
		return res, ErrInternalExecution

	case out.raw.ExitCode == 0:
		sess.transition(StateRunning, StateCompleted)
		sess.release(e.logger)
		if sess.State() == StateTerminated {
			// A concurrent terminate won the race at the finish line.
			return e.finishTerminated(sess, res, language)
		}
		res.State = sess.State()
		res.Success = true
		e.record(language, "completed", elapsed)
		e.logger.Info("execution completed",
			zap.String("session_id", sess.ID),
			zap.String("language", language),
			zap.Int64("execution_time_ms", res.Metrics.ExecutionTimeMs))
		return res, nil

	default:
		sess.transition(StateRunning, StateFailed)
		sess.release(e.logger)
		res.State = sess.State()
		res.Error = renderRuntimeError(out.raw, execCtx.Workdir())
		e.record(language, "failed", elapsed)
		return res, nil
	}
}

// fail finalizes a session that never reached Running.
func (e *ExecutionEngine) fail(sess *Session, res Result, language, status string, err error) (Result, error) {
	sess.terminalize(StateFailed)
	sess.release(e.logger)
	res.State = sess.State()
	res.Error = err.Error()
	e.metrics.ExecutionsTotal.WithLabelValues(language, status).Inc()
	return res, err
}

// finishTerminated finalizes a session the emergency controller killed.
func (e *ExecutionEngine) finishTerminated(sess *Session, res Result, language string) (Result, error) {
	sess.release(e.logger)
	res.State = sess.State()
	res.Success = false
	if res.Error == "" {
		res.Error = "session terminated"
	}
	e.metrics.ExecutionsTotal.WithLabelValues(language, "terminated").Inc()
	return res, nil
}

// renderOutput sanitizes and caps the workload's stdout.
func (e *ExecutionEngine) renderOutput(raw RawResult, workdir string, pol *policy.SecurityPolicy) (string, bool) {
	out := sanitizeOutput(raw.Stdout, workdir)
	out, truncated := truncateOutput(out, pol.MaxOutputSize)
	return out, truncated || raw.Truncated
}

// renderRuntimeError turns workload stderr into a sanitized caller-facing
// error message.
func renderRuntimeError(raw RawResult, workdir string) string {
	msg := strings.TrimSpace(sanitizeOutput(raw.Stderr, workdir))
	if msg == "" {
		return fmt.Sprintf("execution failed with exit code %d", raw.ExitCode)
	}
	return msg
}

// record updates execution counters and duration for one finished run.
func (e *ExecutionEngine) record(language, status string, elapsed time.Duration) {
	e.metrics.ExecutionsTotal.WithLabelValues(language, status).Inc()
	e.metrics.ExecutionDuration.WithLabelValues(language).Observe(elapsed.Seconds())
}

func joinInputs(inputs []string) string {
	if len(inputs) == 0 {
		return ""
	}
	return strings.Join(inputs, "\n") + "\n"
}
