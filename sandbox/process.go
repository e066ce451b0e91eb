package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/isdmx/execbox/monitor"
)

// The process backend runs workloads as host child processes in their own
// process group, confined to a throwaway working directory with a scrubbed
// environment and POSIX resource limits. It needs no container runtime,
// which makes it the development and CI backend; it does not provide
// network isolation, so production deployments should prefer docker or
// podman.

var (
	errNotRunning          = errors.New("workload is not running")
	errSamplingUnsupported = errors.New("process sampling is not supported on this platform")
)

// ProcessOption configures the process provider.
type ProcessOption func(*processProvider)

// WithProcessFileSystem overrides filesystem access, for testing.
func WithProcessFileSystem(fs FileSystem) ProcessOption {
	return func(p *processProvider) {
		p.fs = fs
	}
}

type processProvider struct {
	logger *zap.Logger
	fs     FileSystem
}

// NewProcessProvider creates a Provider that executes workloads as
// resource-limited host processes.
func NewProcessProvider(logger *zap.Logger, opts ...ProcessOption) Provider {
	p := &processProvider{
		logger: logger,
		fs:     &RealFileSystem{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *processProvider) Backend() string { return "process" }

func (p *processProvider) Create(_ context.Context, spec ContextSpec) (ExecContext, error) {
	dir, err := p.fs.MkdirTemp("", "execbox-")
	if err != nil {
		return nil, fmt.Errorf("could not create working directory: %w", err)
	}

	path := dir + "/" + spec.SourceFile
	if err := p.fs.WriteFile(path, []byte(spec.Code), 0o600); err != nil {
		_ = p.fs.RemoveAll(dir)
		return nil, fmt.Errorf("could not write source file: %w", err)
	}

	p.logger.Debug("process sandbox created",
		zap.String("session_id", spec.SessionID),
		zap.String("workdir", dir))

	return &processContext{
		logger: p.logger,
		fs:     p.fs,
		dir:    dir,
		spec:   spec,
	}, nil
}

type processContext struct {
	logger *zap.Logger
	fs     FileSystem
	dir    string
	spec   ContextSpec

	mu       sync.Mutex
	cmd      *exec.Cmd
	ran      bool
	released bool
}

func (c *processContext) Workdir() string { return c.dir }

func (c *processContext) Run(ctx context.Context) (RawResult, error) {
	c.mu.Lock()
	if c.ran {
		c.mu.Unlock()
		return RawResult{}, errors.New("run may only be called once")
	}
	c.ran = true
	c.mu.Unlock()

	limit := c.spec.Policy.MaxOutputSize
	stdout := newCappedBuffer(limit)
	stderr := newCappedBuffer(limit)

	cmd := exec.Command("sh", "-c", c.script())
	cmd.Dir = c.dir
	cmd.Env = c.environ()
	cmd.Stdin = strings.NewReader(c.spec.Stdin)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	configureSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return RawResult{}, fmt.Errorf("could not start workload: %w", err)
	}
	c.mu.Lock()
	c.cmd = cmd
	c.mu.Unlock()

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-waitDone:
	case <-ctx.Done():
		c.kill()
		waitErr = <-waitDone
	}

	res := RawResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.dropped || stderr.dropped,
		Bindings:  readBindings(c.fs, c.dir),
	}
	if ps := cmd.ProcessState; ps != nil {
		res.ExitCode = ps.ExitCode()
		res.CPUTimeMs = (ps.UserTime() + ps.SystemTime()).Milliseconds()
		res.MaxRSSMB = maxRSSMB(ps)
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return res, fmt.Errorf("workload wait failed: %w", waitErr)
	}
	return res, nil
}

// script builds the shell line that applies POSIX limits before handing off
// to the interpreter. Only CPU time uses ulimit: an address-space cap would
// break V8's large virtual reservations, so resident memory is enforced by
// the resource monitor and, for Python, an in-process rlimit.
func (c *processContext) script() string {
	return fmt.Sprintf("ulimit -t %d 2>/dev/null; exec %s",
		cpuLimitSeconds(c.spec.Policy), c.spec.RunCommand)
}

// environ builds the scrubbed workload environment. Nothing from the server
// process environment leaks through; only the allow-listed base plus any
// per-language additions from configuration are visible to the workload.
func (c *processContext) environ() []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + c.dir,
		"TMPDIR=" + c.dir,
		"LANG=C.UTF-8",
	}
	return append(env, sortedEnv(c.spec.Env)...)
}

func (c *processContext) Sample() (monitor.ResourceUsage, error) {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return monitor.ResourceUsage{}, errNotRunning
	}
	return sampleProcess(cmd.Process.Pid)
}

// Terminate kills the whole workload process group so grandchildren spawned
// by the interpreter die with it.
func (c *processContext) Terminate() error {
	c.kill()
	return nil
}

func (c *processContext) kill() {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	killGroup(cmd.Process.Pid)
}

func (c *processContext) Release() error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return nil
	}
	c.released = true
	c.mu.Unlock()

	c.kill()
	if err := c.fs.RemoveAll(c.dir); err != nil {
		return fmt.Errorf("could not remove working directory %s: %w", c.dir, err)
	}
	return nil
}
