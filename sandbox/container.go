package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/execbox/monitor"
	"github.com/isdmx/execbox/policy"
)

// containerWorkdir is the mount point the workload sees its files under.
const containerWorkdir = "/sandbox"

// opTimeout bounds the container runtime control operations (stats, kill).
const opTimeout = 5 * time.Second

// ContainerOption configures the container provider.
type ContainerOption func(*containerProvider)

// WithContainerCommandRunner overrides command execution, for testing.
func WithContainerCommandRunner(runner CommandRunner) ContainerOption {
	return func(p *containerProvider) {
		p.runner = runner
	}
}

// WithContainerFileSystem overrides filesystem access, for testing.
func WithContainerFileSystem(fs FileSystem) ContainerOption {
	return func(p *containerProvider) {
		p.fs = fs
	}
}

// containerProvider runs workloads in hardened containers. The same
// implementation serves Docker and Podman; only the binary differs, since
// Podman mirrors the Docker CLI.
type containerProvider struct {
	logger *zap.Logger
	binary string
	runner CommandRunner
	fs     FileSystem
}

// NewContainerProvider creates a Provider backed by the given container
// runtime binary, docker or podman.
func NewContainerProvider(logger *zap.Logger, binary string, opts ...ContainerOption) Provider {
	p := &containerProvider{
		logger: logger,
		binary: binary,
		runner: &RealCommandRunner{},
		fs:     &RealFileSystem{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *containerProvider) Backend() string { return p.binary }

func (p *containerProvider) Create(_ context.Context, spec ContextSpec) (ExecContext, error) {
	dir, err := p.fs.MkdirTemp("", "execbox-")
	if err != nil {
		return nil, fmt.Errorf("could not create working directory: %w", err)
	}

	path := dir + "/" + spec.SourceFile
	if err := p.fs.WriteFile(path, []byte(spec.Code), 0o644); err != nil {
		_ = p.fs.RemoveAll(dir)
		return nil, fmt.Errorf("could not write source file: %w", err)
	}

	name := fmt.Sprintf("execbox-%s", spec.SessionID)
	p.logger.Debug("container sandbox created",
		zap.String("session_id", spec.SessionID),
		zap.String("container", name),
		zap.String("image", spec.Image))

	return &containerContext{
		logger: p.logger,
		binary: p.binary,
		runner: p.runner,
		fs:     p.fs,
		dir:    dir,
		name:   name,
		spec:   spec,
	}, nil
}

type containerContext struct {
	logger *zap.Logger
	binary string
	runner CommandRunner
	fs     FileSystem
	dir    string
	name   string
	spec   ContextSpec

	mu       sync.Mutex
	ran      bool
	released bool
}

func (c *containerContext) Workdir() string { return containerWorkdir }

// runArgs builds the hardened container invocation: no network, all
// capabilities dropped, a non-privileged user, memory and CPU-time
// ceilings, and only the working directory writable.
func (c *containerContext) runArgs() []string {
	pol := c.spec.Policy

	args := []string{
		"run",
		"--name", c.name,
		"--rm",
		"-i",
		"-v", c.dir + ":" + containerWorkdir,
		"--workdir", containerWorkdir,
		"--memory", fmt.Sprintf("%dm", pol.MaxMemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", pol.MaxMemoryMB),
		"--pids-limit", "64",
		"--ulimit", fmt.Sprintf("cpu=%d", cpuLimitSeconds(pol)),
		"--security-opt", "no-new-privileges:true",
		"--user", "nobody",
		"--cap-drop", "ALL",
	}
	if pol.AllowNetworkAccess {
		args = append(args, "--network", "bridge")
	} else {
		args = append(args, "--network", "none")
	}
	for _, kv := range sortedEnv(c.spec.Env) {
		args = append(args, "-e", kv)
	}
	return append(args, c.spec.Image, "sh", "-c", c.spec.RunCommand)
}

func (c *containerContext) Run(ctx context.Context) (RawResult, error) {
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

	cmd := c.runner.Command(ctx, c.binary, c.runArgs()...)
	cmd.Stdin = strings.NewReader(c.spec.Stdin)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()

	res := RawResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.dropped || stderr.dropped,
		// The workdir is bind-mounted, so the snapshot lands on the host.
		Bindings: readBindings(c.fs, c.dir),
	}
	if ps := cmd.ProcessState; ps != nil {
		res.ExitCode = ps.ExitCode()
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return res, fmt.Errorf("container run failed: %w", err)
	}
	return res, nil
}

// Sample queries the container runtime for live usage via stats.
func (c *containerContext) Sample() (monitor.ResourceUsage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	out, err := c.runner.Run(ctx, c.binary, "stats", "--no-stream",
		"--format", "{{.MemUsage}};{{.CPUPerc}}", c.name)
	if err != nil {
		return monitor.ResourceUsage{}, fmt.Errorf("container stats failed: %w", err)
	}
	return parseStats(strings.TrimSpace(string(out)))
}

func (c *containerContext) Terminate() error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if out, err := c.runner.Run(ctx, c.binary, "kill", c.name); err != nil {
		// The container may have exited on its own already.
		c.logger.Debug("container kill returned an error",
			zap.String("container", c.name),
			zap.ByteString("output", out),
			zap.Error(err))
	}
	return nil
}

func (c *containerContext) Release() error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return nil
	}
	c.released = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	// The container is started with --rm; force-remove covers kill races.
	_, _ = c.runner.Run(ctx, c.binary, "rm", "-f", c.name)

	if err := c.fs.RemoveAll(c.dir); err != nil {
		return fmt.Errorf("could not remove working directory %s: %w", c.dir, err)
	}
	return nil
}

// parseStats parses "12.5MiB / 256MiB;1.25%" into a usage snapshot.
func parseStats(line string) (monitor.ResourceUsage, error) {
	parts := strings.Split(line, ";")
	if len(parts) != 2 {
		return monitor.ResourceUsage{}, fmt.Errorf("unexpected stats format: %q", line)
	}

	memField := strings.TrimSpace(strings.Split(parts[0], "/")[0])
	mem, err := parseMemory(memField)
	if err != nil {
		return monitor.ResourceUsage{}, err
	}

	cpuField := strings.TrimSuffix(strings.TrimSpace(parts[1]), "%")
	cpu, err := strconv.ParseFloat(cpuField, 64)
	if err != nil {
		return monitor.ResourceUsage{}, fmt.Errorf("unexpected CPU field: %q", parts[1])
	}

	return monitor.ResourceUsage{MemoryMB: mem, CPUPercent: cpu}, nil
}

// parseMemory converts a stats memory field such as "12.5MiB" to megabytes.
func parseMemory(field string) (float64, error) {
	units := []struct {
		suffix string
		factor float64
	}{
		{"GiB", 1024},
		{"MiB", 1},
		{"KiB", 1.0 / 1024},
		{"GB", 1000 * 1000 * 1000 / (1024.0 * 1024.0)},
		{"MB", 1000 * 1000 / (1024.0 * 1024.0)},
		{"kB", 1000 / (1024.0 * 1024.0)},
		{"B", 1.0 / (1024.0 * 1024.0)},
	}
	for _, u := range units {
		if strings.HasSuffix(field, u.suffix) {
			v, err := strconv.ParseFloat(strings.TrimSuffix(field, u.suffix), 64)
			if err != nil {
				break
			}
			return v * u.factor, nil
		}
	}
	return 0, fmt.Errorf("unexpected memory field: %q", field)
}

// cpuLimitSeconds converts the policy CPU ceiling to the whole seconds
// ulimit understands, rounding up so a sub-second ceiling still gets one.
func cpuLimitSeconds(p *policy.SecurityPolicy) int {
	sec := int((p.CPUTimeout() + time.Second - 1) / time.Second)
	if sec < 1 {
		sec = 1
	}
	return sec
}

func sortedEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
