package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"

	"github.com/isdmx/execbox/engine"
	"github.com/isdmx/execbox/monitor"
	"github.com/isdmx/execbox/policy"
)

// ContextSpec describes the isolated environment a Provider must allocate
// for one session.
type ContextSpec struct {
	SessionID  string
	SourceFile string
	Code       string
	RunCommand string
	Image      string
	Stdin      string
	Env        map[string]string
	Policy     *policy.SecurityPolicy
}

// RawResult carries the unprocessed outcome of a sandboxed run. Output has
// already been capped at the policy limit but not yet sanitized.
type RawResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	CPUTimeMs int64
	MaxRSSMB  float64
	Truncated bool

	// Bindings is the top-level bindings snapshot left by introspective
	// language engines, nil when the workload produced none.
	Bindings map[string]string
}

// ExecContext is a single allocated sandbox. Run may be called at most once.
// Terminate and Release are safe to call at any time, from any goroutine.
type ExecContext interface {
	monitor.Sampler

	// Run executes the configured command to completion or until ctx is
	// cancelled. Cancellation force-kills the workload.
	Run(ctx context.Context) (RawResult, error)

	// Terminate force-kills the workload without waiting for Run to return.
	Terminate() error

	// Workdir returns the path the workload sees its files under, used to
	// scrub output. May be empty when the backend has no stable path.
	Workdir() string

	// Release frees every resource held by the context. Idempotent.
	Release() error
}

// Provider allocates execution contexts for a particular isolation backend.
type Provider interface {
	// Backend returns the backend name (process, docker, podman).
	Backend() string

	// Create allocates an isolated context for the given spec. On error no
	// resources remain allocated.
	Create(ctx context.Context, spec ContextSpec) (ExecContext, error)
}

// CommandRunner abstracts command execution for testing.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
	Command(ctx context.Context, name string, args ...string) *exec.Cmd
}

// RealCommandRunner implements CommandRunner using os/exec.
type RealCommandRunner struct{}

func (r *RealCommandRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func (r *RealCommandRunner) Command(ctx context.Context, name string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, name, args...)
}

// FileSystem abstracts filesystem operations for testing.
type FileSystem interface {
	MkdirTemp(dir, pattern string) (string, error)
	WriteFile(name string, data []byte, perm os.FileMode) error
	ReadFile(name string) ([]byte, error)
	RemoveAll(path string) error
}

// RealFileSystem implements FileSystem using the os package.
type RealFileSystem struct{}

func (f *RealFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

func (f *RealFileSystem) WriteFile(name string, data []byte, perm os.FileMode) error {
	return os.WriteFile(name, data, perm)
}

func (f *RealFileSystem) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(name)
}

func (f *RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// readBindings loads the bindings snapshot a workload left in its workdir.
// Best effort: absence or malformed content yields nil.
func readBindings(fs FileSystem, dir string) map[string]string {
	data, err := fs.ReadFile(dir + "/" + engine.BindingsFile)
	if err != nil {
		return nil
	}
	var out map[string]string
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// cappedBuffer collects stream output up to a byte limit and discards the
// rest, so a flooding workload cannot exhaust server memory.
type cappedBuffer struct {
	buf     bytes.Buffer
	limit   int
	dropped bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	if limit <= 0 {
		limit = 64 * 1024
	}
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.dropped = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.dropped = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string { return b.buf.String() }
