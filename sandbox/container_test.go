package sandbox

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/execbox/policy"
)

type fakeFS struct {
	mu       sync.Mutex
	files    map[string][]byte
	removed  []string
	mkdirErr error
	writeErr error
}

func newFakeFS() *fakeFS {
	return &fakeFS{files: make(map[string][]byte)}
}

func (f *fakeFS) MkdirTemp(_, _ string) (string, error) {
	if f.mkdirErr != nil {
		return "", f.mkdirErr
	}
	return "/tmp/execbox-fake", nil
}

func (f *fakeFS) WriteFile(name string, data []byte, _ os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.files[name] = data
	return nil
}

func (f *fakeFS) ReadFile(name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if data, ok := f.files[name]; ok {
		return data, nil
	}
	return nil, os.ErrNotExist
}

func (f *fakeFS) RemoveAll(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, path)
	return nil
}

type runnerCall struct {
	name string
	args []string
}

type fakeRunner struct {
	mu     sync.Mutex
	calls  []runnerCall
	output []byte
	runErr error
	// shell replaces the container binary invocation in Command.
	shell string
}

func (r *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, runnerCall{name: name, args: args})
	return r.output, r.runErr
}

func (r *fakeRunner) Command(ctx context.Context, name string, args ...string) *exec.Cmd {
	r.mu.Lock()
	r.calls = append(r.calls, runnerCall{name: name, args: args})
	shell := r.shell
	r.mu.Unlock()
	if shell == "" {
		shell = "true"
	}
	return exec.CommandContext(ctx, "sh", "-c", shell)
}

func (r *fakeRunner) calledWith(sub string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if len(c.args) > 0 && c.args[0] == sub {
			return true
		}
	}
	return false
}

func newContainerContext(t *testing.T, runner *fakeRunner, pol *policy.SecurityPolicy) *containerContext {
	t.Helper()
	if pol == nil {
		pol = policy.Default()
	}

	p := NewContainerProvider(zaptest.NewLogger(t), "docker",
		WithContainerCommandRunner(runner),
		WithContainerFileSystem(newFakeFS()))

	ec, err := p.Create(context.Background(), ContextSpec{
		SessionID:  "abc-123",
		SourceFile: "main.py",
		Code:       "print('hi')",
		RunCommand: "python3 main.py",
		Image:      "python:3.11-slim",
		Policy:     pol,
	})
	require.NoError(t, err)
	return ec.(*containerContext)
}

func TestContainerRunArgsHardening(t *testing.T) {
	c := newContainerContext(t, &fakeRunner{}, nil)

	args := strings.Join(c.runArgs(), " ")
	assert.Contains(t, args, "--network none")
	assert.Contains(t, args, "--cap-drop ALL")
	assert.Contains(t, args, "--user nobody")
	assert.Contains(t, args, "--security-opt no-new-privileges:true")
	assert.Contains(t, args, "--memory 256m")
	assert.Contains(t, args, "--memory-swap 256m")
	assert.Contains(t, args, "--pids-limit 64")
	assert.Contains(t, args, "--ulimit cpu=2")
	assert.Contains(t, args, "python:3.11-slim sh -c python3 main.py")
	assert.Contains(t, args, "--name execbox-abc-123")
}

func TestContainerRunArgsNetworkEnabled(t *testing.T) {
	pol := policy.Default()
	pol.AllowNetworkAccess = true
	c := newContainerContext(t, &fakeRunner{}, pol)

	args := strings.Join(c.runArgs(), " ")
	assert.Contains(t, args, "--network bridge")
	assert.NotContains(t, args, "--network none")
}

func TestContainerRunCollectsOutput(t *testing.T) {
	runner := &fakeRunner{shell: "echo from-container"}
	c := newContainerContext(t, runner, nil)

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "from-container\n", res.Stdout)

	_, err = c.Run(context.Background())
	assert.Error(t, err, "run is single-shot")
}

func TestContainerSampleParsesStats(t *testing.T) {
	runner := &fakeRunner{output: []byte("12.5MiB / 256MiB;1.25%\n")}
	c := newContainerContext(t, runner, nil)

	usage, err := c.Sample()
	require.NoError(t, err)
	assert.InDelta(t, 12.5, usage.MemoryMB, 0.01)
	assert.InDelta(t, 1.25, usage.CPUPercent, 0.01)
	assert.True(t, runner.calledWith("stats"))
}

func TestContainerSampleError(t *testing.T) {
	runner := &fakeRunner{runErr: errors.New("no such container")}
	c := newContainerContext(t, runner, nil)

	_, err := c.Sample()
	assert.Error(t, err)
}

func TestContainerTerminateKills(t *testing.T) {
	runner := &fakeRunner{}
	c := newContainerContext(t, runner, nil)

	require.NoError(t, c.Terminate())
	assert.True(t, runner.calledWith("kill"))
}

func TestContainerReleaseRemovesEverything(t *testing.T) {
	runner := &fakeRunner{}
	fs := newFakeFS()
	p := NewContainerProvider(zaptest.NewLogger(t), "podman",
		WithContainerCommandRunner(runner),
		WithContainerFileSystem(fs))

	ec, err := p.Create(context.Background(), ContextSpec{
		SessionID:  "xyz",
		SourceFile: "main.js",
		Code:       "console.log(1)",
		Policy:     policy.Default(),
	})
	require.NoError(t, err)

	require.NoError(t, ec.Release())
	assert.True(t, runner.calledWith("rm"))
	assert.Contains(t, fs.removed, "/tmp/execbox-fake")

	// Idempotent.
	require.NoError(t, ec.Release())
}

func TestParseStats(t *testing.T) {
	usage, err := parseStats("512KiB / 256MiB;0.00%")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, usage.MemoryMB, 0.01)
	assert.Zero(t, usage.CPUPercent)

	_, err = parseStats("garbage")
	assert.Error(t, err)
}

func TestParseMemory(t *testing.T) {
	cases := []struct {
		in   string
		want float64
	}{
		{"1GiB", 1024},
		{"12.5MiB", 12.5},
		{"512KiB", 0.5},
		{"1048576B", 1},
	}
	for _, tc := range cases {
		got, err := parseMemory(tc.in)
		require.NoError(t, err, tc.in)
		assert.InDelta(t, tc.want, got, 0.01, tc.in)
	}

	_, err := parseMemory("12 parsecs")
	assert.Error(t, err)
}
