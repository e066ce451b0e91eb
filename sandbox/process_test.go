package sandbox

import (
	"context"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/execbox/policy"
)

func newProcessContext(t *testing.T, spec ContextSpec) *processContext {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process backend tests need a POSIX shell")
	}
	if spec.Policy == nil {
		spec.Policy = policy.Default()
	}
	if spec.SourceFile == "" {
		spec.SourceFile = "main.py"
	}
	if spec.SessionID == "" {
		spec.SessionID = "test-session"
	}

	p := NewProcessProvider(zaptest.NewLogger(t))
	ec, err := p.Create(context.Background(), spec)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ec.Release() })
	return ec.(*processContext)
}

func TestProcessCreateWritesSource(t *testing.T) {
	c := newProcessContext(t, ContextSpec{Code: "print('hi')\n"})

	data, err := os.ReadFile(c.dir + "/main.py")
	require.NoError(t, err)
	assert.Equal(t, "print('hi')\n", string(data))
}

func TestProcessReleaseRemovesWorkdir(t *testing.T) {
	c := newProcessContext(t, ContextSpec{Code: "x"})
	dir := c.dir

	require.NoError(t, c.Release())
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))

	// Idempotent.
	require.NoError(t, c.Release())
}

func TestProcessRunEcho(t *testing.T) {
	c := newProcessContext(t, ContextSpec{Code: "x", RunCommand: "echo hello"})

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.False(t, res.Truncated)
}

func TestProcessRunExitCode(t *testing.T) {
	c := newProcessContext(t, ContextSpec{Code: "x", RunCommand: "exit 3"})

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
}

func TestProcessRunOnlyOnce(t *testing.T) {
	c := newProcessContext(t, ContextSpec{Code: "x", RunCommand: "true"})

	_, err := c.Run(context.Background())
	require.NoError(t, err)
	_, err = c.Run(context.Background())
	assert.Error(t, err)
}

func TestProcessRunStdin(t *testing.T) {
	c := newProcessContext(t, ContextSpec{Code: "x", RunCommand: "cat", Stdin: "alpha\nbeta\n"})

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alpha\nbeta\n", res.Stdout)
}

func TestProcessRunCancelKills(t *testing.T) {
	c := newProcessContext(t, ContextSpec{Code: "x", RunCommand: "sleep 30"})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.NotEqual(t, 0, res.ExitCode)
}

func TestProcessRunOutputCapped(t *testing.T) {
	pol := policy.Default()
	pol.MaxOutputSize = 100
	c := newProcessContext(t, ContextSpec{
		Code:       "x",
		RunCommand: "i=0; while [ $i -lt 1000 ]; do echo 0123456789; i=$((i+1)); done",
		Policy:     pol,
	})

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.LessOrEqual(t, len(res.Stdout), 100)
}

func TestProcessScriptAppliesCPULimit(t *testing.T) {
	pol := policy.Default()
	pol.MaxCPUTimeMs = 1500
	c := newProcessContext(t, ContextSpec{Code: "x", RunCommand: "python3 main.py", Policy: pol})

	script := c.script()
	assert.Contains(t, script, "ulimit -t 2")
	assert.Contains(t, script, "exec python3 main.py")

	// Sub-second ceilings still get a whole second, never zero.
	pol.MaxCPUTimeMs = 200
	assert.Equal(t, 1, cpuLimitSeconds(pol))
}

func TestProcessRunReadsBindings(t *testing.T) {
	c := newProcessContext(t, ContextSpec{
		Code:       "x",
		RunCommand: `echo '{"x": "42"}' > bindings.json`,
	})

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, map[string]string{"x": "42"}, res.Bindings)
}

func TestProcessRunNoBindingsFile(t *testing.T) {
	c := newProcessContext(t, ContextSpec{Code: "x", RunCommand: "true"})

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Nil(t, res.Bindings)
}

func TestProcessEnvironIsScrubbed(t *testing.T) {
	t.Setenv("SUPER_SECRET_TOKEN", "hunter2")

	c := newProcessContext(t, ContextSpec{
		Code: "x",
		Env:  map[string]string{"PYTHONDONTWRITEBYTECODE": "1"},
	})

	env := c.environ()
	joined := strings.Join(env, "\n")
	assert.NotContains(t, joined, "SUPER_SECRET_TOKEN")
	assert.Contains(t, env, "HOME="+c.dir)
	assert.Contains(t, env, "TMPDIR="+c.dir)
	assert.Contains(t, env, "PYTHONDONTWRITEBYTECODE=1")
}

func TestProcessSampleBeforeRun(t *testing.T) {
	c := newProcessContext(t, ContextSpec{Code: "x"})

	_, err := c.Sample()
	assert.ErrorIs(t, err, errNotRunning)
}

func TestProcessTerminateBeforeRun(t *testing.T) {
	c := newProcessContext(t, ContextSpec{Code: "x"})
	assert.NoError(t, c.Terminate())
}
