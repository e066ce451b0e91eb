package engine

import (
	"fmt"

	"github.com/isdmx/execbox/policy"
)

// LanguageName constants
const (
	LanguagePython     = "python"
	LanguageJavaScript = "javascript"
	LanguageTypeScript = "typescript"
)

// Filename constants
const (
	FilenamePython     = "main.py"
	FilenameJavaScript = "main.js"
	FilenameTypeScript = "main.ts"
)

// BindingsFile is where introspective engines leave a snapshot of the
// program's top-level bindings, relative to the workdir. The sandbox picks
// it up after the run; absence simply means no snapshot.
const BindingsFile = "bindings.json"

// Engine describes how to materialize and run code for one language. The
// sandbox provider supplies the isolation; the engine supplies the recipe.
type Engine interface {
	// Language returns the canonical language name.
	Language() string
	// SourceFile returns the filename the code is written to.
	SourceFile() string
	// RunCommand returns the shell command executed inside the workdir.
	RunCommand() string
	// Image returns the container image for container-backed providers.
	Image() string
	// Wrap injects policy-derived guard code around the user code.
	Wrap(code string, p *policy.SecurityPolicy) string
	// Interpreters lists host binaries required by the process backend.
	Interpreters() []string
}

type pythonEngine struct {
	image string
}

func (*pythonEngine) Language() string       { return LanguagePython }
func (*pythonEngine) SourceFile() string     { return FilenamePython }
func (*pythonEngine) Interpreters() []string { return []string{"python3"} }
func (e *pythonEngine) Image() string        { return e.image }

func (*pythonEngine) RunCommand() string {
	return fmt.Sprintf("python3 %s", FilenamePython)
}

// Wrap installs an in-process alarm and address-space limit derived from the
// policy, as a second layer under the sandbox's own enforcement, and an
// atexit hook that snapshots the program's top-level bindings.
func (*pythonEngine) Wrap(code string, p *policy.SecurityPolicy) string {
	alarmSec := (p.MaxExecutionTimeMs + 999) / 1000
	prefix := fmt.Sprintf(`import signal as _sig, sys as _sys, resource as _res
import atexit as _atexit, json as _json

def _deadline(signum, frame):
    print('Execution timeout!', file=_sys.stderr)
    _sys.exit(1)

def _snapshot():
    try:
        top = {}
        for _k, _v in list(globals().items()):
            if _k.startswith('_') or type(_v).__name__ == 'module':
                continue
            top[_k] = repr(_v)[:200]
        with open(%q, 'w') as _f:
            _json.dump(top, _f)
    except Exception:
        pass

_atexit.register(_snapshot)
_sig.signal(_sig.SIGALRM, _deadline)
_sig.alarm(%d)
_res.setrlimit(_res.RLIMIT_AS, (%d*1024*1024, %d*1024*1024))

`, BindingsFile, alarmSec, p.MaxMemoryMB, p.MaxMemoryMB)
	postfix := `
_sig.alarm(0)
_sys.stdout.flush()
_sys.stderr.flush()
`
	return prefix + code + postfix
}

type nodeEngine struct {
	image string
}

func (*nodeEngine) Language() string       { return LanguageJavaScript }
func (*nodeEngine) SourceFile() string     { return FilenameJavaScript }
func (*nodeEngine) Interpreters() []string { return []string{"node"} }
func (e *nodeEngine) Image() string        { return e.image }

func (*nodeEngine) RunCommand() string {
	return fmt.Sprintf("node %s", FilenameJavaScript)
}

func (*nodeEngine) Wrap(code string, p *policy.SecurityPolicy) string {
	prefix := fmt.Sprintf(`setTimeout(() => {
  console.error('Execution timeout!');
  process.exit(1);
}, %d).unref();

`, p.MaxExecutionTimeMs)
	return prefix + code
}

type typescriptEngine struct {
	image string
}

func (*typescriptEngine) Language() string       { return LanguageTypeScript }
func (*typescriptEngine) SourceFile() string     { return FilenameTypeScript }
func (*typescriptEngine) Interpreters() []string { return []string{"node", "tsc"} }
func (e *typescriptEngine) Image() string        { return e.image }

func (*typescriptEngine) RunCommand() string {
	return fmt.Sprintf("tsc --target es2020 --module commonjs %s && node %s", FilenameTypeScript, FilenameJavaScript)
}

// Wrap is a no-op for TypeScript; the compiler rejects injected prologue
// that references Node globals without type declarations, so enforcement
// relies on the sandbox layer alone.
func (*typescriptEngine) Wrap(code string, _ *policy.SecurityPolicy) string {
	return code
}
