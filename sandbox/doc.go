// Package sandbox provides secure code execution capabilities.
//
// The sandbox package implements the execution engine for running untrusted
// code in isolated environments. Execution is orchestrated per session:
// code is statically validated, an isolated execution context is allocated
// from a Provider backend (process, Docker, or Podman), the matching
// language engine runs under resource ceilings while the resource monitor
// samples consumption, and the result is sanitized before it is returned.
// Sessions follow a strict state machine and their resources are released
// exactly once regardless of outcome.
//
// Usage:
//
//	provider, err := sandbox.NewProvider(logger, cfg)
//	eng := sandbox.NewExecutionEngine(logger, cfg, v, registry, provider, mon, collector)
//	result, err := eng.Execute(ctx, sandbox.Request{
//	    Language: "python",
//	    Code:     "print('Hello, World!')",
//	})
package sandbox
