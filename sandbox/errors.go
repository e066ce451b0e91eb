package sandbox

import "errors"

// Sentinel errors for the caller-facing failure taxonomy.
var (
	// ErrValidationRejected marks code whose risk level exceeded the policy
	// admission threshold. Execution never starts and is not retried.
	ErrValidationRejected = errors.New("validation rejected")

	// ErrSandboxCreation marks a failure to allocate the isolated execution
	// context. This fails closed: code is never run unsandboxed.
	ErrSandboxCreation = errors.New("sandbox creation failed")

	// ErrInternalExecution marks an unexpected engine failure. The caller
	// receives a sanitized generic message; detail is logged server-side.
	ErrInternalExecution = errors.New("internal execution error")
)
