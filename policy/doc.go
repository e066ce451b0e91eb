// Package policy defines the security policy that governs a single execution.
//
// A SecurityPolicy bundles the resource ceilings, capability flags and
// blocked-pattern rules that the validator and the execution engine enforce.
// Policies are created once per request (or defaulted) and are never mutated
// for the lifetime of the session they govern.
//
// Usage:
//
//	p := policy.Default()
//	p.MaxExecutionTimeMs = 1000
//	report, err := validator.New().Validate(code, "python", p)
package policy
