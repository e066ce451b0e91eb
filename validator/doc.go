// Package validator provides static screening of untrusted source code.
//
// The validator package analyzes code before any execution happens. It runs
// a four-stage pipeline (syntax screening, token-stream analysis of
// dangerous constructs, blocked-pattern matching against raw source, and
// static resource estimation) and produces a Report with a weighted risk
// score and categorical risk level that gates admission to the sandbox.
//
// The validator is pure and side-effect-free; it never executes code. It is
// a first line of defense only: runtime containment in the sandbox package
// remains the authoritative enforcement layer.
//
// Usage:
//
//	report, err := validator.New().Validate(code, "python", policy.Default())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !p.Admits(report.RiskLevel) {
//	    // refuse execution
//	}
package validator
