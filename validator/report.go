package validator

import "github.com/isdmx/execbox/policy"

// Stage names identify which pipeline stage produced a finding.
const (
	StageSyntax   = "syntax"
	StageAnalysis = "analysis"
	StagePattern  = "pattern"
	StageEstimate = "estimate"
)

// Severity classifies a finding.
type Severity string

// Finding severities.
const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Finding is a single issue detected during validation.
type Finding struct {
	Stage    string   `json:"stage"`
	Severity Severity `json:"severity"`
	Rule     string   `json:"rule"`
	Message  string   `json:"message"`
}

// Report is the result of validating one piece of code. It is produced once
// per request, before any execution, and never mutated afterward.
type Report struct {
	Errors    []Finding        `json:"errors"`
	Warnings  []Finding        `json:"warnings"`
	RiskScore int              `json:"risk_score"`
	RiskLevel policy.RiskLevel `json:"risk_level"`
}

// HasErrors reports whether any error-severity findings were recorded.
func (r *Report) HasErrors() bool {
	return len(r.Errors) > 0
}
