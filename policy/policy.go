package policy

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"
)

// RiskLevel is the categorical bucket derived from the weighted risk score.
type RiskLevel int

// Risk levels, ordered from least to most dangerous.
const (
	RiskSafe RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

// String returns the lowercase name of the risk level.
func (r RiskLevel) String() string {
	switch r {
	case RiskSafe:
		return "safe"
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// MarshalJSON encodes the level as its lowercase name.
func (r RiskLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON decodes a lowercase level name.
func (r *RiskLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	level, err := ParseRiskLevel(s)
	if err != nil {
		return err
	}
	*r = level
	return nil
}

// ParseRiskLevel converts a level name to a RiskLevel.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch s {
	case "safe":
		return RiskSafe, nil
	case "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	case "critical":
		return RiskCritical, nil
	default:
		return RiskSafe, fmt.Errorf("invalid risk level: %s, must be one of 'safe', 'low', 'medium', 'high', 'critical'", s)
	}
}

// LevelForScore maps a 0-100 risk score to its band.
func LevelForScore(score int) RiskLevel {
	switch {
	case score <= 20:
		return RiskSafe
	case score <= 40:
		return RiskLow
	case score <= 60:
		return RiskMedium
	case score <= 80:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// RuleSeverity classifies a blocked-pattern match.
type RuleSeverity string

// Rule severities. A critical match forces the overall risk level to
// critical regardless of the weighted score.
const (
	RuleWarning  RuleSeverity = "warning"
	RuleError    RuleSeverity = "error"
	RuleCritical RuleSeverity = "critical"
)

// Rule is a single blocked-pattern rule applied against raw source text.
type Rule struct {
	Name     string       `yaml:"name"`
	Pattern  string       `yaml:"pattern"`
	Severity RuleSeverity `yaml:"severity"`
	Message  string       `yaml:"message"`
}

// CompiledRule pairs a blocked-pattern rule with its compiled regex.
type CompiledRule struct {
	Rule
	Regexp *regexp.Regexp
}

// SecurityPolicy is the immutable per-request security configuration.
type SecurityPolicy struct {
	MaxExecutionTimeMs int
	MaxMemoryMB        int
	MaxCPUTimeMs       int
	MaxOutputSize      int

	// AllowedTools lists module/tool names exempted from import findings.
	AllowedTools []string

	// BlockedPatterns are matched in order against the raw source.
	BlockedPatterns []Rule

	AllowNetworkAccess bool
	AllowFileSystem    bool

	// AdmissionThreshold is the lowest risk level that is rejected.
	AdmissionThreshold RiskLevel

	compileOnce sync.Once
	compiled    []CompiledRule
	compileErr  error
}

// Default returns a policy with safe defaults: short timeout, modest memory,
// no network, no filesystem writes, rejection at high or critical risk.
func Default() *SecurityPolicy {
	return &SecurityPolicy{
		MaxExecutionTimeMs: 5000,
		MaxMemoryMB:        256,
		MaxCPUTimeMs:       2000,
		MaxOutputSize:      64 * 1024,
		AllowedTools:       nil,
		BlockedPatterns:    DefaultRules(),
		AllowNetworkAccess: false,
		AllowFileSystem:    false,
		AdmissionThreshold: RiskHigh,
	}
}

// ExecutionTimeout returns the wall-clock ceiling as a duration.
func (p *SecurityPolicy) ExecutionTimeout() time.Duration {
	return time.Duration(p.MaxExecutionTimeMs) * time.Millisecond
}

// CPUTimeout returns the CPU-time ceiling as a duration.
func (p *SecurityPolicy) CPUTimeout() time.Duration {
	return time.Duration(p.MaxCPUTimeMs) * time.Millisecond
}

// ToolAllowed reports whether the named module/tool is on the allowlist.
func (p *SecurityPolicy) ToolAllowed(name string) bool {
	for _, t := range p.AllowedTools {
		if t == name {
			return true
		}
	}
	return false
}

// Admits reports whether code at the given risk level may be executed.
func (p *SecurityPolicy) Admits(level RiskLevel) bool {
	return level < p.AdmissionThreshold
}

// CompiledPatterns compiles BlockedPatterns exactly once and caches the
// result for every subsequent validation under this policy. An invalid
// pattern is a policy error, not a rule to skip: matching must never fail
// open because a rule was unusable.
func (p *SecurityPolicy) CompiledPatterns() ([]CompiledRule, error) {
	p.compileOnce.Do(func() {
		compiled := make([]CompiledRule, 0, len(p.BlockedPatterns))
		for _, r := range p.BlockedPatterns {
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				p.compileErr = fmt.Errorf("rule %q has invalid pattern: %w", r.Name, err)
				return
			}
			compiled = append(compiled, CompiledRule{Rule: r, Regexp: re})
		}
		p.compiled = compiled
	})
	return p.compiled, p.compileErr
}

// Validate ensures the policy ceilings are usable.
func (p *SecurityPolicy) Validate() error {
	if p.MaxExecutionTimeMs <= 0 {
		return fmt.Errorf("max_execution_time_ms must be positive, got: %d", p.MaxExecutionTimeMs)
	}
	if p.MaxMemoryMB <= 0 {
		return fmt.Errorf("max_memory_mb must be positive, got: %d", p.MaxMemoryMB)
	}
	if p.MaxCPUTimeMs <= 0 {
		return fmt.Errorf("max_cpu_time_ms must be positive, got: %d", p.MaxCPUTimeMs)
	}
	if p.MaxOutputSize <= 0 {
		return fmt.Errorf("max_output_size must be positive, got: %d", p.MaxOutputSize)
	}
	if p.AdmissionThreshold < RiskLow || p.AdmissionThreshold > RiskCritical {
		return fmt.Errorf("admission_threshold must be between 'low' and 'critical', got: %s", p.AdmissionThreshold)
	}
	if _, err := p.CompiledPatterns(); err != nil {
		return err
	}
	return nil
}
