package policy

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// DefaultRules returns the built-in blocked-pattern rule set. These catch
// constructs the token-level analysis cannot see: shell command strings,
// device paths, credential-looking tokens.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "destructive-shell",
			Pattern:  `rm\s+-[rf]+\s|mkfs|dd\s+if=|:\(\)\s*\{\s*:\|:`,
			Severity: RuleCritical,
			Message:  "destructive shell command",
		},
		{
			Name:     "dynamic-eval",
			Pattern:  `\beval\s*\(|\bexec\s*\(|new\s+Function\s*\(`,
			Severity: RuleError,
			Message:  "dynamic code evaluation",
		},
		{
			Name:     "sensitive-path",
			Pattern:  `/etc/(passwd|shadow|sudoers)|/dev/(sd[a-z]|nvme|mem)|~/\.ssh`,
			Severity: RuleError,
			Message:  "sensitive host path",
		},
		{
			Name:     "remote-fetch-pipe",
			Pattern:  `(curl|wget)\s+[^|;]*\|\s*(sh|bash|python)`,
			Severity: RuleCritical,
			Message:  "remote script piped to interpreter",
		},
		{
			Name:     "credential-token",
			Pattern:  `AKIA[0-9A-Z]{16}|-----BEGIN (RSA |EC )?PRIVATE KEY-----|ghp_[0-9A-Za-z]{36}`,
			Severity: RuleError,
			Message:  "credential-looking token",
		},
		{
			Name:     "env-exfiltration",
			Pattern:  `os\.environ|process\.env`,
			Severity: RuleWarning,
			Message:  "environment variable access",
		},
	}
}

// ruleFile is the on-disk shape of a YAML rule set.
type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads a YAML rule set from path and validates every pattern
// compiles. The loaded rules replace the defaults when set on a policy.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path) //nolint:gosec // Rule files are operator-controlled
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	for i := range rf.Rules {
		r := &rf.Rules[i]
		if r.Name == "" {
			return nil, fmt.Errorf("rule %d has no name", i)
		}
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return nil, fmt.Errorf("rule %q has invalid pattern: %w", r.Name, err)
		}
		switch r.Severity {
		case RuleWarning, RuleError, RuleCritical:
		case "":
			r.Severity = RuleError
		default:
			return nil, fmt.Errorf("rule %q has invalid severity: %s", r.Name, r.Severity)
		}
	}

	return rf.Rules, nil
}
