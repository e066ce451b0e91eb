package validator

import (
	"fmt"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/lexers"

	"github.com/isdmx/execbox/policy"
)

// Validator screens untrusted code before execution. It holds no state and
// is safe for concurrent use.
type Validator struct{}

// New creates a Validator.
func New() *Validator {
	return &Validator{}
}

// chromaLexerNames maps supported languages to chroma lexer names.
var chromaLexerNames = map[string]string{
	"python":     "Python",
	"javascript": "JavaScript",
	"typescript": "TypeScript",
}

// Validate runs the full screening pipeline against code. It returns an
// error only for unsupported languages and unusable policies; dangerous
// code is reported through the Report, never through the error return.
func (v *Validator) Validate(code, language string, p *policy.SecurityPolicy) (*Report, error) {
	lexerName, ok := chromaLexerNames[language]
	if !ok {
		return nil, fmt.Errorf("unsupported language: %s, must be one of: python, javascript, typescript", language)
	}
	if p == nil {
		p = policy.Default()
	}
	rules, err := p.CompiledPatterns()
	if err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}

	report := &Report{}
	floor := policy.RiskSafe

	// Stage 1: syntax screen. Parse failure short-circuits the pipeline;
	// unparseable code cannot be analyzed further and is treated as critical.
	tokens, parseErr := tokenize(lexerName, code)
	if parseErr != nil {
		report.Errors = append(report.Errors, Finding{
			Stage:    StageSyntax,
			Severity: SeverityError,
			Rule:     "parse-failure",
			Message:  parseErr.Error(),
		})
		report.RiskScore = 100
		report.RiskLevel = policy.RiskCritical
		return report, nil
	}

	// Stage 2: token-stream analysis of dangerous constructs.
	analysisFindings := analyzeTokens(tokens, language, p)
	var errN, warnN int
	for _, f := range analysisFindings {
		if f.Severity == SeverityError {
			errN++
			report.Errors = append(report.Errors, f)
			if floor < policy.RiskHigh {
				floor = policy.RiskHigh
			}
		} else {
			warnN++
			report.Warnings = append(report.Warnings, f)
		}
	}

	// Stage 3: blocked-pattern matching against raw source text.
	patternN := 0
	for _, rule := range rules {
		if !rule.Regexp.MatchString(code) {
			continue
		}
		patternN++
		f := Finding{
			Stage:   StagePattern,
			Rule:    rule.Name,
			Message: rule.Message,
		}
		switch rule.Severity {
		case policy.RuleWarning:
			f.Severity = SeverityWarning
			report.Warnings = append(report.Warnings, f)
		case policy.RuleCritical:
			f.Severity = SeverityError
			report.Errors = append(report.Errors, f)
			floor = policy.RiskCritical
		default:
			f.Severity = SeverityError
			report.Errors = append(report.Errors, f)
			if floor < policy.RiskHigh {
				floor = policy.RiskHigh
			}
		}
	}

	// Stage 4: static resource estimation. Advisory only; runtime
	// enforcement happens in the sandbox and monitor.
	complexityFindings := estimateResources(code, language)
	complexityN := len(complexityFindings)
	report.Warnings = append(report.Warnings, complexityFindings...)

	report.RiskScore = score(errN, warnN, complexityN, patternN)
	report.RiskLevel = policy.LevelForScore(report.RiskScore)
	if report.RiskLevel < floor {
		report.RiskLevel = floor
	}

	return report, nil
}

// score computes the weighted risk score. Each term is normalized to 0-100
// before weighting: errors 0.4, warnings 0.3, complexity 0.2, patterns 0.1.
func score(errN, warnN, complexityN, patternN int) int {
	s := 0.4*normalize(errN) + 0.3*normalize(warnN) + 0.2*normalize(complexityN) + 0.1*normalize(patternN)
	if s > 100 {
		s = 100
	}
	return int(s)
}

func normalize(n int) float64 {
	v := float64(n) * 25
	if v > 100 {
		return 100
	}
	return v
}

// tokenize lexes code and screens for syntax problems. It returns an error
// for lexer failures, error tokens, or unbalanced delimiters.
func tokenize(lexerName, code string) ([]chroma.Token, error) {
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("empty source")
	}

	lexer := lexers.Get(lexerName)
	if lexer == nil {
		return nil, fmt.Errorf("no lexer for %s", lexerName)
	}

	it, err := lexer.Tokenise(nil, code)
	if err != nil {
		return nil, fmt.Errorf("lex failure: %w", err)
	}

	var tokens []chroma.Token
	for tok := it(); tok != chroma.EOF; tok = it() {
		if tok.Type == chroma.Error {
			return nil, fmt.Errorf("unparseable construct near %q", clip(tok.Value, 20))
		}
		tokens = append(tokens, tok)
	}

	if err := checkDelimiters(tokens); err != nil {
		return nil, err
	}

	return tokens, nil
}

// checkDelimiters verifies bracket balance using only punctuation tokens, so
// delimiters inside strings and comments are ignored.
func checkDelimiters(tokens []chroma.Token) error {
	pairs := map[rune]rune{')': '(', ']': '[', '}': '{'}
	var stack []rune

	for _, tok := range tokens {
		if !tok.Type.InCategory(chroma.Punctuation) {
			continue
		}
		for _, ch := range tok.Value {
			switch ch {
			case '(', '[', '{':
				stack = append(stack, ch)
			case ')', ']', '}':
				if len(stack) == 0 || stack[len(stack)-1] != pairs[ch] {
					return fmt.Errorf("unbalanced delimiter %q", string(ch))
				}
				stack = stack[:len(stack)-1]
			}
		}
	}

	if len(stack) > 0 {
		return fmt.Errorf("unclosed delimiter %q", string(stack[len(stack)-1]))
	}
	return nil
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
