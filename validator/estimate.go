package validator

import (
	"fmt"
	"regexp"
	"strings"
)

// Static resource-abuse heuristics. These are advisory: they flag likely
// abuse before runtime, but true enforcement happens in the sandbox and the
// resource monitor.

var (
	unboundedLoopRe = regexp.MustCompile(`while\s+True\b|while\s*\(\s*(true|1)\s*\)|for\s*\(\s*;\s*;\s*\)`)
	largeAllocRe    = regexp.MustCompile(`range\s*\(\s*\d{8,}|\[\s*0\s*\]\s*\*\s*\d{7,}|10\s*\*\*\s*([89]|\d{2,})|new\s+Array\s*\(\s*\d{7,}|\b\d*\.?\d+e([89]|\d{2,})\b`)
	pythonDefRe     = regexp.MustCompile(`(?m)^\s*def\s+(\w+)\s*\(`)
	jsFuncRe        = regexp.MustCompile(`(?m)function\s+(\w+)\s*\(`)
	loopLineRe      = regexp.MustCompile(`^(\s*)(for|while)\b`)
)

const maxLoopNesting = 3

// estimateResources applies cheap static heuristics for resource abuse:
// unbounded loops, deep loop nesting, recursion, large literal allocations.
// All findings are warnings.
func estimateResources(code, language string) []Finding {
	var findings []Finding

	if loc := unboundedLoopRe.FindString(code); loc != "" {
		findings = append(findings, Finding{
			Stage:    StageEstimate,
			Severity: SeverityWarning,
			Rule:     "unbounded-loop",
			Message:  fmt.Sprintf("loop with no exit condition: %q", strings.TrimSpace(loc)),
		})
	}

	var depth int
	if language == "python" {
		depth = pythonLoopNesting(code)
	} else {
		depth = braceLoopNesting(code)
	}
	if depth >= maxLoopNesting {
		findings = append(findings, Finding{
			Stage:    StageEstimate,
			Severity: SeverityWarning,
			Rule:     "deep-loop-nesting",
			Message:  fmt.Sprintf("loop nesting depth %d", depth),
		})
	}

	if name, ok := recursionCandidate(code, language); ok {
		findings = append(findings, Finding{
			Stage:    StageEstimate,
			Severity: SeverityWarning,
			Rule:     "recursion",
			Message:  fmt.Sprintf("function %q appears to call itself", name),
		})
	}

	if largeAllocRe.MatchString(code) {
		findings = append(findings, Finding{
			Stage:    StageEstimate,
			Severity: SeverityWarning,
			Rule:     "large-allocation",
			Message:  "large literal allocation size",
		})
	}

	return findings
}

// pythonLoopNesting estimates loop nesting depth from indentation.
func pythonLoopNesting(code string) int {
	type frame struct{ indent int }
	var stack []frame
	maxDepth := 0

	for _, line := range strings.Split(code, "\n") {
		m := loopLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		indent := len(m[1])
		for len(stack) > 0 && stack[len(stack)-1].indent >= indent {
			stack = stack[:len(stack)-1]
		}
		stack = append(stack, frame{indent: indent})
		if len(stack) > maxDepth {
			maxDepth = len(stack)
		}
	}

	return maxDepth
}

// braceLoopNesting estimates loop nesting depth for brace languages by
// tracking how many enclosing loop bodies each loop keyword sits in.
func braceLoopNesting(code string) int {
	type frame struct{ depth int }
	var loops []frame
	depth := 0
	maxNest := 0

	i := 0
	for i < len(code) {
		switch code[i] {
		case '{':
			depth++
		case '}':
			depth--
			for len(loops) > 0 && loops[len(loops)-1].depth >= depth {
				loops = loops[:len(loops)-1]
			}
		case 'f', 'w':
			if hasKeywordAt(code, i, "for") || hasKeywordAt(code, i, "while") {
				loops = append(loops, frame{depth: depth})
				if len(loops) > maxNest {
					maxNest = len(loops)
				}
			}
		}
		i++
	}

	return maxNest
}

// hasKeywordAt reports a whole-word keyword match at position i.
func hasKeywordAt(code string, i int, kw string) bool {
	if !strings.HasPrefix(code[i:], kw) {
		return false
	}
	if i > 0 && isWordByte(code[i-1]) {
		return false
	}
	end := i + len(kw)
	return end >= len(code) || !isWordByte(code[end])
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// recursionCandidate looks for a function that references its own name in
// the source after its definition.
func recursionCandidate(code, language string) (string, bool) {
	re := pythonDefRe
	if language != "python" {
		re = jsFuncRe
	}

	for _, m := range re.FindAllStringSubmatchIndex(code, -1) {
		name := code[m[2]:m[3]]
		rest := code[m[1]:]
		callRe := regexp.MustCompile(`\b` + regexp.QuoteMeta(name) + `\s*\(`)
		if callRe.MatchString(rest) {
			return name, true
		}
	}

	return "", false
}
