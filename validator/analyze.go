package validator

import (
	"fmt"
	"strings"

	"github.com/alecthomas/chroma/v2"

	"github.com/isdmx/execbox/policy"
)

// moduleClass describes why a module import is flagged.
type moduleClass int

const (
	classProcess moduleClass = iota
	classFilesystem
	classNetwork
)

// pythonModules flags imports of process-, filesystem-, or network-capable
// modules. The capability class decides whether a policy flag exempts it.
var pythonModules = map[string]moduleClass{
	"os":              classProcess,
	"subprocess":      classProcess,
	"ctypes":          classProcess,
	"multiprocessing": classProcess,
	"pty":             classProcess,
	"importlib":       classProcess,
	"signal":          classProcess,
	"shutil":          classFilesystem,
	"pathlib":         classFilesystem,
	"tempfile":        classFilesystem,
	"socket":          classNetwork,
	"http":            classNetwork,
	"urllib":          classNetwork,
	"requests":        classNetwork,
	"ftplib":          classNetwork,
	"smtplib":         classNetwork,
}

var nodeModules = map[string]moduleClass{
	"child_process":  classProcess,
	"cluster":        classProcess,
	"worker_threads": classProcess,
	"vm":             classProcess,
	"v8":             classProcess,
	"os":             classProcess,
	"fs":             classFilesystem,
	"fs/promises":    classFilesystem,
	"net":            classNetwork,
	"http":           classNetwork,
	"https":          classNetwork,
	"http2":          classNetwork,
	"dgram":          classNetwork,
	"dns":            classNetwork,
	"tls":            classNetwork,
}

// pythonDynamicCalls are dynamic-evaluation primitives flagged when called.
var pythonDynamicCalls = map[string]bool{
	"eval":       true,
	"exec":       true,
	"compile":    true,
	"__import__": true,
}

// pythonDangerMembers flags attribute calls like os.system(...).
var pythonDangerMembers = map[string]bool{
	"system": true,
	"popen":  true,
	"execv":  true,
	"execve": true,
	"spawnl": true,
	"fork":   true,
	"kill":   true,
}

// analyzeTokens walks the significant token stream looking for dangerous
// constructs: imports of capability-bearing modules and calls to
// dynamic-evaluation primitives.
func analyzeTokens(tokens []chroma.Token, language string, p *policy.SecurityPolicy) []Finding {
	sig := significant(tokens)
	switch language {
	case "python":
		return analyzePython(sig, p)
	default:
		// javascript and typescript share module and eval semantics.
		return analyzeNode(sig, p)
	}
}

// significant drops whitespace and comments, keeping tokens that carry
// program structure.
func significant(tokens []chroma.Token) []chroma.Token {
	out := make([]chroma.Token, 0, len(tokens))
	for _, tok := range tokens {
		if tok.Type.InCategory(chroma.Comment) {
			continue
		}
		if strings.TrimSpace(tok.Value) == "" {
			continue
		}
		out = append(out, tok)
	}
	return out
}

func analyzePython(sig []chroma.Token, p *policy.SecurityPolicy) []Finding {
	var findings []Finding
	seen := map[string]bool{}

	for i, tok := range sig {
		val := tok.Value

		// import X / from X import Y
		if (val == "import" || val == "from") && tok.Type.InCategory(chroma.Keyword) {
			if mod, ok := nextName(sig, i+1); ok {
				if f, flagged := moduleFinding(mod, pythonModules, p, seen); flagged {
					findings = append(findings, f)
				}
			}
			continue
		}

		if !isCall(sig, i) {
			continue
		}

		// Dynamic-evaluation primitives.
		if pythonDynamicCalls[val] && !seen["call:"+val] {
			seen["call:"+val] = true
			findings = append(findings, Finding{
				Stage:    StageAnalysis,
				Severity: SeverityError,
				Rule:     "dynamic-evaluation",
				Message:  fmt.Sprintf("call to dynamic-evaluation primitive %s()", val),
			})
			continue
		}

		// Attribute calls like os.system(...).
		if i >= 2 && sig[i-1].Value == "." && pythonDangerMembers[val] && !seen["member:"+val] {
			seen["member:"+val] = true
			findings = append(findings, Finding{
				Stage:    StageAnalysis,
				Severity: SeverityError,
				Rule:     "dangerous-call",
				Message:  fmt.Sprintf("call to process-control function %s.%s()", sig[i-2].Value, val),
			})
		}
	}

	return findings
}

func analyzeNode(sig []chroma.Token, p *policy.SecurityPolicy) []Finding {
	var findings []Finding
	seen := map[string]bool{}

	for i, tok := range sig {
		val := tok.Value

		// require("mod")
		if val == "require" && isCall(sig, i) {
			if mod, ok := nextString(sig, i+1, 3); ok {
				if f, flagged := moduleFinding(mod, nodeModules, p, seen); flagged {
					findings = append(findings, f)
				}
			}
			continue
		}

		if val == "import" {
			// Dynamic import(...) is an evaluation primitive; static
			// `import x from "mod"` is a module reference.
			if isCall(sig, i) {
				if !seen["call:import"] {
					seen["call:import"] = true
					findings = append(findings, Finding{
						Stage:    StageAnalysis,
						Severity: SeverityError,
						Rule:     "dynamic-evaluation",
						Message:  "dynamic import() expression",
					})
				}
				continue
			}
			if mod, ok := nextString(sig, i+1, 8); ok {
				if f, flagged := moduleFinding(mod, nodeModules, p, seen); flagged {
					findings = append(findings, f)
				}
			}
			continue
		}

		if val == "eval" && isCall(sig, i) && !seen["call:eval"] {
			seen["call:eval"] = true
			findings = append(findings, Finding{
				Stage:    StageAnalysis,
				Severity: SeverityError,
				Rule:     "dynamic-evaluation",
				Message:  "call to dynamic-evaluation primitive eval()",
			})
			continue
		}

		if val == "Function" && i >= 1 && sig[i-1].Value == "new" && !seen["call:Function"] {
			seen["call:Function"] = true
			findings = append(findings, Finding{
				Stage:    StageAnalysis,
				Severity: SeverityError,
				Rule:     "dynamic-evaluation",
				Message:  "new Function() constructor",
			})
		}
	}

	return findings
}

// moduleFinding builds a finding for a flagged module, honoring policy
// capability flags and the tool allowlist. Each module is reported once.
func moduleFinding(mod string, classes map[string]moduleClass, p *policy.SecurityPolicy, seen map[string]bool) (Finding, bool) {
	class, flagged := classes[mod]
	if !flagged || seen["mod:"+mod] {
		return Finding{}, false
	}
	if p.ToolAllowed(mod) {
		return Finding{}, false
	}

	switch class {
	case classNetwork:
		if p.AllowNetworkAccess {
			return Finding{}, false
		}
	case classFilesystem:
		if p.AllowFileSystem {
			return Finding{}, false
		}
	}

	seen["mod:"+mod] = true
	severity := SeverityError
	if class == classFilesystem {
		severity = SeverityWarning
	}

	return Finding{
		Stage:    StageAnalysis,
		Severity: severity,
		Rule:     "dangerous-import",
		Message:  fmt.Sprintf("import of %s module %q", className(class), mod),
	}, true
}

func className(c moduleClass) string {
	switch c {
	case classProcess:
		return "process-capable"
	case classFilesystem:
		return "filesystem-capable"
	default:
		return "network-capable"
	}
}

// isCall reports whether the token at i is immediately followed by an
// opening parenthesis.
func isCall(sig []chroma.Token, i int) bool {
	return i+1 < len(sig) && strings.HasPrefix(sig[i+1].Value, "(")
}

// nextName returns the first name-category token at or after i.
func nextName(sig []chroma.Token, i int) (string, bool) {
	for ; i < len(sig) && i >= 0; i++ {
		if sig[i].Type.InCategory(chroma.Name) {
			return sig[i].Value, true
		}
		// Stop at statement-ish boundaries.
		if sig[i].Value == ";" || sig[i].Value == "\n" {
			break
		}
	}
	return "", false
}

// nextString returns the first string-literal token within limit tokens
// after i, with quotes stripped.
func nextString(sig []chroma.Token, i, limit int) (string, bool) {
	end := i + limit
	if end > len(sig) {
		end = len(sig)
	}
	var parts []string
	for ; i < end; i++ {
		if sig[i].Type.InCategory(chroma.LiteralString) {
			parts = append(parts, sig[i].Value)
			// Consume adjacent string tokens (lexers split quotes from content).
			for i+1 < end && sig[i+1].Type.InCategory(chroma.LiteralString) {
				i++
				parts = append(parts, sig[i].Value)
			}
			return strings.Trim(strings.Join(parts, ""), `"'`+"`"), true
		}
	}
	return "", false
}
