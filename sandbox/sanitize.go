package sandbox

import (
	"path/filepath"
	"regexp"
	"strings"
)

// truncationMarker is appended when output exceeds the policy limit. The
// truncated output never exceeds the limit, marker included; limits too
// small to fit the marker get a bare clamp instead.
const truncationMarker = "\n... [output truncated]"

var (
	// Python traceback frames carry the absolute path of the workdir.
	pyFrameRe = regexp.MustCompile(`File "([^"]+)"`)

	// Node stack frames: "at fn (/abs/path/main.js:3:7)" or bare paths.
	nodeFrameRe = regexp.MustCompile(`\(([^()\s]+\.(?:js|ts|mjs|cjs)):(\d+):(\d+)\)`)
)

// truncateOutput caps s at max bytes. When truncation happens the marker is
// included within the cap, so the returned string is never longer than max.
func truncateOutput(s string, max int) (string, bool) {
	if max <= 0 || len(s) <= max {
		return s, false
	}
	if max <= len(truncationMarker) {
		return s[:max], true
	}
	return s[:max-len(truncationMarker)] + truncationMarker, true
}

// sanitizeOutput scrubs host-side detail from workload output before it is
// returned to the caller. The sandbox working directory is rewritten to a
// stable alias and interpreter stack frames lose their absolute paths, so
// output never reveals the host filesystem layout.
func sanitizeOutput(s, workdir string) string {
	if s == "" {
		return s
	}
	if workdir != "" {
		s = strings.ReplaceAll(s, workdir, "/sandbox")
	}
	s = pyFrameRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := pyFrameRe.FindStringSubmatch(m)
		return `File "` + filepath.Base(sub[1]) + `"`
	})
	s = nodeFrameRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := nodeFrameRe.FindStringSubmatch(m)
		return "(" + filepath.Base(sub[1]) + ":" + sub[2] + ":" + sub[3] + ")"
	})
	return s
}
