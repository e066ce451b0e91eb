package monitor

import "time"

// ResourceUsage is a point-in-time snapshot of a session's consumption.
// ExecutionTimeMs is monotonic within one session.
type ResourceUsage struct {
	MemoryMB        float64 `json:"memory_mb"`
	CPUPercent      float64 `json:"cpu_percent"`
	ExecutionTimeMs int64   `json:"execution_time_ms"`
	NetworkRequests int     `json:"network_requests"`

	// SyscallWrites counts observed state-mutating syscalls. Only providers
	// that can observe the session at that level report it; others leave 0.
	SyscallWrites int `json:"syscall_writes"`
}

// AlertSeverity classifies a resource alert.
type AlertSeverity string

// Alert severities.
const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityError    AlertSeverity = "error"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is one threshold crossing for a session. Alerts are append-only per
// session and cease the instant the session becomes terminal.
type Alert struct {
	Timestamp time.Time     `json:"timestamp"`
	SessionID string        `json:"session_id"`
	Severity  AlertSeverity `json:"severity"`
	Message   string        `json:"message"`
}

// Event is pushed to subscribers for every sample and once at session end.
type Event struct {
	SessionID string
	Usage     ResourceUsage
	Alerts    []Alert

	// End marks the final event for a session; no samples follow it.
	End bool
}
