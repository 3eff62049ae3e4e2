package healthcheck

import "context"

// Check statuses, from healthy to failing. StatusUnknown ranks between ok
// and warn when reports are aggregated.
const (
	StatusOK      = "ok"
	StatusUnknown = "unknown"
	StatusWarn    = "warn"
	StatusError   = "error"
)

// CheckResult is one item in the /health report.
type CheckResult struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Subtitle string         `json:"subtitle,omitempty"`
	Status   string         `json:"status"`
	Summary  string         `json:"summary"`
	Detail   string         `json:"detail,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Checker evaluates one or more runtime checks of the gateway process.
type Checker interface {
	ListChecks(ctx context.Context) []CheckResult
}
