package healthcheck

import "context"

// Report is the combined result of every registered checker.
type Report struct {
	Status string        `json:"status"`
	Checks []CheckResult `json:"checks"`
}

// Aggregator runs a fixed set of checkers and folds their results into one
// overall status.
type Aggregator struct {
	checkers []Checker
}

// NewAggregator creates an aggregator. nil checkers are skipped.
func NewAggregator(checkers ...Checker) *Aggregator {
	items := make([]Checker, 0, len(checkers))
	for _, c := range checkers {
		if c != nil {
			items = append(items, c)
		}
	}
	return &Aggregator{checkers: items}
}

// Run evaluates all checkers in order. The overall status is the worst
// individual status; no checks at all reports ok.
func (a *Aggregator) Run(ctx context.Context) Report {
	report := Report{Status: StatusOK, Checks: []CheckResult{}}
	if a == nil {
		return report
	}
	for _, c := range a.checkers {
		report.Checks = append(report.Checks, c.ListChecks(ctx)...)
	}
	for _, item := range report.Checks {
		if severity(item.Status) > severity(report.Status) {
			report.Status = item.Status
		}
	}
	return report
}

func severity(status string) int {
	switch status {
	case StatusOK:
		return 0
	case StatusUnknown:
		return 1
	case StatusWarn:
		return 2
	default:
		return 3
	}
}
