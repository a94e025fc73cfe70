package budget

import "fmt"

// ErrExceeded is returned mid-run when accumulated phase usage crosses a
// limit. Kind names the breached guardrail: "cost", "tokens" or "time". The
// worker maps it onto the budget_overrun run status.
type ErrExceeded struct {
	Kind  string
	Usage string
	Limit string
}

func (e ErrExceeded) Error() string {
	if e.Limit != "" {
		return fmt.Sprintf("budget %s exceeded: usage=%s limit=%s", e.Kind, e.Usage, e.Limit)
	}
	return fmt.Sprintf("budget %s exceeded: usage=%s", e.Kind, e.Usage)
}

// ErrApprovalRequired is returned before any phase runs when the cost
// estimate crosses the approval threshold. The run is parked in
// pending_approval rather than failed.
type ErrApprovalRequired struct {
	EstimatedCost float64
	Threshold     float64
}

func (e ErrApprovalRequired) Error() string {
	return fmt.Sprintf("estimated cost $%.2f exceeds approval threshold $%.2f", e.EstimatedCost, e.Threshold)
}
