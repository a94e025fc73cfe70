package budget

import "github.com/discernus/discernus/config"

// FromConfig converts the declarative config section into a budget Config,
// treating zero values as "no limit".
func FromConfig(c config.BudgetConfig) Config {
	out := Config{RequireApproval: c.RequireApproval}
	if c.MaxCost > 0 {
		v := c.MaxCost
		out.MaxCost = &v
	}
	if c.MaxTokens > 0 {
		v := c.MaxTokens
		out.MaxTokens = &v
	}
	if c.MaxTimeSeconds > 0 {
		v := c.MaxTimeSeconds
		out.MaxTimeSeconds = &v
	}
	if c.ApprovalThreshold > 0 {
		v := c.ApprovalThreshold
		out.ApprovalThreshold = &v
	}
	return out
}
