// Package budget guards the LLM spend of analysis runs. An experiment carries
// a default Config; a run request may override it, and the orchestrator
// refuses to start a run whose estimated cost crosses the approval threshold
// until an operator signs it off.
package budget

import "fmt"

// Config declares the guardrails for one run: dollar cost across all phase
// calls, total tokens, wall-clock time, and the approval gate. Nil fields mean
// "no limit", which is why the numeric fields are pointers.
type Config struct {
	MaxCost           *float64
	MaxTokens         *int64
	MaxTimeSeconds    *int64
	ApprovalThreshold *float64
	RequireApproval   bool
	Metadata          map[string]interface{}
}

func floatPtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func intPtr(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyMetadata(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Validate rejects configs that could never gate anything sensibly.
func (c Config) Validate() error {
	if c.MaxCost != nil && *c.MaxCost < 0 {
		return fmt.Errorf("max_cost cannot be negative")
	}
	if c.MaxTokens != nil && *c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens cannot be negative")
	}
	if c.MaxTimeSeconds != nil && *c.MaxTimeSeconds < 0 {
		return fmt.Errorf("max_time_seconds cannot be negative")
	}
	if c.ApprovalThreshold != nil {
		if *c.ApprovalThreshold < 0 {
			return fmt.Errorf("approval_threshold cannot be negative")
		}
		if c.MaxCost != nil && *c.ApprovalThreshold > *c.MaxCost {
			return fmt.Errorf("approval_threshold cannot exceed max_cost")
		}
	}
	return nil
}

// Clone returns a copy that shares no pointers with the original, so a
// monitor's limits cannot shift under it mid-run.
func (c Config) Clone() Config {
	return Config{
		MaxCost:           floatPtr(c.MaxCost),
		MaxTokens:         intPtr(c.MaxTokens),
		MaxTimeSeconds:    intPtr(c.MaxTimeSeconds),
		ApprovalThreshold: floatPtr(c.ApprovalThreshold),
		RequireApproval:   c.RequireApproval,
		Metadata:          copyMetadata(c.Metadata),
	}
}

// Merge overlays a run-level override onto the experiment default. Set fields
// in override win; RequireApproval is sticky and can only be turned on.
func Merge(base Config, override Config) Config {
	result := base.Clone()
	if override.MaxCost != nil {
		result.MaxCost = floatPtr(override.MaxCost)
	}
	if override.MaxTokens != nil {
		result.MaxTokens = intPtr(override.MaxTokens)
	}
	if override.MaxTimeSeconds != nil {
		result.MaxTimeSeconds = intPtr(override.MaxTimeSeconds)
	}
	if override.ApprovalThreshold != nil {
		result.ApprovalThreshold = floatPtr(override.ApprovalThreshold)
	}
	if override.Metadata != nil {
		result.Metadata = copyMetadata(override.Metadata)
	}
	if override.RequireApproval {
		result.RequireApproval = true
	}
	return result
}

// IsZero reports whether the config imposes nothing at all. Runs with a zero
// config skip monitoring entirely.
func (c Config) IsZero() bool {
	for _, f := range []*float64{c.MaxCost, c.ApprovalThreshold} {
		if f != nil && *f != 0 {
			return false
		}
	}
	for _, n := range []*int64{c.MaxTokens, c.MaxTimeSeconds} {
		if n != nil && *n != 0 {
			return false
		}
	}
	return !c.RequireApproval && len(c.Metadata) == 0
}

// RequiresApproval reports whether a run with the given cost estimate must be
// held for sign-off before any phase executes.
func RequiresApproval(cfg Config, estimatedCost float64) bool {
	if cfg.RequireApproval {
		return true
	}
	return cfg.ApprovalThreshold != nil && estimatedCost > *cfg.ApprovalThreshold
}
