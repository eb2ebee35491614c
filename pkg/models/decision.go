package models

// CostTier classifies an estimated cost for runtime approval.
type CostTier string

const (
	TrivialCostTier CostTier = "TRIVIAL"
	LowCostTier     CostTier = "LOW"
	HighCostTier    CostTier = "HIGH"
)

// PermissionDecision is the outcome of one admission check. Decisions
// are created fresh per call and never cached or reused.
type PermissionDecision struct {
	Approved       bool     `json:"approved"`
	Tier           CostTier `json:"tier"`
	Reason         string   `json:"reason"`
	EstimatedCost  float64  `json:"estimated_cost"`
	PromptRequired bool     `json:"prompt_required"` // false on hard denials: no human override possible
	Prompt         string   `json:"prompt,omitempty"`
}
