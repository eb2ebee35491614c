package models

// BudgetAllocation tracks allocated vs. consumed units for one named
// budget component within a planning pass.
type BudgetAllocation struct {
	Component string `json:"component"`
	Allocated int    `json:"allocated"`
	Actual    int    `json:"actual"`
	Overflow  bool   `json:"overflow"` // true iff Actual > Allocated
}
