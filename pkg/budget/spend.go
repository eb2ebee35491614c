package budget

import (
	"sync"

	"github.com/Jmi2020/KITT-sub004/pkg/models"
)

// SpendTracker tracks actual currency spend per provider against a
// single process-wide limit. It backs the admission gate's budget
// layer: RemainingBudget feeds the hard budget check and RecordCost
// absorbs true costs after each call.
type SpendTracker struct {
	mu    sync.Mutex
	limit float64
	spent map[models.Provider]float64
}

func NewSpendTracker(limit float64) *SpendTracker {
	return &SpendTracker{
		limit: limit,
		spent: make(map[models.Provider]float64),
	}
}

// RecordCost adds an actual cost for the provider.
func (t *SpendTracker) RecordCost(provider models.Provider, cost float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spent[provider] += cost
}

// RemainingBudget returns limit minus total spend, floored at zero.
func (t *SpendTracker) RemainingBudget() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0.0
	for _, s := range t.spent {
		total += s
	}
	remaining := t.limit - total
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Spent returns a copy of the per-provider spend.
func (t *SpendTracker) Spent() map[models.Provider]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[models.Provider]float64, len(t.spent))
	for p, s := range t.spent {
		out[p] = s
	}
	return out
}
