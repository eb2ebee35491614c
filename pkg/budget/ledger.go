package budget

import (
	"fmt"
	"strings"
	"sync"

	"github.com/Jmi2020/KITT-sub004/pkg/models"
)

const (
	// charsPerUnit is the deterministic chars-to-units ratio used by
	// Estimate. It is a cheap approximation, not an exact cost model.
	charsPerUnit = 4

	truncationMarker = "...[truncated]"
)

// Logger defines the logging interface for the Ledger.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// Ledger allocates and tracks consumption units per named component.
// Units are abstract (tokens); the ledger never blocks, callers decide
// what an overflow means.
type Ledger struct {
	mu          sync.Mutex
	allocations map[string]*models.BudgetAllocation
	order       []string
	logger      Logger
}

func NewLedger(logger Logger) *Ledger {
	return &Ledger{
		allocations: make(map[string]*models.BudgetAllocation),
		logger:      logger,
	}
}

// Estimate returns the unit cost of content: length divided by the
// chars-per-unit ratio, with a minimum of one unit for non-empty input
// so tiny requests cannot slip past a budget for free.
func (l *Ledger) Estimate(content string) int {
	units := len(content) / charsPerUnit
	if len(content) > 0 && units == 0 {
		units = 1
	}
	return units
}

// Allocate sets the unit budget for a named component, resetting its
// consumption. One allocation exists per component per planning pass.
func (l *Ledger) Allocate(component string, units int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.allocations[component]; !ok {
		l.order = append(l.order, component)
	}
	l.allocations[component] = &models.BudgetAllocation{Component: component, Allocated: units}
}

// Record adds consumed units to a component. Recording against a
// component with no allocation creates a zero-unit allocation, which
// will flag overflow on the first consumption.
func (l *Ledger) Record(component string, units int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.allocations[component]
	if !ok {
		a = &models.BudgetAllocation{Component: component}
		l.allocations[component] = a
		l.order = append(l.order, component)
	}
	a.Actual += units
	if a.Actual > a.Allocated && !a.Overflow {
		a.Overflow = true
		l.logger.Warnf("Budget component '%s' overflowed: %d used of %d allocated", component, a.Actual, a.Allocated)
	}
}

// Check reports whether every component fits its allocation, with a
// per-component breakdown. The overflow flag on each entry is true iff
// actual units exceed allocated units.
func (l *Ledger) Check() (bool, []models.BudgetAllocation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fits := true
	breakdown := make([]models.BudgetAllocation, 0, len(l.order))
	for _, name := range l.order {
		a := l.allocations[name]
		entry := *a
		entry.Overflow = a.Actual > a.Allocated
		if entry.Overflow {
			fits = false
		}
		breakdown = append(breakdown, entry)
	}
	return fits, breakdown
}

// Trim truncates content to fit budgetUnits, keeping the front by
// default or the back when preserveEnd is set, and marks the cut with
// a visible truncation marker. Content already within budget is
// returned unchanged.
func (l *Ledger) Trim(content string, budgetUnits int, preserveEnd bool) string {
	if l.Estimate(content) <= budgetUnits {
		return content
	}
	keep := budgetUnits * charsPerUnit
	if keep <= 0 {
		return truncationMarker
	}
	if keep >= len(content) {
		return content
	}
	if preserveEnd {
		return truncationMarker + content[len(content)-keep:]
	}
	return content[:keep] + truncationMarker
}

// Summarize keeps the most recent messages that cumulatively fit
// maxUnits, newest first, and prefixes the result with how many of the
// total made the cut.
func (l *Ledger) Summarize(messages []string, maxUnits int) string {
	var kept []string
	used := 0
	for i := len(messages) - 1; i >= 0; i-- {
		units := l.Estimate(messages[i])
		if used+units > maxUnits {
			break
		}
		used += units
		kept = append([]string{messages[i]}, kept...)
	}
	header := fmt.Sprintf("[showing %d of %d messages]", len(kept), len(messages))
	if len(kept) == 0 {
		return header
	}
	return header + "\n" + strings.Join(kept, "\n")
}
