package budget_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Jmi2020/KITT-sub004/pkg/budget"
	"github.com/Jmi2020/KITT-sub004/pkg/models"
)

type logger struct{}

func (l logger) Infof(format string, args ...interface{}) {}
func (l logger) Warnf(format string, args ...interface{}) {}

func newLedger() *budget.Ledger {
	return budget.NewLedger(logger{})
}

func TestEstimate(t *testing.T) {
	l := newLedger()
	assert.Equal(t, 0, l.Estimate(""))
	assert.Equal(t, 1, l.Estimate("a"))
	assert.Equal(t, 1, l.Estimate("abc"))
	assert.Equal(t, 1, l.Estimate("abcd"))
	assert.Equal(t, 2, l.Estimate("abcdefgh"))
	assert.Equal(t, 25, l.Estimate(strings.Repeat("x", 100)))
}

func TestCheck_OverflowIffActualExceedsAllocated(t *testing.T) {
	l := newLedger()
	l.Allocate("planner", 10)
	l.Allocate("executor", 5)

	l.Record("planner", 10)
	fits, breakdown := l.Check()
	assert.True(t, fits)
	assert.Len(t, breakdown, 2)
	assert.False(t, breakdown[0].Overflow)

	l.Record("planner", 1)
	fits, breakdown = l.Check()
	assert.False(t, fits)
	assert.Equal(t, "planner", breakdown[0].Component)
	assert.True(t, breakdown[0].Overflow)
	assert.Equal(t, 11, breakdown[0].Actual)
	assert.False(t, breakdown[1].Overflow)
}

func TestRecord_UnallocatedComponent(t *testing.T) {
	l := newLedger()
	l.Record("surprise", 1)
	fits, breakdown := l.Check()
	assert.False(t, fits)
	assert.Len(t, breakdown, 1)
	assert.Equal(t, 0, breakdown[0].Allocated)
	assert.True(t, breakdown[0].Overflow)
}

func TestAllocate_ResetsConsumption(t *testing.T) {
	l := newLedger()
	l.Allocate("planner", 2)
	l.Record("planner", 5)
	l.Allocate("planner", 10)
	fits, breakdown := l.Check()
	assert.True(t, fits)
	assert.Equal(t, 0, breakdown[0].Actual)
}

func TestTrim_WithinBudgetUnchanged(t *testing.T) {
	l := newLedger()
	assert.Equal(t, "short", l.Trim("short", 10, false))
}

func TestTrim_KeepsFrontByDefault(t *testing.T) {
	l := newLedger()
	content := "AAAABBBBCCCCDDDD" // 4 units
	got := l.Trim(content, 2, false)
	assert.Equal(t, "AAAABBBB...[truncated]", got)
}

func TestTrim_PreserveEndKeepsBack(t *testing.T) {
	l := newLedger()
	content := "AAAABBBBCCCCDDDD"
	got := l.Trim(content, 2, true)
	assert.Equal(t, "...[truncated]CCCCDDDD", got)
}

func TestTrim_ZeroBudget(t *testing.T) {
	l := newLedger()
	assert.Equal(t, "...[truncated]", l.Trim("AAAABBBB", 0, false))
}

func TestSummarize_KeepsNewestFirst(t *testing.T) {
	l := newLedger()
	messages := []string{
		strings.Repeat("a", 40), // 10 units
		strings.Repeat("b", 40), // 10 units
		strings.Repeat("c", 40), // 10 units
	}
	got := l.Summarize(messages, 20)
	lines := strings.Split(got, "\n")
	assert.Equal(t, "[showing 2 of 3 messages]", lines[0])
	assert.Equal(t, messages[1], lines[1])
	assert.Equal(t, messages[2], lines[2])
}

func TestSummarize_NothingFits(t *testing.T) {
	l := newLedger()
	got := l.Summarize([]string{strings.Repeat("a", 400)}, 10)
	assert.Equal(t, "[showing 0 of 1 messages]", got)
}

func TestSummarize_AllFit(t *testing.T) {
	l := newLedger()
	got := l.Summarize([]string{"one", "two"}, 100)
	assert.Equal(t, "[showing 2 of 2 messages]\none\ntwo", got)
}

func TestSpendTracker(t *testing.T) {
	tr := budget.NewSpendTracker(1.0)
	assert.Equal(t, 1.0, tr.RemainingBudget())

	tr.RecordCost(models.ProviderOllama, 0.25)
	tr.RecordCost(models.ProviderAnthropic, 0.50)
	assert.InDelta(t, 0.25, tr.RemainingBudget(), 1e-9)

	spent := tr.Spent()
	assert.InDelta(t, 0.25, spent[models.ProviderOllama], 1e-9)
	assert.InDelta(t, 0.50, spent[models.ProviderAnthropic], 1e-9)

	// Overspend floors at zero instead of going negative.
	tr.RecordCost(models.ProviderAnthropic, 2.0)
	assert.Equal(t, 0.0, tr.RemainingBudget())
}
