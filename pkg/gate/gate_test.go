package gate_test

import (
	"context"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/Jmi2020/KITT-sub004/pkg/budget"
	"github.com/Jmi2020/KITT-sub004/pkg/gate"
	"github.com/Jmi2020/KITT-sub004/pkg/models"
)

type logger struct{}

func (l logger) Infof(format string, args ...interface{})  {}
func (l logger) Warnf(format string, args ...interface{})  {}
func (l logger) Errorf(format string, args ...interface{}) {}

// scriptedApprover returns a fixed answer and records how often it was
// asked.
type scriptedApprover struct {
	answer string
	err    error
	asked  int
}

func (a *scriptedApprover) RequestApproval(ctx context.Context, prompt string) (string, error) {
	a.asked++
	return a.answer, a.err
}

func allLocalFlags() *gate.FeatureFlags {
	return gate.NewFeatureFlags(gate.FeatureState{
		Providers: map[models.Provider]bool{
			models.ProviderOllama:   true,
			models.ProviderLMStudio: true,
		},
	})
}

func TestClassifyCost(t *testing.T) {
	g := gate.NewGate(allLocalFlags(), nil, nil, nil, gate.Config{}, logger{})
	assert.Equal(t, models.TrivialCostTier, g.ClassifyCost(0.005))
	assert.Equal(t, models.LowCostTier, g.ClassifyCost(0.01))
	assert.Equal(t, models.LowCostTier, g.ClassifyCost(0.05))
	assert.Equal(t, models.HighCostTier, g.ClassifyCost(0.10))
	assert.Equal(t, models.HighCostTier, g.ClassifyCost(1.50))
}

func TestEvaluate_OfflineModeDeniesEverything(t *testing.T) {
	flags := allLocalFlags()
	flags.SetOffline(true)
	g := gate.NewGate(flags, nil, nil, nil, gate.Config{AutoApproveTrivial: true}, logger{})

	d := g.Evaluate(models.ProviderOllama, 0.001)
	assert.False(t, d.Approved)
	assert.False(t, d.PromptRequired)
	assert.Contains(t, d.Reason, "offline mode")
}

func TestEvaluate_CloudRoutingDisabled(t *testing.T) {
	flags := gate.NewFeatureFlags(gate.FeatureState{
		Providers: map[models.Provider]bool{
			models.ProviderOllama:    true,
			models.ProviderAnthropic: true,
		},
		CloudRoutingEnabled: false,
	})
	g := gate.NewGate(flags, nil, nil, nil, gate.Config{AutoApproveTrivial: true}, logger{})

	d := g.Evaluate(models.ProviderAnthropic, 0.001)
	assert.False(t, d.Approved)
	assert.Contains(t, d.Reason, "cloud routing disabled")

	// Local providers are unaffected.
	d = g.Evaluate(models.ProviderOllama, 0.001)
	assert.True(t, d.Approved)
}

func TestEvaluate_DisabledProvider(t *testing.T) {
	flags := gate.NewFeatureFlags(gate.FeatureState{
		Providers: map[models.Provider]bool{models.ProviderOllama: true},
	})
	g := gate.NewGate(flags, nil, nil, nil, gate.Config{AutoApproveTrivial: true}, logger{})

	d := g.Evaluate(models.ProviderLMStudio, 0.001)
	assert.False(t, d.Approved)
	assert.Contains(t, d.Reason, "provider 'lmstudio' is disabled")
}

func TestEvaluate_UnknownProvider(t *testing.T) {
	g := gate.NewGate(allLocalFlags(), nil, nil, nil, gate.Config{AutoApproveTrivial: true}, logger{})
	d := g.Evaluate("skynet", 0.001)
	assert.False(t, d.Approved)
	assert.Contains(t, d.Reason, "unknown provider 'skynet'")
}

func TestEvaluate_InsufficientBudget(t *testing.T) {
	tracker := budget.NewSpendTracker(1.0)
	tracker.RecordCost(models.ProviderOllama, 0.995)
	g := gate.NewGate(allLocalFlags(), tracker, tracker, nil, gate.Config{AutoApproveTrivial: true}, logger{})

	d := g.Evaluate(models.ProviderOllama, 0.008)
	assert.False(t, d.Approved)
	assert.False(t, d.PromptRequired)
	assert.Contains(t, d.Reason, "insufficient budget")

	// Within remaining budget, trivial cost flows through.
	d = g.Evaluate(models.ProviderOllama, 0.004)
	assert.True(t, d.Approved)
}

func TestEvaluate_TrivialAutoApproved(t *testing.T) {
	g := gate.NewGate(allLocalFlags(), nil, nil, nil, gate.Config{AutoApproveTrivial: true}, logger{})
	d := g.Evaluate(models.ProviderOllama, 0.005)
	assert.True(t, d.Approved)
	assert.False(t, d.PromptRequired)
	assert.Equal(t, models.TrivialCostTier, d.Tier)
}

func TestEvaluate_LowNeedsPromptUnlessAutoApproved(t *testing.T) {
	g := gate.NewGate(allLocalFlags(), nil, nil, nil, gate.Config{AutoApproveTrivial: true}, logger{})
	d := g.Evaluate(models.ProviderOllama, 0.05)
	assert.False(t, d.Approved)
	assert.True(t, d.PromptRequired)
	assert.Equal(t, models.LowCostTier, d.Tier)

	g = gate.NewGate(allLocalFlags(), nil, nil, nil, gate.Config{AutoApproveTrivial: true, AutoApproveLow: true}, logger{})
	d = g.Evaluate(models.ProviderOllama, 0.05)
	assert.True(t, d.Approved)
}

func TestEvaluate_HighAlwaysPrompts(t *testing.T) {
	g := gate.NewGate(allLocalFlags(), nil, nil, nil, gate.Config{AutoApproveTrivial: true, AutoApproveLow: true}, logger{})
	d := g.Evaluate(models.ProviderOllama, 0.15)
	assert.False(t, d.Approved)
	assert.True(t, d.PromptRequired)
	assert.Equal(t, models.HighCostTier, d.Tier)
	assert.Contains(t, d.Prompt, "ollama")
}

func TestAuthorize_TrivialNeverPrompts(t *testing.T) {
	approver := &scriptedApprover{answer: "yes"}
	g := gate.NewGate(allLocalFlags(), nil, nil, approver, gate.Config{AutoApproveTrivial: true, Passphrase: "approve"}, logger{})

	d := g.Authorize(context.Background(), models.ProviderOllama, 0.005)
	assert.True(t, d.Approved)
	assert.Equal(t, 0, approver.asked)
}

func TestAuthorize_PassphraseApproves(t *testing.T) {
	approver := &scriptedApprover{answer: "approve\n"}
	g := gate.NewGate(allLocalFlags(), nil, nil, approver, gate.Config{Passphrase: "approve"}, logger{})

	d := g.Authorize(context.Background(), models.ProviderOllama, 0.15)
	assert.True(t, d.Approved)
	assert.Equal(t, 1, approver.asked)
	assert.Equal(t, "approved by operator", d.Reason)
}

func TestAuthorize_WrongAnswerDenies(t *testing.T) {
	approver := &scriptedApprover{answer: "nope\n"}
	g := gate.NewGate(allLocalFlags(), nil, nil, approver, gate.Config{Passphrase: "approve"}, logger{})

	d := g.Authorize(context.Background(), models.ProviderOllama, 0.15)
	assert.False(t, d.Approved)
	assert.Contains(t, d.Reason, "approval denied by operator")
}

func TestAuthorize_NoApproverDenies(t *testing.T) {
	g := gate.NewGate(allLocalFlags(), nil, nil, nil, gate.Config{Passphrase: "approve"}, logger{})
	d := g.Authorize(context.Background(), models.ProviderOllama, 0.15)
	assert.False(t, d.Approved)
	assert.Contains(t, d.Reason, "no approval channel configured")
}

func TestAuthorize_ApproverErrorDenies(t *testing.T) {
	approver := &scriptedApprover{err: errors.New("stdin closed")}
	g := gate.NewGate(allLocalFlags(), nil, nil, approver, gate.Config{Passphrase: "approve"}, logger{})

	d := g.Authorize(context.Background(), models.ProviderOllama, 0.15)
	assert.False(t, d.Approved)
	assert.Contains(t, d.Reason, "approval request failed")
}

func TestAuthorize_HardDenialSkipsApprover(t *testing.T) {
	flags := allLocalFlags()
	flags.SetOffline(true)
	approver := &scriptedApprover{answer: "approve\n"}
	g := gate.NewGate(flags, nil, nil, approver, gate.Config{Passphrase: "approve"}, logger{})

	d := g.Authorize(context.Background(), models.ProviderOllama, 0.15)
	assert.False(t, d.Approved)
	assert.Equal(t, 0, approver.asked)
}

func TestRecordActualCost(t *testing.T) {
	tracker := budget.NewSpendTracker(1.0)
	g := gate.NewGate(allLocalFlags(), tracker, tracker, nil, gate.Config{}, logger{})

	g.RecordActualCost(models.ProviderOllama, 0.30)
	g.RecordActualCost(models.ProviderLMStudio, 0.20)
	assert.InDelta(t, 0.50, tracker.RemainingBudget(), 1e-9)
	assert.InDelta(t, 0.30, tracker.Spent()[models.ProviderOllama], 1e-9)

	// A nil recorder only logs.
	g = gate.NewGate(allLocalFlags(), nil, nil, nil, gate.Config{}, logger{})
	g.RecordActualCost(models.ProviderOllama, 0.30)
}

func TestLineApprover(t *testing.T) {
	var out strings.Builder
	a := gate.NewLineApprover(strings.NewReader("approve\n"), &out)

	answer, err := a.RequestApproval(context.Background(), "Approve? ")
	assert.NoError(t, err)
	assert.Equal(t, "approve\n", answer)
	assert.Equal(t, "Approve? ", out.String())
}

func TestLineApprover_CanceledContext(t *testing.T) {
	a := gate.NewLineApprover(strings.NewReader("approve\n"), &strings.Builder{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.RequestApproval(ctx, "Approve? ")
	assert.Error(t, err)
}

func TestFeatureFlags_Snapshot(t *testing.T) {
	flags := allLocalFlags()
	state := flags.GetState()
	state.Providers[models.ProviderOllama] = false

	// Mutating the snapshot must not leak back.
	assert.True(t, flags.GetState().Providers[models.ProviderOllama])

	flags.SetProvider(models.ProviderAnthropic, true)
	flags.SetCloudRouting(true)
	got := flags.GetState()
	assert.True(t, got.Providers[models.ProviderAnthropic])
	assert.True(t, got.CloudRoutingEnabled)
}
