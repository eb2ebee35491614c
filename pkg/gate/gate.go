package gate

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/Jmi2020/KITT-sub004/pkg/models"
)

const (
	// DefaultTrivialThreshold is the cost below which a call is TRIVIAL.
	DefaultTrivialThreshold = 0.01
	// DefaultLowThreshold is the cost below which a call is LOW; at or
	// above it the call is HIGH and always needs explicit approval.
	DefaultLowThreshold = 0.10
)

// ErrAdmissionDenied wraps every denial the gate hands back to callers
// that want a sentinel to test against.
var ErrAdmissionDenied = errors.New("admission denied")

// Logger defines the logging interface for the Gate.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// FeatureState is the provider enablement snapshot read fresh on every
// admission check, never cached across calls.
type FeatureState struct {
	Providers           map[models.Provider]bool
	OfflineMode         bool
	CloudRoutingEnabled bool
}

// FeatureReader supplies the current feature/provider state.
type FeatureReader interface {
	GetState() FeatureState
}

// BudgetReader supplies the remaining budget, polled fresh per check.
type BudgetReader interface {
	RemainingBudget() float64
}

// CostRecorder absorbs actual costs after a call completes.
type CostRecorder interface {
	RecordCost(provider models.Provider, cost float64)
}

// Approver presents a prompt to a human and reads back one line.
type Approver interface {
	RequestApproval(ctx context.Context, prompt string) (string, error)
}

// Config tunes the soft approval layer.
type Config struct {
	TrivialThreshold   float64
	LowThreshold       float64
	AutoApproveTrivial bool
	AutoApproveLow     bool
	Passphrase         string // input that converts a prompted decision to approved
}

// Gate is the three-layer admission check: feature/provider enablement
// (hard), budget sufficiency (hard), and cost-tiered runtime approval
// (soft). Layers are evaluated in order and short-circuit.
type Gate struct {
	mu       sync.Mutex
	features FeatureReader
	budget   BudgetReader
	recorder CostRecorder
	approver Approver
	cfg      Config
	logger   Logger
}

// NewGate wires the gate. budget, recorder and approver may each be
// nil: a nil budget skips the budget layer, a nil approver turns every
// prompt into a denial, a nil recorder only logs actual costs.
func NewGate(features FeatureReader, budget BudgetReader, recorder CostRecorder, approver Approver, cfg Config, logger Logger) *Gate {
	if cfg.TrivialThreshold <= 0 {
		cfg.TrivialThreshold = DefaultTrivialThreshold
	}
	if cfg.LowThreshold <= cfg.TrivialThreshold {
		cfg.LowThreshold = DefaultLowThreshold
	}
	return &Gate{
		features: features,
		budget:   budget,
		recorder: recorder,
		approver: approver,
		cfg:      cfg,
		logger:   logger,
	}
}

// ClassifyCost maps an estimated cost to its approval tier.
func (g *Gate) ClassifyCost(estimated float64) models.CostTier {
	switch {
	case estimated < g.cfg.TrivialThreshold:
		return models.TrivialCostTier
	case estimated < g.cfg.LowThreshold:
		return models.LowCostTier
	default:
		return models.HighCostTier
	}
}

// Evaluate runs the three layers for one call and returns a fresh
// decision. It never consults the approver; callers that want the
// human round-trip use Authorize.
func (g *Gate) Evaluate(provider models.Provider, estimatedCost float64) models.PermissionDecision {
	decision := models.PermissionDecision{
		Tier:          g.ClassifyCost(estimatedCost),
		EstimatedCost: estimatedCost,
	}

	if !provider.Valid() {
		decision.Reason = fmt.Sprintf("unknown provider '%s'", provider)
		return decision
	}

	// Layer 1: feature/provider enablement (hard, no prompt).
	state := g.features.GetState()
	if state.OfflineMode {
		decision.Reason = "offline mode: all providers disabled"
		return decision
	}
	if !provider.Local() && !state.CloudRoutingEnabled {
		decision.Reason = fmt.Sprintf("cloud routing disabled: provider '%s' is not local", provider)
		return decision
	}
	if !state.Providers[provider] {
		decision.Reason = fmt.Sprintf("provider '%s' is disabled", provider)
		return decision
	}

	// Layer 2: budget sufficiency (hard, no prompt).
	if g.budget != nil {
		remaining := g.budget.RemainingBudget()
		if remaining < estimatedCost {
			decision.Reason = fmt.Sprintf("insufficient budget: remaining $%.4f, estimated $%.4f", remaining, estimatedCost)
			return decision
		}
	}

	// Layer 3: cost-tiered runtime approval (soft).
	switch decision.Tier {
	case models.TrivialCostTier:
		if g.cfg.AutoApproveTrivial {
			decision.Approved = true
			decision.Reason = "auto-approved: trivial cost"
			return decision
		}
	case models.LowCostTier:
		if g.cfg.AutoApproveLow {
			decision.Approved = true
			decision.Reason = "auto-approved: low cost"
			return decision
		}
	case models.HighCostTier:
		// Never auto-approved.
	}
	decision.PromptRequired = true
	decision.Prompt = fmt.Sprintf("Approve %s call via '%s' for an estimated $%.4f? Enter passphrase to approve: ",
		strings.ToLower(string(decision.Tier)), provider, estimatedCost)
	decision.Reason = fmt.Sprintf("%s cost requires explicit approval", strings.ToLower(string(decision.Tier)))
	return decision
}

// Authorize evaluates the call and, for soft denials, runs one round
// through the approval channel: input matching the configured
// passphrase converts the decision to approved, anything else keeps it
// denied. Hard denials are returned as-is.
func (g *Gate) Authorize(ctx context.Context, provider models.Provider, estimatedCost float64) models.PermissionDecision {
	decision := g.Evaluate(provider, estimatedCost)
	if decision.Approved || !decision.PromptRequired {
		return decision
	}
	if g.approver == nil {
		decision.Reason = decision.Reason + "; no approval channel configured"
		return decision
	}
	answer, err := g.approver.RequestApproval(ctx, decision.Prompt)
	if err != nil {
		g.logger.Warnf("Approval request for provider '%s' failed: %v", provider, err)
		decision.Reason = decision.Reason + "; approval request failed"
		return decision
	}
	if g.cfg.Passphrase != "" && strings.TrimSpace(answer) == g.cfg.Passphrase {
		decision.Approved = true
		decision.Reason = "approved by operator"
		return decision
	}
	decision.Reason = decision.Reason + "; approval denied by operator"
	return decision
}

// RecordActualCost feeds the true cost of a completed call back into
// the budget. The true cost may differ from the estimate; it is always
// logged even when no recorder is wired, so spend stays observable.
func (g *Gate) RecordActualCost(provider models.Provider, cost float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.logger.Infof("Actual cost for provider '%s': $%.4f", provider, cost)
	if g.recorder != nil {
		g.recorder.RecordCost(provider, cost)
	}
}
