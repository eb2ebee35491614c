package pool

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/Jmi2020/KITT-sub004/pkg/models"
)

const (
	// DefaultAcquireTimeout bounds a single acquire attempt chain.
	DefaultAcquireTimeout = 5 * time.Second
	// DefaultHealthTimeout bounds a health probe.
	DefaultHealthTimeout = 2 * time.Second
)

var (
	// ErrSlotExhausted is returned when no slot became free on the
	// requested tier (and its fallback, if allowed) within the timeout.
	ErrSlotExhausted = errors.New("slot pool exhausted")
	// ErrUnknownTier is returned for tiers the pool was not configured with.
	ErrUnknownTier = errors.New("unknown tier")
)

// Logger defines the logging interface for the SlotPool.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// ProbeFunc checks whether a tier's backend is reachable. It must
// respect ctx and return an error when the backend is unhealthy.
type ProbeFunc func(ctx context.Context, tier models.Tier) error

// TierConfig describes one tier of the pool.
type TierConfig struct {
	Name     models.Tier
	MaxSlots int
	Fallback models.Tier // empty when the tier has no fallback
}

// TierStatus is the reporting view of one tier.
type TierStatus struct {
	Active    int         `json:"active"`
	Max       int         `json:"max"`
	Available int         `json:"available"`
	Fallback  models.Tier `json:"fallback,omitempty"`
	Healthy   bool        `json:"healthy"`
}

// AcquireOptions bounds a single Acquire call.
type AcquireOptions struct {
	Timeout       time.Duration // total time budget, DefaultAcquireTimeout when zero
	MaxRetries    int           // re-checks after the first failed attempt
	AllowFallback bool          // try the tier's fallback after exhausting retries
}

type tierState struct {
	active   int
	max      int
	fallback models.Tier
	healthy  bool
}

// SlotPool tracks active vs. maximum concurrent slots per compute tier.
// The per-tier counters are the only mutable state and are guarded by a
// single mutex; the invariant 0 <= active <= max holds at all times.
type SlotPool struct {
	mu     sync.Mutex
	tiers  map[models.Tier]*tierState
	order  []models.Tier // configuration order, for stable reporting
	probe  ProbeFunc
	logger Logger
}

// NewSlotPool builds a pool from tier configs. A nil probe makes
// HealthCheck report healthy unconditionally.
func NewSlotPool(configs []TierConfig, probe ProbeFunc, logger Logger) (*SlotPool, error) {
	if len(configs) == 0 {
		return nil, errors.New("no tiers configured")
	}
	p := &SlotPool{
		tiers:  make(map[models.Tier]*tierState, len(configs)),
		probe:  probe,
		logger: logger,
	}
	for _, cfg := range configs {
		if cfg.Name == "" {
			return nil, errors.New("tier name cannot be empty")
		}
		if cfg.MaxSlots <= 0 {
			return nil, errors.Errorf("tier '%s' must have at least one slot", cfg.Name)
		}
		if _, dup := p.tiers[cfg.Name]; dup {
			return nil, errors.Errorf("tier '%s' configured twice", cfg.Name)
		}
		p.tiers[cfg.Name] = &tierState{max: cfg.MaxSlots, fallback: cfg.Fallback, healthy: true}
		p.order = append(p.order, cfg.Name)
	}
	for _, cfg := range configs {
		if cfg.Fallback == "" {
			continue
		}
		if _, ok := p.tiers[cfg.Fallback]; !ok {
			return nil, errors.Errorf("tier '%s' falls back to unknown tier '%s'", cfg.Name, cfg.Fallback)
		}
	}
	return p, nil
}

// tryAcquire increments the tier's active count if a slot is free.
func (p *SlotPool) tryAcquire(tier models.Tier) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.tiers[tier]
	if !ok {
		return false, errors.Wrapf(ErrUnknownTier, "tier '%s'", tier)
	}
	if st.active >= st.max {
		return false, nil
	}
	st.active++
	return true, nil
}

// Acquire obtains one slot on the requested tier, retrying up to
// opts.MaxRetries within the timeout and then, when allowed, trying
// the tier's configured fallback with the same retry discipline inside
// the remaining deadline. It returns the tier the slot was actually
// granted on; the caller must Release that tier exactly once.
func (p *SlotPool) Acquire(ctx context.Context, tier models.Tier, opts AcquireOptions) (models.Tier, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	got, err := p.acquireWithRetries(ctx, tier, opts.MaxRetries)
	if err != nil {
		return "", err
	}
	if got {
		return tier, nil
	}

	if opts.AllowFallback {
		p.mu.Lock()
		fallback := p.tiers[tier].fallback
		p.mu.Unlock()
		if fallback != "" {
			p.logger.Infof("Tier '%s' exhausted, falling back to '%s'", tier, fallback)
			got, err = p.acquireWithRetries(ctx, fallback, opts.MaxRetries)
			if err != nil {
				return "", err
			}
			if got {
				return fallback, nil
			}
		}
	}
	return "", errors.Wrapf(ErrSlotExhausted, "tier '%s'", tier)
}

// acquireWithRetries attempts once, then up to maxRetries more times,
// pausing between attempts. It gives up as soon as the retry budget or
// ctx is exhausted so the caller can move on to the fallback tier.
func (p *SlotPool) acquireWithRetries(ctx context.Context, tier models.Tier, maxRetries int) (bool, error) {
	interval := 20 * time.Millisecond
	if deadline, ok := ctx.Deadline(); ok && maxRetries > 0 {
		if spread := time.Until(deadline) / time.Duration(maxRetries+1); spread > 0 && spread < interval {
			interval = spread
		}
	}
	for attempt := 0; attempt <= maxRetries; attempt++ {
		got, err := p.tryAcquire(tier)
		if err != nil {
			return false, err
		}
		if got {
			return true, nil
		}
		if attempt == maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return false, nil
		case <-time.After(interval):
		}
	}
	return false, nil
}

// Release returns one slot to the tier, clamped at zero. It must be
// called exactly once per successful Acquire on the tier Acquire
// returned, regardless of how the wrapped execution ended.
func (p *SlotPool) Release(tier models.Tier) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.tiers[tier]
	if !ok {
		p.logger.Errorf("Release on unknown tier '%s'", tier)
		return
	}
	if st.active == 0 {
		p.logger.Warnf("Release on tier '%s' with no active slots", tier)
		return
	}
	st.active--
}

// HealthCheck probes the tier's backend within a bounded timeout. It
// records the outcome for status reporting but never touches the
// active count.
func (p *SlotPool) HealthCheck(ctx context.Context, tier models.Tier) (bool, error) {
	p.mu.Lock()
	st, ok := p.tiers[tier]
	p.mu.Unlock()
	if !ok {
		return false, errors.Wrapf(ErrUnknownTier, "tier '%s'", tier)
	}
	healthy := true
	if p.probe != nil {
		probeCtx, cancel := context.WithTimeout(ctx, DefaultHealthTimeout)
		defer cancel()
		if err := p.probe(probeCtx, tier); err != nil {
			p.logger.Warnf("Health probe for tier '%s' failed: %v", tier, err)
			healthy = false
		}
	}
	p.mu.Lock()
	st.healthy = healthy
	p.mu.Unlock()
	return healthy, nil
}

// Status returns the active/max/available view of every tier.
func (p *SlotPool) Status() map[models.Tier]TierStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[models.Tier]TierStatus, len(p.tiers))
	for _, name := range p.order {
		st := p.tiers[name]
		out[name] = TierStatus{
			Active:    st.active,
			Max:       st.max,
			Available: st.max - st.active,
			Fallback:  st.fallback,
			Healthy:   st.healthy,
		}
	}
	return out
}

// TotalCapacity sums max slots across all tiers.
func (p *SlotPool) TotalCapacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, st := range p.tiers {
		total += st.max
	}
	return total
}

// TotalActive sums active slots across all tiers.
func (p *SlotPool) TotalActive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, st := range p.tiers {
		total += st.active
	}
	return total
}

// TotalAvailable sums free slots across all tiers.
func (p *SlotPool) TotalAvailable() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, st := range p.tiers {
		total += st.max - st.active
	}
	return total
}
