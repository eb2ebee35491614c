package gate

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/Jmi2020/KITT-sub004/pkg/models"
)

// LineApprover presents the prompt on out and reads a single line from
// in. Any read error is reported to the caller, which treats it as a
// denial.
type LineApprover struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

func NewLineApprover(in io.Reader, out io.Writer) *LineApprover {
	return &LineApprover{in: bufio.NewReader(in), out: out}
}

func (a *LineApprover) RequestApproval(ctx context.Context, prompt string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := fmt.Fprint(a.out, prompt); err != nil {
		return "", err
	}
	line, err := a.in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return line, nil
}

// FeatureFlags is an in-process FeatureReader with settable state, for
// deployments that do not wire an external feature service.
type FeatureFlags struct {
	mu    sync.RWMutex
	state FeatureState
}

func NewFeatureFlags(state FeatureState) *FeatureFlags {
	if state.Providers == nil {
		state.Providers = make(map[models.Provider]bool)
	}
	return &FeatureFlags{state: state}
}

func (f *FeatureFlags) GetState() FeatureState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	providers := make(map[models.Provider]bool, len(f.state.Providers))
	for p, enabled := range f.state.Providers {
		providers[p] = enabled
	}
	return FeatureState{
		Providers:           providers,
		OfflineMode:         f.state.OfflineMode,
		CloudRoutingEnabled: f.state.CloudRoutingEnabled,
	}
}

func (f *FeatureFlags) SetOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.OfflineMode = offline
}

func (f *FeatureFlags) SetCloudRouting(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.CloudRoutingEnabled = enabled
}

func (f *FeatureFlags) SetProvider(p models.Provider, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Providers[p] = enabled
}
