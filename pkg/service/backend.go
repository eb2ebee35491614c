package service

import (
	"context"
	"fmt"

	"github.com/Jmi2020/KITT-sub004/pkg/models"
)

// Payload is the opaque unit of work handed to a compute backend.
type Payload struct {
	TaskID      string
	Description string
	Arguments   map[string]string
}

// BackendResult is what one backend invocation reports back.
type BackendResult struct {
	Success bool
	Output  string
	Error   string
	Cost    float64
}

// Backend performs the actual inference/compute call. The core treats
// it as a black box that returns within a bounded time or errors.
type Backend interface {
	Invoke(ctx context.Context, tier models.Tier, payload Payload) (BackendResult, error)
}

// BackendFunc adapts a function to the Backend interface.
type BackendFunc func(ctx context.Context, tier models.Tier, payload Payload) (BackendResult, error)

func (f BackendFunc) Invoke(ctx context.Context, tier models.Tier, payload Payload) (BackendResult, error) {
	return f(ctx, tier, payload)
}

// NewEchoBackend returns a backend that echoes the task description.
// Used by the CLI and examples when no real backend is wired.
func NewEchoBackend() Backend {
	return BackendFunc(func(ctx context.Context, tier models.Tier, payload Payload) (BackendResult, error) {
		if err := ctx.Err(); err != nil {
			return BackendResult{}, err
		}
		return BackendResult{
			Success: true,
			Output:  fmt.Sprintf("[%s] %s", tier, payload.Description),
		}, nil
	})
}
