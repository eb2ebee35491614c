package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/Jmi2020/KITT-sub004/pkg/models"
)

const (
	// DefaultMaxRetries is the retry budget for CRITICAL/HIGH tasks.
	DefaultMaxRetries = 2
	// DefaultBaseDelay seeds the exponential backoff between attempts.
	DefaultBaseDelay = 100 * time.Millisecond
)

// Logger defines the logging interface for the Executor.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Outcome is what a single successful attempt produces.
type Outcome struct {
	Output string
	Cost   float64
}

// Invoke performs one attempt of a task. A returned error (or a panic)
// counts as a failed attempt and is never propagated past the executor.
type Invoke func(ctx context.Context) (Outcome, error)

// Result is the executor's verdict on a task after its retry budget.
type Result struct {
	Success bool
	Output  string
	Cost    float64
	Err     error         // last error when Success is false
	Retries int           // retries actually used (0 on first-attempt success)
	Latency time.Duration // total wall-clock time across attempts
}

// Executor wraps task execution with a priority-dependent retry count
// and exponential backoff. CRITICAL and HIGH priority tasks get
// maxRetries+1 attempts; all other priorities get exactly one.
type Executor struct {
	maxRetries int
	baseDelay  time.Duration
	logger     Logger
}

func NewExecutor(maxRetries int, baseDelay time.Duration, logger Logger) *Executor {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	return &Executor{maxRetries: maxRetries, baseDelay: baseDelay, logger: logger}
}

// Attempts returns the attempt budget for a priority.
func (e *Executor) Attempts(priority models.TaskPriority) int {
	switch priority {
	case models.CriticalPriority, models.HighPriority:
		return e.maxRetries + 1
	default:
		return 1
	}
}

// Run executes invoke under the retry policy for the task's priority.
// Between attempts it sleeps baseDelay * 2^attempt. Context
// cancellation during backoff ends the run with the last error.
func (e *Executor) Run(ctx context.Context, taskID string, priority models.TaskPriority, invoke Invoke) Result {
	attempts := e.Attempts(priority)
	start := time.Now()

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		e.logger.Infof("Starting task %s attempt %d/%d", taskID, attempt+1, attempts)
		out, err := e.attempt(ctx, invoke)
		if err == nil {
			return Result{
				Success: true,
				Output:  out.Output,
				Cost:    out.Cost,
				Retries: attempt,
				Latency: time.Since(start),
			}
		}
		lastErr = err
		if attempt == attempts-1 {
			break
		}
		delay := e.baseDelay * (1 << uint(attempt))
		e.logger.Warnf("Task %s attempt %d failed: %v; retrying in %s", taskID, attempt+1, err, delay)
		select {
		case <-ctx.Done():
			e.logger.Warnf("Task %s retry backoff interrupted: %v", taskID, ctx.Err())
			return Result{Err: lastErr, Retries: attempt, Latency: time.Since(start)}
		case <-time.After(delay):
		}
	}
	e.logger.Errorf("Task %s failed after %d attempt(s): %v", taskID, attempts, lastErr)
	return Result{Err: lastErr, Retries: attempts - 1, Latency: time.Since(start)}
}

// attempt runs one invoke, converting panics into errors.
func (e *Executor) attempt(ctx context.Context, invoke Invoke) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return invoke(ctx)
}
