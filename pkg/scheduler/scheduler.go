package scheduler

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// Logger defines the logging interface for the Scheduler.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Options configures scheduling policy.
type Options struct {
	// FailCyclic controls what happens to tasks stuck in a dependency
	// cycle. When false, the unresolved remainder is emitted as one
	// final forced batch with a warning, preserving liveness. When
	// true, the cyclic tasks are excluded from the batches entirely and
	// reported via Schedule.Cyclic so the caller can fail them.
	FailCyclic bool
}

// Schedule is the ordered batch plan for one task set. Batches execute
// sequentially; tasks inside a batch have no ordering among themselves.
type Schedule struct {
	Batches [][]string
	// Cyclic lists tasks that could not be topologically placed. With
	// Options.FailCyclic unset they also appear in the last batch.
	Cyclic []string
}

// Scheduler computes dependency-ordered execution batches. It is
// stateless apart from its options and safe for concurrent use.
type Scheduler struct {
	opts   Options
	logger Logger
}

func NewScheduler(logger Logger, opts Options) *Scheduler {
	return &Scheduler{opts: opts, logger: logger}
}

// Schedule computes execution batches for the given task IDs. Each
// round collects every task whose known dependencies are all resolved,
// so a task's batch index is strictly greater than those of its
// dependencies. Dependencies on IDs outside taskIDs are ignored here;
// Validate reports them.
func (s *Scheduler) Schedule(taskIDs []string, deps map[string][]string) (Schedule, error) {
	if len(taskIDs) == 0 {
		return Schedule{}, errors.New("no tasks to schedule")
	}

	known := make(map[string]struct{}, len(taskIDs))
	for _, id := range taskIDs {
		if _, dup := known[id]; dup {
			return Schedule{}, errors.Errorf("duplicate task id '%s'", id)
		}
		known[id] = struct{}{}
	}

	inDegree := make(map[string]int, len(taskIDs))
	dependents := make(map[string][]string)
	for _, id := range taskIDs {
		inDegree[id] = 0
	}
	for id, ds := range deps {
		if _, ok := known[id]; !ok {
			continue
		}
		for _, dep := range ds {
			if _, ok := known[dep]; !ok || dep == id {
				continue
			}
			inDegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var sched Schedule
	placed := 0
	resolved := make(map[string]bool, len(taskIDs))
	for placed < len(taskIDs) {
		var batch []string
		for _, id := range taskIDs {
			if !resolved[id] && inDegree[id] == 0 {
				batch = append(batch, id)
			}
		}
		if len(batch) == 0 {
			// The remainder is cyclic.
			var remainder []string
			for _, id := range taskIDs {
				if !resolved[id] {
					remainder = append(remainder, id)
				}
			}
			sort.Strings(remainder)
			sched.Cyclic = remainder
			if s.opts.FailCyclic {
				s.logger.Warnf("Dependency cycle detected among %d tasks %v; excluding them from the schedule", len(remainder), remainder)
			} else {
				s.logger.Warnf("Dependency cycle detected among %d tasks %v; forcing them into one final batch", len(remainder), remainder)
				sched.Batches = append(sched.Batches, remainder)
			}
			return sched, nil
		}
		sort.Strings(batch)
		for _, id := range batch {
			resolved[id] = true
			for _, next := range dependents[id] {
				inDegree[next]--
			}
		}
		sched.Batches = append(sched.Batches, batch)
		placed += len(batch)
	}
	return sched, nil
}

// Validate reports human-readable issues per task ID: dependencies on
// unknown tasks, self-dependencies, and cycle membership. It is
// advisory only and never blocks scheduling.
func (s *Scheduler) Validate(taskIDs []string, deps map[string][]string) map[string][]string {
	known := make(map[string]struct{}, len(taskIDs))
	for _, id := range taskIDs {
		known[id] = struct{}{}
	}

	issues := make(map[string][]string)
	add := func(id, msg string) {
		issues[id] = append(issues[id], msg)
	}

	for _, id := range taskIDs {
		for _, dep := range deps[id] {
			if dep == id {
				add(id, "task depends on itself")
				continue
			}
			if _, ok := known[dep]; !ok {
				add(id, fmt.Sprintf("dependency '%s' does not exist", dep))
			}
		}
	}

	for _, id := range CycleMembers(taskIDs, deps) {
		add(id, "task participates in a dependency cycle")
	}
	return issues
}

// CycleMembers finds tasks on at least one dependency cycle using DFS
// with color marking: white (unvisited), gray (on stack), black (done).
func CycleMembers(taskIDs []string, deps map[string][]string) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	known := make(map[string]struct{}, len(taskIDs))
	for _, id := range taskIDs {
		known[id] = struct{}{}
	}
	colors := make(map[string]int, len(taskIDs))
	onCycle := make(map[string]bool)
	var stack []string

	var visit func(id string)
	visit = func(id string) {
		colors[id] = gray
		stack = append(stack, id)
		for _, dep := range deps[id] {
			if _, ok := known[dep]; !ok || dep == id {
				continue
			}
			switch colors[dep] {
			case gray:
				// Back edge: everything from dep to the top of the
				// stack is on the cycle.
				for i := len(stack) - 1; i >= 0; i-- {
					onCycle[stack[i]] = true
					if stack[i] == dep {
						break
					}
				}
			case white:
				visit(dep)
			}
		}
		stack = stack[:len(stack)-1]
		colors[id] = black
	}

	for _, id := range taskIDs {
		if colors[id] == white {
			visit(id)
		}
	}

	members := make([]string, 0, len(onCycle))
	for id := range onCycle {
		members = append(members, id)
	}
	sort.Strings(members)
	return members
}
