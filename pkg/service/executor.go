package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/Jmi2020/KITT-sub004/pkg/models"
	"github.com/Jmi2020/KITT-sub004/pkg/pool"
	"github.com/Jmi2020/KITT-sub004/pkg/retry"
	"github.com/Jmi2020/KITT-sub004/pkg/scheduler"
)

// ExecutePlan runs a submitted plan to completion. Batches execute
// strictly sequentially; tasks inside a batch run concurrently, each
// independently admitted, slotted, and retried. The returned map has
// an entry for every submitted task, including ones never attempted.
func (s *DispatchService) ExecutePlan(ctx context.Context, executionID string, args map[string]map[string]string) (map[string]models.TaskResult, error) {
	s.mu.RLock()
	st, ok := s.plans[executionID]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("execution '%s' not found", executionID)
	}

	st.mu.Lock()
	if st.started {
		st.mu.Unlock()
		return nil, errors.Errorf("execution '%s' already started", executionID)
	}
	st.started = true
	st.mu.Unlock()

	if err := s.updatePlanStatus(st.planID, models.RunningPlanStatus); err != nil {
		return nil, err
	}

	if s.opts.FailCyclic && len(st.schedule.Cyclic) > 0 {
		s.failCyclicTasks(st)
	}

	for batchIdx, batch := range st.schedule.Batches {
		s.logger.Infof("Execution %s: starting batch %d/%d (%d tasks)", executionID, batchIdx+1, len(st.schedule.Batches), len(batch))
		var wg sync.WaitGroup
		for _, taskID := range batch {
			forced := !s.opts.FailCyclic && st.cyclic[taskID]
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				s.runTask(ctx, st, id, args[id], forced)
			}(taskID)
		}
		wg.Wait()
	}

	planStatus := models.CompletedPlanStatus
	results := make(map[string]models.TaskResult, len(st.tasks))
	st.mu.RLock()
	for id, t := range st.tasks {
		results[id] = models.TaskResult{
			Status:    t.Status,
			Output:    t.Result,
			Error:     t.ErrorMsg,
			LatencyMs: t.LatencyMs,
			Retries:   t.Retries,
		}
		if !t.Optional && t.Status != models.CompletedTaskStatus {
			planStatus = models.FailedPlanStatus
		}
	}
	st.mu.RUnlock()

	if err := s.updatePlanStatus(st.planID, planStatus); err != nil {
		return results, err
	}
	s.logger.Infof("Execution %s finished with plan status %s", executionID, planStatus)
	return results, nil
}

// failCyclicTasks terminates every task the scheduler could not place:
// cycle members fail outright, their downstream tasks are blocked (or
// skipped when optional).
func (s *DispatchService) failCyclicTasks(st *planState) {
	deps := make(map[string][]string, len(st.tasks))
	ids := make([]string, 0, len(st.tasks))
	st.mu.RLock()
	for id, t := range st.tasks {
		ids = append(ids, id)
		deps[id] = t.Dependencies
	}
	st.mu.RUnlock()

	members := make(map[string]bool)
	for _, id := range scheduler.CycleMembers(ids, deps) {
		members[id] = true
	}

	for _, id := range st.schedule.Cyclic {
		st.mu.Lock()
		t := st.tasks[id]
		switch {
		case members[id]:
			t.Status = models.FailedTaskStatus
			t.ErrorMsg = "task is part of a dependency cycle"
		case t.Optional:
			t.Status = models.SkippedTaskStatus
			t.ErrorMsg = "skipped: depends on a dependency cycle"
		default:
			t.Status = models.BlockedTaskStatus
			t.ErrorMsg = "blocked: depends on a dependency cycle"
		}
		status, msg := t.Status, t.ErrorMsg
		st.mu.Unlock()

		if err := s.taskService.UpdateTaskStatus(id, st.planID, status, msg); err != nil {
			s.logger.Errorf("Failed to persist status for cyclic task %s: %v", id, err)
		}
		s.taskService.AppendLog(models.ExecutionLog{
			TaskID: id, PlanID: st.planID, Status: string(status), Message: msg, LoggedAt: time.Now(),
		})
	}
}

// runTask drives one task through dependency gating, admission, slot
// acquisition, retried execution, and result recording. Tasks already
// in a terminal state are left untouched. forced marks tasks in a
// forced cyclic batch, whose dependencies are unresolvable by
// construction and therefore not checked.
func (s *DispatchService) runTask(ctx context.Context, st *planState, taskID string, taskArgs map[string]string, forced bool) {
	st.mu.RLock()
	task := st.tasks[taskID]
	done := task.Status.Terminal()
	st.mu.RUnlock()
	if done {
		return
	}

	if !forced {
		if reason, blocked := s.unmetDependency(st, task); blocked {
			status := models.BlockedTaskStatus
			if task.Optional {
				status = models.SkippedTaskStatus
			}
			s.finishWithoutRun(st, task, status, reason)
			return
		}
	}

	decision := s.gate.Authorize(ctx, task.Provider, task.EstimatedCost)
	if !decision.Approved {
		s.finishWithoutRun(st, task, models.FailedTaskStatus, "admission denied: "+decision.Reason)
		return
	}

	now := time.Now()
	st.mu.Lock()
	task.Status = models.RunningTaskStatus
	task.StartedAt = &now
	st.mu.Unlock()
	if err := s.taskService.UpdateTaskStatus(task.ID, st.planID, models.RunningTaskStatus, ""); err != nil {
		s.logger.Errorf("Failed to mark task %s RUNNING: %v", task.ID, err)
	}

	assigned, err := s.pool.Acquire(ctx, task.Tier, pool.AcquireOptions{
		Timeout:       s.opts.AcquireTimeout,
		MaxRetries:    s.opts.AcquireRetries,
		AllowFallback: s.opts.AllowFallback,
	})
	if err != nil {
		s.finalize(st, task, retry.Result{Err: errors.Wrapf(err, "slot acquisition failed for tier '%s'", task.Tier)})
		return
	}
	defer s.pool.Release(assigned)
	if assigned != task.Tier {
		s.logger.Infof("Task %s reassigned from tier '%s' to '%s'", task.ID, task.Tier, assigned)
	}

	payload := Payload{TaskID: task.ID, Description: task.Description, Arguments: taskArgs}
	res := s.exec.Run(ctx, task.ID, task.Priority, func(ctx context.Context) (retry.Outcome, error) {
		br, err := s.backend.Invoke(ctx, assigned, payload)
		if err != nil {
			return retry.Outcome{}, err
		}
		if !br.Success {
			return retry.Outcome{}, errors.New(br.Error)
		}
		return retry.Outcome{Output: br.Output, Cost: br.Cost}, nil
	})

	if res.Success {
		s.gate.RecordActualCost(task.Provider, res.Cost)
		s.ledger.Record(st.budgetComponent(task.ID), s.ledger.Estimate(res.Output))
	}
	s.finalize(st, task, res)
}

// unmetDependency reports the first required dependency that did not
// complete. Optional dependencies never block their dependents.
func (s *DispatchService) unmetDependency(st *planState, task *models.TaskNode) (string, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	for _, depID := range task.Dependencies {
		dep, ok := st.tasks[depID]
		if !ok || dep.Optional {
			continue
		}
		if dep.Status != models.CompletedTaskStatus {
			return fmt.Sprintf("dependency '%s' is %s", depID, dep.Status), true
		}
	}
	return "", false
}

// finishWithoutRun records a terminal state for a task that was never
// handed to a backend (blocked, skipped, or denied admission).
func (s *DispatchService) finishWithoutRun(st *planState, task *models.TaskNode, status models.TaskStatus, reason string) {
	st.mu.Lock()
	task.Status = status
	task.ErrorMsg = reason
	st.mu.Unlock()

	s.logger.Infof("Task %s finished without running: %s (%s)", task.ID, status, reason)
	if err := s.taskService.UpdateTaskStatus(task.ID, st.planID, status, reason); err != nil {
		s.logger.Errorf("Failed to persist status for task %s: %v", task.ID, err)
	}
	s.taskService.AppendLog(models.ExecutionLog{
		TaskID: task.ID, PlanID: st.planID, Status: string(status), Message: reason, LoggedAt: time.Now(),
	})
}

// finalize records the outcome of an executed task.
func (s *DispatchService) finalize(st *planState, task *models.TaskNode, res retry.Result) {
	now := time.Now()
	st.mu.Lock()
	task.Retries = res.Retries
	task.LatencyMs = res.Latency.Milliseconds()
	task.FinishedAt = &now
	if res.Success {
		task.Status = models.CompletedTaskStatus
		task.Result = res.Output
		task.ErrorMsg = ""
	} else {
		task.Status = models.FailedTaskStatus
		task.ErrorMsg = res.Err.Error()
	}
	snapshot := *task
	st.mu.Unlock()

	if err := s.taskService.UpdateTaskResult(snapshot); err != nil {
		s.logger.Errorf("Failed to persist result for task %s: %v", task.ID, err)
	}
	s.taskService.AppendLog(models.ExecutionLog{
		TaskID:   snapshot.ID,
		PlanID:   st.planID,
		Status:   string(snapshot.Status),
		Message:  snapshot.ErrorMsg,
		Attempt:  snapshot.Retries + 1,
		LoggedAt: now,
	})
}

// updatePlanStatus persists a plan status change in its own
// transaction.
func (s *DispatchService) updatePlanStatus(planID int64, status models.PlanStatus) (err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()
	if err = txStore.UpdatePlanStatus(planID, status); err != nil {
		return errors.Wrapf(err, "failed to set plan %d to %s", planID, status)
	}
	return nil
}
