package service

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/Jmi2020/KITT-sub004/pkg/budget"
	"github.com/Jmi2020/KITT-sub004/pkg/gate"
	"github.com/Jmi2020/KITT-sub004/pkg/models"
	"github.com/Jmi2020/KITT-sub004/pkg/pool"
	"github.com/Jmi2020/KITT-sub004/pkg/retry"
	"github.com/Jmi2020/KITT-sub004/pkg/scheduler"
	"github.com/Jmi2020/KITT-sub004/pkg/storage"
)

// Logger defines the logging interface for the DispatchService.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Options tunes the orchestration policy.
type Options struct {
	MaxRetries     int           // retry budget for CRITICAL/HIGH tasks
	BaseDelay      time.Duration // backoff seed between attempts
	AcquireTimeout time.Duration // slot acquisition budget per task
	AcquireRetries int           // slot re-checks within the timeout
	AllowFallback  bool          // permit tier fallback on exhaustion
	FailCyclic     bool          // fail cyclic tasks instead of force-running them
	UnitPrice      float64       // currency per budget unit when estimating task cost
	RecentLogs     int           // execution log entries returned by GetStatus
}

// DefaultOptions mirrors the behavior of the original dispatcher.
func DefaultOptions() Options {
	return Options{
		MaxRetries:     retry.DefaultMaxRetries,
		BaseDelay:      retry.DefaultBaseDelay,
		AcquireTimeout: pool.DefaultAcquireTimeout,
		AcquireRetries: 3,
		AllowFallback:  true,
		UnitPrice:      0.0001,
		RecentLogs:     20,
	}
}

// planState is the in-memory execution state of one submitted plan.
type planState struct {
	mu       sync.RWMutex
	planID   int64
	execID   string
	schedule scheduler.Schedule
	tasks    map[string]*models.TaskNode
	cyclic   map[string]bool
	started  bool
}

// budgetComponent names a task's entry in the budget ledger.
func (st *planState) budgetComponent(taskID string) string {
	return st.execID + "/" + taskID
}

// DispatchService is the composition root of the dispatch core: it
// builds the schedule for a submitted plan and drives every task
// through admission, slot acquisition, retried execution, and result
// recording.
type DispatchService struct {
	store       storage.Store
	logger      Logger
	sched       *scheduler.Scheduler
	pool        *pool.SlotPool
	gate        *gate.Gate
	exec        *retry.Executor
	backend     Backend
	ledger      *budget.Ledger
	taskService *TaskService
	opts        Options

	mu    sync.RWMutex
	plans map[string]*planState
}

func NewDispatchService(
	store storage.Store,
	slots *pool.SlotPool,
	admission *gate.Gate,
	backend Backend,
	logger Logger,
	opts Options,
) *DispatchService {
	return &DispatchService{
		store:       store,
		logger:      logger,
		sched:       scheduler.NewScheduler(logger, scheduler.Options{FailCyclic: opts.FailCyclic}),
		pool:        slots,
		gate:        admission,
		exec:        retry.NewExecutor(opts.MaxRetries, opts.BaseDelay, logger),
		backend:     backend,
		ledger:      budget.NewLedger(logger),
		taskService: NewTaskService(store, logger),
		opts:        opts,
		plans:       make(map[string]*planState),
	}
}

// Ledger exposes the budget ledger for callers that trim or summarize
// content before submitting it.
func (s *DispatchService) Ledger() *budget.Ledger {
	return s.ledger
}

// SubmitPlan validates and persists a plan, computes its execution
// batches, and returns the execution ID used to run it. Priorities in
// the map override per-task priorities; tasks without either default
// to MEDIUM.
func (s *DispatchService) SubmitPlan(name string, tasks []models.TaskNode, deps map[string][]string, priorities map[string]models.TaskPriority) (executionID string, err error) {
	if len(tasks) == 0 {
		return "", errors.New("plan has no tasks")
	}
	if name == "" {
		return "", errors.New("plan name cannot be empty")
	}

	ids := make([]string, 0, len(tasks))
	for i := range tasks {
		t := &tasks[i]
		if t.ID == "" {
			return "", errors.New("task id cannot be empty")
		}
		ids = append(ids, t.ID)
		if p, ok := priorities[t.ID]; ok {
			t.Priority = p
		}
		if t.Priority == "" {
			t.Priority = models.MediumPriority
		}
		if !t.Priority.Valid() {
			return "", errors.Errorf("task '%s' has invalid priority '%s'", t.ID, t.Priority)
		}
		if !t.Provider.Valid() {
			return "", errors.Errorf("task '%s' has unknown provider '%s'", t.ID, t.Provider)
		}
		t.Status = models.PendingTaskStatus
		t.Dependencies = deps[t.ID]
		if t.EstimatedCost == 0 {
			t.EstimatedCost = float64(s.ledger.Estimate(t.Description)) * s.opts.UnitPrice
		}
	}

	for id, issues := range s.sched.Validate(ids, deps) {
		for _, issue := range issues {
			s.logger.Warnf("Plan '%s' task '%s': %s", name, id, issue)
		}
	}

	sched, err := s.sched.Schedule(ids, deps)
	if err != nil {
		return "", errors.Wrap(err, "scheduling failed")
	}

	executionID = uuid.NewString()
	planID, err := s.persistPlan(name, executionID, tasks, deps)
	if err != nil {
		return "", err
	}

	st := &planState{
		planID:   planID,
		execID:   executionID,
		schedule: sched,
		tasks:    make(map[string]*models.TaskNode, len(tasks)),
		cyclic:   make(map[string]bool, len(sched.Cyclic)),
	}
	for i := range tasks {
		tasks[i].PlanID = planID
		st.tasks[tasks[i].ID] = &tasks[i]
		s.ledger.Allocate(st.budgetComponent(tasks[i].ID), s.allocationUnits(tasks[i]))
	}
	for _, id := range sched.Cyclic {
		st.cyclic[id] = true
	}

	s.mu.Lock()
	s.plans[executionID] = st
	s.mu.Unlock()

	s.logger.Infof("Submitted plan '%s' (%d tasks, %d batches) as execution %s", name, len(tasks), len(sched.Batches), executionID)
	return executionID, nil
}

// allocationUnits derives a task's unit budget: the estimated cost
// converted back to units, floored at the description estimate.
func (s *DispatchService) allocationUnits(t models.TaskNode) int {
	units := s.ledger.Estimate(t.Description)
	if s.opts.UnitPrice > 0 {
		if fromCost := int(t.EstimatedCost / s.opts.UnitPrice); fromCost > units {
			units = fromCost
		}
	}
	return units
}

// persistPlan writes the plan, its tasks, and its dependency rows in
// one transaction.
func (s *DispatchService) persistPlan(name, executionID string, tasks []models.TaskNode, deps map[string][]string) (planID int64, err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin transaction")
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

	planID, err = txStore.SavePlan(models.Plan{
		ExecutionID: executionID,
		Name:        name,
		Status:      models.PendingPlanStatus,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to save plan")
	}
	for i := range tasks {
		tasks[i].PlanID = planID
		if err = txStore.SaveTask(tasks[i]); err != nil {
			return 0, errors.Wrapf(err, "failed to save task '%s'", tasks[i].ID)
		}
	}
	for taskID, ds := range deps {
		for _, dep := range ds {
			if err = txStore.SaveDependency(models.Dependency{TaskID: taskID, DependsOn: dep, PlanID: planID}); err != nil {
				return 0, errors.Wrapf(err, "failed to save dependency %s->%s", taskID, dep)
			}
		}
	}
	return planID, nil
}

// GetPlan fetches a submitted plan with its tasks.
func (s *DispatchService) GetPlan(executionID string) (models.Plan, error) {
	plan, err := s.store.GetPlanByExecutionID(executionID)
	if err != nil {
		return models.Plan{}, errors.Wrapf(err, "failed to get plan '%s'", executionID)
	}
	return plan, nil
}

// ListPlans lists all submitted plans.
func (s *DispatchService) ListPlans() ([]models.Plan, error) {
	return s.store.ListPlans()
}

// StatusReport is the operational snapshot returned by GetStatus.
type StatusReport struct {
	Tiers      map[models.Tier]pool.TierStatus `json:"tiers"`
	TaskCounts map[models.TaskStatus]int       `json:"task_counts"`
	BudgetOK   bool                            `json:"budget_ok"`
	Budget     []models.BudgetAllocation       `json:"budget,omitempty"`
	RecentLogs []models.ExecutionLog           `json:"recent_logs"`
}

// GetStatus aggregates per-tier slot usage, task counts across all
// in-memory plans, the budget ledger breakdown, and the most recent
// execution log entries.
func (s *DispatchService) GetStatus() (StatusReport, error) {
	report := StatusReport{
		Tiers:      s.pool.Status(),
		TaskCounts: make(map[models.TaskStatus]int),
	}
	report.BudgetOK, report.Budget = s.ledger.Check()
	s.mu.RLock()
	for _, st := range s.plans {
		st.mu.RLock()
		for _, t := range st.tasks {
			report.TaskCounts[t.Status]++
		}
		st.mu.RUnlock()
	}
	s.mu.RUnlock()

	logs, err := s.store.RecentExecutionLogs(s.opts.RecentLogs)
	if err != nil {
		return StatusReport{}, errors.Wrap(err, "failed to read execution logs")
	}
	report.RecentLogs = logs
	return report, nil
}
