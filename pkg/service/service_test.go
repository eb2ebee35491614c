package service_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/Jmi2020/KITT-sub004/pkg/gate"
	"github.com/Jmi2020/KITT-sub004/pkg/models"
	"github.com/Jmi2020/KITT-sub004/pkg/pool"
	"github.com/Jmi2020/KITT-sub004/pkg/service"
	"github.com/Jmi2020/KITT-sub004/pkg/storage"
)

type logger struct{}

func (l logger) Infof(format string, args ...interface{})  {}
func (l logger) Warnf(format string, args ...interface{})  {}
func (l logger) Errorf(format string, args ...interface{}) {}

// recordingBackend remembers the order tasks reached it.
type recordingBackend struct {
	mu      sync.Mutex
	order   []string
	invoke  service.BackendFunc
	tiers   map[string]models.Tier
	invoked map[string]int
}

func newRecordingBackend(invoke service.BackendFunc) *recordingBackend {
	return &recordingBackend{
		invoke:  invoke,
		tiers:   make(map[string]models.Tier),
		invoked: make(map[string]int),
	}
}

func (b *recordingBackend) Invoke(ctx context.Context, tier models.Tier, payload service.Payload) (service.BackendResult, error) {
	b.mu.Lock()
	b.order = append(b.order, payload.TaskID)
	b.tiers[payload.TaskID] = tier
	b.invoked[payload.TaskID]++
	b.mu.Unlock()
	if b.invoke != nil {
		return b.invoke(ctx, tier, payload)
	}
	return service.BackendResult{Success: true, Output: "ok:" + payload.TaskID}, nil
}

func (b *recordingBackend) indexOf(taskID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, id := range b.order {
		if id == taskID {
			return i
		}
	}
	return -1
}

func permissiveGate() *gate.Gate {
	flags := gate.NewFeatureFlags(gate.FeatureState{
		Providers: map[models.Provider]bool{
			models.ProviderOllama:   true,
			models.ProviderLMStudio: true,
		},
	})
	return gate.NewGate(flags, nil, nil, nil, gate.Config{AutoApproveTrivial: true, AutoApproveLow: true}, logger{})
}

func testPool(t *testing.T) *pool.SlotPool {
	p, err := pool.NewSlotPool([]pool.TierConfig{
		{Name: models.TierFast, MaxSlots: 4},
		{Name: models.TierBalanced, MaxSlots: 2},
	}, nil, logger{})
	assert.NoError(t, err)
	return p
}

func testOptions() service.Options {
	opts := service.DefaultOptions()
	opts.BaseDelay = time.Millisecond
	opts.AcquireTimeout = 200 * time.Millisecond
	return opts
}

func newService(t *testing.T, store storage.Store, backend service.Backend, opts service.Options) *service.DispatchService {
	return service.NewDispatchService(store, testPool(t), permissiveGate(), backend, logger{}, opts)
}

func task(id string) models.TaskNode {
	return models.TaskNode{
		ID:          id,
		Description: "work for " + id,
		Tier:        models.TierFast,
		Provider:    models.ProviderOllama,
	}
}

func TestSubmitPlan_Validation(t *testing.T) {
	svc := newService(t, storage.NewMockStore(), service.NewEchoBackend(), testOptions())

	_, err := svc.SubmitPlan("p", nil, nil, nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no tasks")

	_, err = svc.SubmitPlan("", []models.TaskNode{task("a")}, nil, nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "name cannot be empty")

	_, err = svc.SubmitPlan("p", []models.TaskNode{{Provider: models.ProviderOllama}}, nil, nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "task id cannot be empty")

	bad := task("a")
	bad.Priority = "URGENT"
	_, err = svc.SubmitPlan("p", []models.TaskNode{bad}, nil, nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid priority")

	bad = task("a")
	bad.Provider = "skynet"
	_, err = svc.SubmitPlan("p", []models.TaskNode{bad}, nil, nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")

	_, err = svc.SubmitPlan("p", []models.TaskNode{task("a"), task("a")}, nil, nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate task id")
}

func TestSubmitPlan_DefaultsAndPersistence(t *testing.T) {
	store := storage.NewMockStore()
	svc := newService(t, store, service.NewEchoBackend(), testOptions())

	tasks := []models.TaskNode{task("a"), task("b")}
	executionID, err := svc.SubmitPlan("defaults", tasks, map[string][]string{"b": {"a"}},
		map[string]models.TaskPriority{"b": models.CriticalPriority})
	assert.NoError(t, err)
	assert.NotEmpty(t, executionID)

	plan, err := svc.GetPlan(executionID)
	assert.NoError(t, err)
	assert.Equal(t, "defaults", plan.Name)
	assert.Equal(t, models.PendingPlanStatus, plan.Status)
	assert.Len(t, plan.Tasks, 2)
	assert.Equal(t, []string{"a"}, plan.Dependencies["b"])

	for _, tk := range plan.Tasks {
		assert.Equal(t, models.PendingTaskStatus, tk.Status)
		assert.Greater(t, tk.EstimatedCost, 0.0)
		switch tk.ID {
		case "a":
			assert.Equal(t, models.MediumPriority, tk.Priority)
		case "b":
			assert.Equal(t, models.CriticalPriority, tk.Priority)
		}
	}

	plans, err := svc.ListPlans()
	assert.NoError(t, err)
	assert.Len(t, plans, 1)
}

func TestExecutePlan_DependencyOrder(t *testing.T) {
	store := storage.NewMockStore()
	backend := newRecordingBackend(nil)
	svc := newService(t, store, backend, testOptions())

	tasks := []models.TaskNode{task("fetch_a"), task("fetch_b"), task("merge"), task("report")}
	deps := map[string][]string{
		"merge":  {"fetch_a", "fetch_b"},
		"report": {"merge"},
	}
	executionID, err := svc.SubmitPlan("ordered", tasks, deps, nil)
	assert.NoError(t, err)

	results, err := svc.ExecutePlan(context.Background(), executionID, nil)
	assert.NoError(t, err)
	assert.Len(t, results, 4)
	for id, res := range results {
		assert.Equal(t, models.CompletedTaskStatus, res.Status, "task %s", id)
		assert.Equal(t, "ok:"+id, res.Output)
	}

	assert.Greater(t, backend.indexOf("merge"), backend.indexOf("fetch_a"))
	assert.Greater(t, backend.indexOf("merge"), backend.indexOf("fetch_b"))
	assert.Greater(t, backend.indexOf("report"), backend.indexOf("merge"))

	plan, err := svc.GetPlan(executionID)
	assert.NoError(t, err)
	assert.Equal(t, models.CompletedPlanStatus, plan.Status)
	for _, tk := range plan.Tasks {
		assert.Equal(t, models.CompletedTaskStatus, tk.Status)
	}
}

func TestExecutePlan_ArgumentsReachBackend(t *testing.T) {
	var got map[string]string
	var mu sync.Mutex
	backend := newRecordingBackend(func(ctx context.Context, tier models.Tier, payload service.Payload) (service.BackendResult, error) {
		if payload.TaskID == "with_args" {
			mu.Lock()
			got = payload.Arguments
			mu.Unlock()
		}
		return service.BackendResult{Success: true}, nil
	})
	svc := newService(t, storage.NewMockStore(), backend, testOptions())

	executionID, err := svc.SubmitPlan("args", []models.TaskNode{task("with_args")}, nil, nil)
	assert.NoError(t, err)
	_, err = svc.ExecutePlan(context.Background(), executionID, map[string]map[string]string{
		"with_args": {"path": "/tmp/in.txt"},
	})
	assert.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/tmp/in.txt", got["path"])
}

func TestExecutePlan_FailedDependencyBlocksDependents(t *testing.T) {
	store := storage.NewMockStore()
	backend := newRecordingBackend(func(ctx context.Context, tier models.Tier, payload service.Payload) (service.BackendResult, error) {
		if payload.TaskID == "broken" {
			return service.BackendResult{Success: false, Error: "backend exploded"}, nil
		}
		return service.BackendResult{Success: true}, nil
	})
	svc := newService(t, store, backend, testOptions())

	required := task("required")
	optionalDep := task("optional_dep")
	optionalDep.Optional = true

	tasks := []models.TaskNode{task("broken"), required, optionalDep}
	deps := map[string][]string{
		"required":     {"broken"},
		"optional_dep": {"broken"},
	}
	executionID, err := svc.SubmitPlan("blocked", tasks, deps, nil)
	assert.NoError(t, err)

	results, err := svc.ExecutePlan(context.Background(), executionID, nil)
	assert.NoError(t, err)

	assert.Equal(t, models.FailedTaskStatus, results["broken"].Status)
	assert.Contains(t, results["broken"].Error, "backend exploded")

	assert.Equal(t, models.BlockedTaskStatus, results["required"].Status)
	assert.Contains(t, results["required"].Error, "dependency 'broken' is FAILED")

	// An optional dependent is skipped instead of blocked.
	assert.Equal(t, models.SkippedTaskStatus, results["optional_dep"].Status)

	// Blocked and skipped tasks never reach the backend.
	assert.Equal(t, -1, backend.indexOf("required"))
	assert.Equal(t, -1, backend.indexOf("optional_dep"))

	plan, err := svc.GetPlan(executionID)
	assert.NoError(t, err)
	assert.Equal(t, models.FailedPlanStatus, plan.Status)
}

func TestExecutePlan_OptionalDependencyNeverBlocks(t *testing.T) {
	backend := newRecordingBackend(func(ctx context.Context, tier models.Tier, payload service.Payload) (service.BackendResult, error) {
		if payload.TaskID == "flaky_optional" {
			return service.BackendResult{Success: false, Error: "nope"}, nil
		}
		return service.BackendResult{Success: true}, nil
	})
	svc := newService(t, storage.NewMockStore(), backend, testOptions())

	opt := task("flaky_optional")
	opt.Optional = true
	tasks := []models.TaskNode{opt, task("dependent")}
	deps := map[string][]string{"dependent": {"flaky_optional"}}

	executionID, err := svc.SubmitPlan("optional-dep", tasks, deps, nil)
	assert.NoError(t, err)
	results, err := svc.ExecutePlan(context.Background(), executionID, nil)
	assert.NoError(t, err)

	assert.Equal(t, models.FailedTaskStatus, results["flaky_optional"].Status)
	assert.Equal(t, models.CompletedTaskStatus, results["dependent"].Status)

	// A failed optional task does not fail the plan.
	plan, err := svc.GetPlan(executionID)
	assert.NoError(t, err)
	assert.Equal(t, models.CompletedPlanStatus, plan.Status)
}

func TestExecutePlan_RetryPolicy(t *testing.T) {
	var mu sync.Mutex
	attempts := make(map[string]int)
	backend := newRecordingBackend(func(ctx context.Context, tier models.Tier, payload service.Payload) (service.BackendResult, error) {
		mu.Lock()
		attempts[payload.TaskID]++
		n := attempts[payload.TaskID]
		mu.Unlock()
		if n <= 2 {
			return service.BackendResult{}, errors.Errorf("transient %d", n)
		}
		return service.BackendResult{Success: true, Output: "recovered"}, nil
	})
	svc := newService(t, storage.NewMockStore(), backend, testOptions())

	critical := task("critical")
	low := task("low")
	tasks := []models.TaskNode{critical, low}
	priorities := map[string]models.TaskPriority{
		"critical": models.CriticalPriority,
		"low":      models.LowPriority,
	}

	executionID, err := svc.SubmitPlan("retries", tasks, nil, priorities)
	assert.NoError(t, err)
	results, err := svc.ExecutePlan(context.Background(), executionID, nil)
	assert.NoError(t, err)

	assert.Equal(t, models.CompletedTaskStatus, results["critical"].Status)
	assert.Equal(t, 2, results["critical"].Retries)
	assert.Equal(t, "recovered", results["critical"].Output)

	assert.Equal(t, models.FailedTaskStatus, results["low"].Status)
	assert.Equal(t, 0, results["low"].Retries)
	assert.Contains(t, results["low"].Error, "transient 1")
}

func TestExecutePlan_AdmissionDenied(t *testing.T) {
	flags := gate.NewFeatureFlags(gate.FeatureState{
		Providers: map[models.Provider]bool{models.ProviderOllama: true},
		// anthropic enabled nowhere, cloud routing off
	})
	admission := gate.NewGate(flags, nil, nil, nil, gate.Config{AutoApproveTrivial: true}, logger{})
	backend := newRecordingBackend(nil)
	p, err := pool.NewSlotPool([]pool.TierConfig{
		{Name: models.TierFast, MaxSlots: 2},
		{Name: models.TierCloud, MaxSlots: 2},
	}, nil, logger{})
	assert.NoError(t, err)
	svc := service.NewDispatchService(storage.NewMockStore(), p, admission, backend, logger{}, testOptions())

	cloud := task("cloud_call")
	cloud.Tier = models.TierCloud
	cloud.Provider = models.ProviderAnthropic
	tasks := []models.TaskNode{task("local"), cloud}

	executionID, err := svc.SubmitPlan("denied", tasks, nil, nil)
	assert.NoError(t, err)
	results, err := svc.ExecutePlan(context.Background(), executionID, nil)
	assert.NoError(t, err)

	assert.Equal(t, models.CompletedTaskStatus, results["local"].Status)
	assert.Equal(t, models.FailedTaskStatus, results["cloud_call"].Status)
	assert.Contains(t, results["cloud_call"].Error, "admission denied")
	assert.Contains(t, results["cloud_call"].Error, "cloud routing disabled")
	assert.Equal(t, -1, backend.indexOf("cloud_call"))
}

func TestExecutePlan_CyclicTasksForcedByDefault(t *testing.T) {
	backend := newRecordingBackend(nil)
	svc := newService(t, storage.NewMockStore(), backend, testOptions())

	tasks := []models.TaskNode{task("seed"), task("x"), task("y")}
	deps := map[string][]string{
		"x": {"seed", "y"},
		"y": {"x"},
	}
	executionID, err := svc.SubmitPlan("cycle-forced", tasks, deps, nil)
	assert.NoError(t, err)
	results, err := svc.ExecutePlan(context.Background(), executionID, nil)
	assert.NoError(t, err)

	// The cycle still runs, in one forced final batch.
	for _, id := range []string{"seed", "x", "y"} {
		assert.Equal(t, models.CompletedTaskStatus, results[id].Status, "task %s", id)
	}
	assert.Greater(t, backend.indexOf("x"), backend.indexOf("seed"))
	assert.Greater(t, backend.indexOf("y"), backend.indexOf("seed"))
}

func TestExecutePlan_FailCyclic(t *testing.T) {
	backend := newRecordingBackend(nil)
	opts := testOptions()
	opts.FailCyclic = true
	svc := newService(t, storage.NewMockStore(), backend, opts)

	downstream := task("downstream")
	optDownstream := task("opt_downstream")
	optDownstream.Optional = true
	tasks := []models.TaskNode{task("seed"), task("x"), task("y"), downstream, optDownstream}
	deps := map[string][]string{
		"x":              {"y"},
		"y":              {"x"},
		"downstream":     {"x"},
		"opt_downstream": {"y"},
	}
	executionID, err := svc.SubmitPlan("cycle-failed", tasks, deps, nil)
	assert.NoError(t, err)
	results, err := svc.ExecutePlan(context.Background(), executionID, nil)
	assert.NoError(t, err)

	assert.Equal(t, models.CompletedTaskStatus, results["seed"].Status)
	assert.Equal(t, models.FailedTaskStatus, results["x"].Status)
	assert.Contains(t, results["x"].Error, "dependency cycle")
	assert.Equal(t, models.FailedTaskStatus, results["y"].Status)
	assert.Equal(t, models.BlockedTaskStatus, results["downstream"].Status)
	assert.Equal(t, models.SkippedTaskStatus, results["opt_downstream"].Status)

	for _, id := range []string{"x", "y", "downstream", "opt_downstream"} {
		assert.Equal(t, -1, backend.indexOf(id), "task %s must not run", id)
	}
}

func TestExecutePlan_UnknownAndRepeatedExecution(t *testing.T) {
	svc := newService(t, storage.NewMockStore(), service.NewEchoBackend(), testOptions())

	_, err := svc.ExecutePlan(context.Background(), "missing", nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	executionID, err := svc.SubmitPlan("once", []models.TaskNode{task("a")}, nil, nil)
	assert.NoError(t, err)
	_, err = svc.ExecutePlan(context.Background(), executionID, nil)
	assert.NoError(t, err)
	_, err = svc.ExecutePlan(context.Background(), executionID, nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already started")
}

func TestGetStatus(t *testing.T) {
	svc := newService(t, storage.NewMockStore(), service.NewEchoBackend(), testOptions())

	executionID, err := svc.SubmitPlan("status", []models.TaskNode{task("a"), task("b")}, nil, nil)
	assert.NoError(t, err)

	report, err := svc.GetStatus()
	assert.NoError(t, err)
	assert.Equal(t, 2, report.TaskCounts[models.PendingTaskStatus])
	assert.Contains(t, report.Tiers, models.TierFast)
	assert.Equal(t, 0, report.Tiers[models.TierFast].Active)

	_, err = svc.ExecutePlan(context.Background(), executionID, nil)
	assert.NoError(t, err)

	report, err = svc.GetStatus()
	assert.NoError(t, err)
	assert.Equal(t, 2, report.TaskCounts[models.CompletedTaskStatus])
	assert.Equal(t, 0, report.Tiers[models.TierFast].Active)
	assert.NotEmpty(t, report.RecentLogs)
}

func TestExecutePlan_BudgetTracking(t *testing.T) {
	big := strings.Repeat("x", 4096)
	backend := newRecordingBackend(func(ctx context.Context, tier models.Tier, payload service.Payload) (service.BackendResult, error) {
		if payload.TaskID == "chatty" {
			return service.BackendResult{Success: true, Output: big}, nil
		}
		return service.BackendResult{Success: true, Output: "ok"}, nil
	})
	svc := newService(t, storage.NewMockStore(), backend, testOptions())

	executionID, err := svc.SubmitPlan("budget", []models.TaskNode{task("chatty"), task("terse")}, nil, nil)
	assert.NoError(t, err)

	// Submission allocates a unit budget per task, nothing consumed yet.
	report, err := svc.GetStatus()
	assert.NoError(t, err)
	assert.True(t, report.BudgetOK)
	assert.Len(t, report.Budget, 2)
	for _, a := range report.Budget {
		assert.Greater(t, a.Allocated, 0)
		assert.Equal(t, 0, a.Actual)
	}

	_, err = svc.ExecutePlan(context.Background(), executionID, nil)
	assert.NoError(t, err)

	report, err = svc.GetStatus()
	assert.NoError(t, err)
	assert.False(t, report.BudgetOK)
	byTask := make(map[string]models.BudgetAllocation, len(report.Budget))
	for _, a := range report.Budget {
		assert.True(t, strings.HasPrefix(a.Component, executionID+"/"))
		byTask[strings.TrimPrefix(a.Component, executionID+"/")] = a
	}
	assert.True(t, byTask["chatty"].Overflow)
	assert.Greater(t, byTask["chatty"].Actual, byTask["chatty"].Allocated)
	assert.False(t, byTask["terse"].Overflow)
	assert.Greater(t, byTask["terse"].Actual, 0)
}

func TestExecutePlan_SlotsReleasedAfterRun(t *testing.T) {
	p, err := pool.NewSlotPool([]pool.TierConfig{
		{Name: models.TierFast, MaxSlots: 2},
	}, nil, logger{})
	assert.NoError(t, err)
	svc := service.NewDispatchService(storage.NewMockStore(), p, permissiveGate(), service.NewEchoBackend(), logger{}, testOptions())

	tasks := []models.TaskNode{task("a"), task("b"), task("c"), task("d")}
	executionID, err := svc.SubmitPlan("release", tasks, nil, nil)
	assert.NoError(t, err)
	results, err := svc.ExecutePlan(context.Background(), executionID, nil)
	assert.NoError(t, err)
	for id, res := range results {
		assert.Equal(t, models.CompletedTaskStatus, res.Status, "task %s", id)
	}
	assert.Equal(t, 0, p.TotalActive())
}

func TestTaskService_Lifecycle(t *testing.T) {
	store := storage.NewMockStore()
	ts := service.NewTaskService(store, logger{})

	tk := task("persisted")
	tk.PlanID = 1
	assert.NoError(t, ts.SaveTask(tk))
	assert.Error(t, ts.SaveTask(tk), "duplicate save must fail")

	assert.NoError(t, ts.UpdateTaskStatus("persisted", 1, models.RunningTaskStatus, ""))
	got, err := store.GetTask("persisted", 1)
	assert.NoError(t, err)
	assert.Equal(t, models.RunningTaskStatus, got.Status)

	tk.Status = models.CompletedTaskStatus
	tk.Result = "done"
	assert.NoError(t, ts.UpdateTaskResult(tk))
	got, err = store.GetTask("persisted", 1)
	assert.NoError(t, err)
	assert.Equal(t, models.CompletedTaskStatus, got.Status)
	assert.Equal(t, "done", got.Result)

	ts.AppendLog(models.ExecutionLog{TaskID: "persisted", PlanID: 1, Status: "COMPLETED"})
	logs, err := store.RecentExecutionLogs(10)
	assert.NoError(t, err)
	assert.Len(t, logs, 1)
}
