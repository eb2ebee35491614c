package storage

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/Jmi2020/KITT-sub004/pkg/models"
)

// mockStore implements Store with in-memory storage. Transactions are
// advisory: Begin hands back the same instance and Commit/Rollback only
// track state, which is enough for the service-layer tests.
type mockStore struct {
	mu        sync.Mutex
	plans     []models.Plan
	tasks     []models.TaskNode
	deps      []models.Dependency
	logs      []models.ExecutionLog
	nextID    int64
	nextLogID int64
}

func NewMockStore() Store {
	return &mockStore{}
}

func (m *mockStore) Begin() (Store, error) {
	return m, nil
}

func (m *mockStore) Commit() error {
	return nil
}

func (m *mockStore) Rollback() error {
	return nil
}

func (m *mockStore) Close() error {
	return nil
}

func (m *mockStore) SavePlan(p models.Plan) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	p.ID = m.nextID
	m.plans = append(m.plans, p)
	return p.ID, nil
}

func (m *mockStore) GetPlan(id int64) (models.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.plans {
		if p.ID == id {
			return m.hydrate(p), nil
		}
	}
	return models.Plan{}, errors.Wrapf(ErrNotFound, "plan %d", id)
}

func (m *mockStore) GetPlanByExecutionID(executionID string) (models.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.plans {
		if p.ExecutionID == executionID {
			return m.hydrate(p), nil
		}
	}
	return models.Plan{}, errors.Wrapf(ErrNotFound, "plan '%s'", executionID)
}

// hydrate attaches tasks and dependencies; callers hold the lock.
func (m *mockStore) hydrate(p models.Plan) models.Plan {
	for _, t := range m.tasks {
		if t.PlanID == p.ID {
			p.Tasks = append(p.Tasks, t)
		}
	}
	p.Dependencies = make(map[string][]string)
	for _, d := range m.deps {
		if d.PlanID == p.ID {
			p.Dependencies[d.TaskID] = append(p.Dependencies[d.TaskID], d.DependsOn)
		}
	}
	return p
}

func (m *mockStore) ListPlans() ([]models.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Plan, len(m.plans))
	copy(out, m.plans)
	return out, nil
}

func (m *mockStore) UpdatePlanStatus(id int64, status models.PlanStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.plans {
		if p.ID == id {
			m.plans[i].Status = status
			m.plans[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return errors.Wrapf(ErrNotFound, "plan %d", id)
}

func (m *mockStore) SaveTask(t models.TaskNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.tasks {
		if existing.ID == t.ID && existing.PlanID == t.PlanID {
			return errors.Errorf("task '%s' already exists in plan %d", t.ID, t.PlanID)
		}
	}
	m.tasks = append(m.tasks, t)
	return nil
}

func (m *mockStore) GetTask(id string, planID int64) (models.TaskNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.ID == id && t.PlanID == planID {
			return t, nil
		}
	}
	return models.TaskNode{}, errors.Wrapf(ErrNotFound, "task '%s' in plan %d", id, planID)
}

func (m *mockStore) UpdateTaskStatus(id string, planID int64, status models.TaskStatus, errorMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.tasks {
		if t.ID == id && t.PlanID == planID {
			m.tasks[i].Status = status
			m.tasks[i].ErrorMsg = errorMsg
			return nil
		}
	}
	return errors.Wrapf(ErrNotFound, "task '%s' in plan %d", id, planID)
}

func (m *mockStore) UpdateTaskResult(t models.TaskNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.tasks {
		if existing.ID == t.ID && existing.PlanID == t.PlanID {
			m.tasks[i] = t
			return nil
		}
	}
	return errors.Wrapf(ErrNotFound, "task '%s' in plan %d", t.ID, t.PlanID)
}

func (m *mockStore) SaveDependency(d models.Dependency) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.deps {
		if existing.TaskID == d.TaskID && existing.DependsOn == d.DependsOn && existing.PlanID == d.PlanID {
			return errors.New("dependency already exists")
		}
	}
	m.deps = append(m.deps, d)
	return nil
}

func (m *mockStore) GetDependencies(planID int64) ([]models.Dependency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deps []models.Dependency
	for _, d := range m.deps {
		if d.PlanID == planID {
			deps = append(deps, d)
		}
	}
	return deps, nil
}

func (m *mockStore) AppendExecutionLog(e models.ExecutionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLogID++
	e.ID = m.nextLogID
	if e.LoggedAt.IsZero() {
		e.LoggedAt = time.Now()
	}
	m.logs = append(m.logs, e)
	return nil
}

func (m *mockStore) RecentExecutionLogs(limit int) ([]models.ExecutionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.logs) {
		limit = len(m.logs)
	}
	// Newest first, matching the Postgres store's ordering.
	out := make([]models.ExecutionLog, limit)
	for i := 0; i < limit; i++ {
		out[i] = m.logs[len(m.logs)-1-i]
	}
	return out, nil
}
