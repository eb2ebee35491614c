package storage

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/Jmi2020/KITT-sub004/pkg/models"
	"github.com/Jmi2020/KITT-sub004/pkg/storage"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// SavePlan creates a new plan and returns its ID (no tasks/deps)
func (s *PostgresStore) SavePlan(p models.Plan) (int64, error) {
	var planID int64
	err := s.db.QueryRowx("INSERT INTO plans (execution_id, name, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5) RETURNING id",
		p.ExecutionID, p.Name, p.Status, p.CreatedAt, p.UpdatedAt).Scan(&planID)
	if err != nil {
		return 0, fmt.Errorf("save plan: %w", err)
	}
	return planID, nil
}

// GetPlan retrieves a plan by ID, including tasks and dependencies
func (s *PostgresStore) GetPlan(id int64) (models.Plan, error) {
	var p models.Plan
	err := s.db.Get(&p, "SELECT id, execution_id, name, status, created_at, updated_at FROM plans WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Plan{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Plan{}, err
	}
	return s.hydratePlan(p)
}

// GetPlanByExecutionID retrieves a plan by its execution UUID
func (s *PostgresStore) GetPlanByExecutionID(executionID string) (models.Plan, error) {
	var p models.Plan
	err := s.db.Get(&p, "SELECT id, execution_id, name, status, created_at, updated_at FROM plans WHERE execution_id = $1", executionID)
	if err == sql.ErrNoRows {
		return models.Plan{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Plan{}, err
	}
	return s.hydratePlan(p)
}

func (s *PostgresStore) hydratePlan(p models.Plan) (models.Plan, error) {
	err := s.db.Select(&p.Tasks, "SELECT * FROM tasks WHERE plan_id = $1 ORDER BY id", p.ID)
	if err != nil {
		return models.Plan{}, fmt.Errorf("get plan %d tasks: %w", p.ID, err)
	}

	var deps []models.Dependency
	err = s.db.Select(&deps, "SELECT task_id, depends_on, plan_id FROM dependencies WHERE plan_id = $1", p.ID)
	if err != nil {
		return models.Plan{}, err
	}
	p.Dependencies = make(map[string][]string)
	for _, dep := range deps {
		p.Dependencies[dep.TaskID] = append(p.Dependencies[dep.TaskID], dep.DependsOn)
	}
	return p, nil
}

func (s *PostgresStore) ListPlans() ([]models.Plan, error) {
	plans := []models.Plan{}
	query := "SELECT id, execution_id, name, status, created_at, updated_at FROM plans ORDER BY created_at DESC"
	err := s.db.Select(&plans, query)
	if err != nil {
		return nil, err
	}
	return plans, nil
}

// UpdatePlanStatus updates the status of a plan
func (s *PostgresStore) UpdatePlanStatus(id int64, status models.PlanStatus) error {
	_, err := s.db.Exec("UPDATE plans SET status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2", status, id)
	if err != nil {
		return fmt.Errorf("update plan %d status: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) SaveTask(t models.TaskNode) error {
	_, err := s.db.Exec(`INSERT INTO tasks
		(id, plan_id, description, tier, provider, priority, optional, status, estimated_cost, result, error_msg, retries, latency_ms, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		t.ID, t.PlanID, t.Description, t.Tier, t.Provider, t.Priority, t.Optional, t.Status,
		t.EstimatedCost, t.Result, t.ErrorMsg, t.Retries, t.LatencyMs, t.StartedAt, t.FinishedAt)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetTask(id string, planID int64) (models.TaskNode, error) {
	var t models.TaskNode
	err := s.db.Get(&t, "SELECT * FROM tasks WHERE id = $1 AND plan_id = $2", id, planID)
	if err == sql.ErrNoRows {
		return models.TaskNode{}, storage.ErrNotFound
	}
	if err != nil {
		return models.TaskNode{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

func (s *PostgresStore) UpdateTaskStatus(id string, planID int64, status models.TaskStatus, errorMsg string) error {
	_, err := s.db.Exec("UPDATE tasks SET status = $1, error_msg = $2 WHERE id = $3 AND plan_id = $4",
		status, errorMsg, id, planID)
	if err != nil {
		return fmt.Errorf("update task %s status: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) UpdateTaskResult(t models.TaskNode) error {
	_, err := s.db.Exec(`UPDATE tasks SET
		status = $1, result = $2, error_msg = $3, retries = $4, latency_ms = $5, started_at = $6, finished_at = $7
		WHERE id = $8 AND plan_id = $9`,
		t.Status, t.Result, t.ErrorMsg, t.Retries, t.LatencyMs, t.StartedAt, t.FinishedAt, t.ID, t.PlanID)
	if err != nil {
		return fmt.Errorf("update task %s result: %w", t.ID, err)
	}
	return nil
}

func (s *PostgresStore) SaveDependency(d models.Dependency) error {
	_, err := s.db.Exec("INSERT INTO dependencies (task_id, depends_on, plan_id) VALUES ($1, $2, $3)",
		d.TaskID, d.DependsOn, d.PlanID)
	if err != nil {
		return fmt.Errorf("save dependency %s->%s: %w", d.TaskID, d.DependsOn, err)
	}
	return nil
}

func (s *PostgresStore) GetDependencies(planID int64) ([]models.Dependency, error) {
	var deps []models.Dependency
	err := s.db.Select(&deps, "SELECT task_id, depends_on, plan_id FROM dependencies WHERE plan_id = $1", planID)
	if err != nil {
		return nil, err
	}
	return deps, nil
}

func (s *PostgresStore) AppendExecutionLog(e models.ExecutionLog) error {
	_, err := s.db.Exec("INSERT INTO execution_logs (task_id, plan_id, status, message, attempt, logged_at) VALUES ($1, $2, $3, $4, $5, $6)",
		e.TaskID, e.PlanID, e.Status, e.Message, e.Attempt, e.LoggedAt)
	if err != nil {
		return fmt.Errorf("append execution log for task %s: %w", e.TaskID, err)
	}
	return nil
}

func (s *PostgresStore) RecentExecutionLogs(limit int) ([]models.ExecutionLog, error) {
	if limit <= 0 {
		limit = 20
	}
	var logs []models.ExecutionLog
	err := s.db.Select(&logs, "SELECT * FROM execution_logs ORDER BY logged_at DESC, id DESC LIMIT $1", limit)
	if err != nil {
		return nil, err
	}
	return logs, nil
}
