package storage

import (
	"github.com/pkg/errors"

	"github.com/Jmi2020/KITT-sub004/pkg/models"
)

// ErrNotFound is returned when a plan or task does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the persistence operations for the dispatch core.
type Store interface {
	// Transaction control. Begin returns a transaction-scoped Store.
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Plan operations
	SavePlan(p models.Plan) (int64, error)
	GetPlan(id int64) (models.Plan, error)
	GetPlanByExecutionID(executionID string) (models.Plan, error)
	ListPlans() ([]models.Plan, error)
	UpdatePlanStatus(id int64, status models.PlanStatus) error

	// Task operations
	SaveTask(t models.TaskNode) error
	GetTask(id string, planID int64) (models.TaskNode, error)
	UpdateTaskStatus(id string, planID int64, status models.TaskStatus, errorMsg string) error
	UpdateTaskResult(t models.TaskNode) error

	// Dependency operations
	SaveDependency(d models.Dependency) error
	GetDependencies(planID int64) ([]models.Dependency, error)

	// Execution log operations
	AppendExecutionLog(e models.ExecutionLog) error
	// RecentExecutionLogs returns the latest entries, newest first.
	RecentExecutionLogs(limit int) ([]models.ExecutionLog, error)
}
