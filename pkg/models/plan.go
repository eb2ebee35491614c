package models

import "time"

type PlanStatus string

const (
	PendingPlanStatus   PlanStatus = "PENDING"
	RunningPlanStatus   PlanStatus = "RUNNING"
	CompletedPlanStatus PlanStatus = "COMPLETED"
	FailedPlanStatus    PlanStatus = "FAILED"
)

// Plan represents a submitted collection of tasks and their dependencies.
type Plan struct {
	ID           int64               `json:"id" db:"id"`                     // Unique identifier (PostgreSQL auto-increment)
	ExecutionID  string              `json:"execution_id" db:"execution_id"` // UUID handed back to the caller on submit
	Name         string              `json:"name" db:"name"`                 // Descriptive name (e.g. "print-request")
	Status       PlanStatus          `json:"status" db:"status"`
	CreatedAt    time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at" db:"updated_at"`
	Tasks        []TaskNode          `json:"tasks,omitempty"`        // Populated at runtime
	Dependencies map[string][]string `json:"dependencies,omitempty"` // Task ID -> prerequisite task IDs
}

// Dependency defines a relationship where one task depends on another.
type Dependency struct {
	TaskID    string `json:"task_id" db:"task_id"`       // Task that depends on another
	DependsOn string `json:"depends_on" db:"depends_on"` // Prerequisite task
	PlanID    int64  `json:"plan_id" db:"plan_id"`       // Foreign key to Plan
}
