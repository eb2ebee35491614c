package models

import "time"

type TaskStatus string

const (
	PendingTaskStatus   TaskStatus = "PENDING"
	RunningTaskStatus   TaskStatus = "RUNNING"
	CompletedTaskStatus TaskStatus = "COMPLETED"
	FailedTaskStatus    TaskStatus = "FAILED"
	BlockedTaskStatus   TaskStatus = "BLOCKED"
	SkippedTaskStatus   TaskStatus = "SKIPPED"
)

// Terminal reports whether a task in this status can no longer change.
func (s TaskStatus) Terminal() bool {
	switch s {
	case CompletedTaskStatus, FailedTaskStatus, BlockedTaskStatus, SkippedTaskStatus:
		return true
	default:
		return false
	}
}

type TaskPriority string

const (
	CriticalPriority TaskPriority = "CRITICAL"
	HighPriority     TaskPriority = "HIGH"
	MediumPriority   TaskPriority = "MEDIUM"
	LowPriority      TaskPriority = "LOW"
)

// Valid returns true if the priority is a known value.
func (p TaskPriority) Valid() bool {
	switch p {
	case CriticalPriority, HighPriority, MediumPriority, LowPriority:
		return true
	default:
		return false
	}
}

// TaskNode represents a single unit of work in a dispatch plan.
type TaskNode struct {
	ID            string       `json:"id" db:"id"`                             // Unique identifier within a plan (e.g. "capture_photo")
	PlanID        int64        `json:"plan_id" db:"plan_id"`                   // Foreign key to Plan
	Description   string       `json:"description" db:"description"`           // Human-readable description of the work
	Tier          Tier         `json:"tier" db:"tier"`                         // Compute tier the task is assigned to
	Provider      Provider     `json:"provider" db:"provider"`                 // Backend provider the task will call
	Priority      TaskPriority `json:"priority" db:"priority"`                 // Drives the retry budget
	Optional      bool         `json:"optional" db:"optional"`                 // May be skipped without failing the plan
	Status        TaskStatus   `json:"status" db:"status"`                     // Current lifecycle state
	EstimatedCost float64      `json:"estimated_cost" db:"estimated_cost"`     // Estimated spend, used by the admission gate
	Result        string       `json:"result,omitempty" db:"result"`           // Output payload once completed
	ErrorMsg      string       `json:"error,omitempty" db:"error_msg"`         // Last error message (optional)
	Retries       int          `json:"retries" db:"retries"`                   // Retries actually used
	LatencyMs     int64        `json:"latency_ms" db:"latency_ms"`             // Wall-clock execution time
	StartedAt     *time.Time   `json:"started_at,omitempty" db:"started_at"`   // Nullable start time
	FinishedAt    *time.Time   `json:"finished_at,omitempty" db:"finished_at"` // Nullable end time
	Dependencies  []string     `json:"dependencies,omitempty" db:"-"`          // Task IDs this task depends on
}

// TaskResult is the per-task entry of the final execution report.
type TaskResult struct {
	Status    TaskStatus `json:"status"`
	Output    string     `json:"output,omitempty"`
	Error     string     `json:"error,omitempty"`
	LatencyMs int64      `json:"latency_ms"`
	Retries   int        `json:"retries"`
}
