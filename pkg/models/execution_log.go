package models

import "time"

// ExecutionLog tracks the history of task attempts for auditing.
type ExecutionLog struct {
	ID       int64     `json:"id" db:"id"`                     // Auto-incremented log ID
	TaskID   string    `json:"task_id" db:"task_id"`           // Task being logged
	PlanID   int64     `json:"plan_id" db:"plan_id"`           // Parent plan
	Status   string    `json:"status" db:"status"`             // Status at this point
	Message  string    `json:"message,omitempty" db:"message"` // Details (e.g., error or success note)
	Attempt  int       `json:"attempt" db:"attempt"`           // 1-based attempt number, 0 when not attempt-scoped
	LoggedAt time.Time `json:"logged_at" db:"logged_at"`       // Timestamp of log entry
}
