package service

import (
	"fmt"

	"github.com/Jmi2020/KITT-sub004/pkg/models"
	"github.com/Jmi2020/KITT-sub004/pkg/storage"
)

// TaskService wraps per-task persistence in short transactions so the
// executor never holds a transaction across a backend call.
type TaskService struct {
	store  storage.Store
	logger Logger
}

func NewTaskService(store storage.Store, logger Logger) *TaskService {
	return &TaskService{store: store, logger: logger}
}

func (ts *TaskService) SaveTask(task models.TaskNode) (err error) {
	txStore, err := ts.store.Begin()
	if err != nil {
		ts.logger.Errorf("Failed to begin transaction for SaveTask: %v", err)
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				ts.logger.Errorf("Failed to rollback: %v", rollbackErr)
			}
		} else {
			if commitErr := txStore.Commit(); commitErr != nil {
				ts.logger.Errorf("Failed to commit: %v", commitErr)
				err = commitErr
			}
		}
	}()

	if err = txStore.SaveTask(task); err != nil {
		ts.logger.Errorf("Failed to save task %s: %v", task.ID, err)
		return fmt.Errorf("failed to save task %s: %v", task.ID, err)
	}
	return nil
}

func (ts *TaskService) UpdateTaskStatus(taskID string, planID int64, status models.TaskStatus, errMsg string) (err error) {
	txStore, err := ts.store.Begin()
	if err != nil {
		ts.logger.Errorf("Failed to begin transaction for UpdateTaskStatus: %v", err)
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				ts.logger.Errorf("Failed to rollback: %v", rollbackErr)
			}
		} else {
			if commitErr := txStore.Commit(); commitErr != nil {
				ts.logger.Errorf("Failed to commit: %v", commitErr)
				err = commitErr
			}
		}
	}()

	if err = txStore.UpdateTaskStatus(taskID, planID, status, errMsg); err != nil {
		ts.logger.Errorf("Failed to update task %s status to %s: %v", taskID, status, err)
		return fmt.Errorf("failed to update task %s status: %v", taskID, err)
	}
	return nil
}

func (ts *TaskService) UpdateTaskResult(task models.TaskNode) (err error) {
	txStore, err := ts.store.Begin()
	if err != nil {
		ts.logger.Errorf("Failed to begin transaction for UpdateTaskResult: %v", err)
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				ts.logger.Errorf("Failed to rollback: %v", rollbackErr)
			}
		} else {
			if commitErr := txStore.Commit(); commitErr != nil {
				ts.logger.Errorf("Failed to commit: %v", commitErr)
				err = commitErr
			}
		}
	}()

	if err = txStore.UpdateTaskResult(task); err != nil {
		ts.logger.Errorf("Failed to record result for task %s: %v", task.ID, err)
		return fmt.Errorf("failed to record result for task %s: %v", task.ID, err)
	}
	return nil
}

// AppendLog writes one execution log entry. Log failures are reported
// to the logger but never fail the task.
func (ts *TaskService) AppendLog(entry models.ExecutionLog) {
	if err := ts.store.AppendExecutionLog(entry); err != nil {
		ts.logger.Errorf("Failed to append execution log for task %s: %v", entry.TaskID, err)
	}
}
