package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"advisor-agent/internal/domain"
)

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

type TaskType string

const (
	TaskTypeEmail    TaskType = "email"
	TaskTypeCalendar TaskType = "calendar"
	TaskTypeCRM      TaskType = "crm"
	TaskTypeFollowUp TaskType = "follow_up"
)

func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeEmail, TaskTypeCalendar, TaskTypeCRM, TaskTypeFollowUp:
		return true
	}
	return false
}

// Task is a durable unit of deferred work. Terminal tasks are kept as an audit trail.
type Task struct {
	ID           string
	UserID       string
	Title        string
	Description  string
	Status       TaskStatus
	Type         TaskType
	Parameters   map[string]any
	Result       string
	Error        string
	Attempts     int
	ScheduledFor *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewTask builds a pending task.
func NewTask(userID, title, description string, typ TaskType, params map[string]any) (*Task, error) {
	if userID == "" || title == "" {
		return nil, domain.ErrInvalidArgument
	}
	if !typ.Valid() {
		return nil, fmt.Errorf("task type %q: %w", typ, domain.ErrInvalidArgument)
	}
	if params == nil {
		params = map[string]any{}
	}
	now := time.Now()
	return &Task{
		ID:          uuid.NewString(),
		UserID:      userID,
		Title:       title,
		Description: description,
		Status:      TaskStatusPending,
		Type:        typ,
		Parameters:  params,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (t *Task) Terminal() bool {
	return t.Status == TaskStatusCompleted || t.Status == TaskStatusFailed
}

// Due reports whether the task may run at now.
func (t *Task) Due(now time.Time) bool {
	return t.ScheduledFor == nil || !t.ScheduledFor.After(now)
}

func (t *Task) Start() error {
	if t.Status != TaskStatusPending {
		return fmt.Errorf("start %s task: %w", t.Status, domain.ErrInvalidTransition)
	}
	t.Status = TaskStatusInProgress
	t.Attempts++
	t.UpdatedAt = time.Now()
	return nil
}

func (t *Task) Complete(result string) error {
	if t.Status != TaskStatusInProgress {
		return fmt.Errorf("complete %s task: %w", t.Status, domain.ErrInvalidTransition)
	}
	now := time.Now()
	t.Status = TaskStatusCompleted
	t.Result = result
	t.Error = ""
	t.CompletedAt = &now
	t.UpdatedAt = now
	return nil
}

func (t *Task) Fail(reason string) error {
	if t.Status != TaskStatusInProgress {
		return fmt.Errorf("fail %s task: %w", t.Status, domain.ErrInvalidTransition)
	}
	now := time.Now()
	t.Status = TaskStatusFailed
	t.Error = reason
	t.CompletedAt = &now
	t.UpdatedAt = now
	return nil
}

// Requeue moves an in-progress task back to pending, keeping the reason of the last attempt.
func (t *Task) Requeue(reason string) error {
	if t.Status != TaskStatusInProgress {
		return fmt.Errorf("requeue %s task: %w", t.Status, domain.ErrInvalidTransition)
	}
	t.Status = TaskStatusPending
	t.Error = reason
	t.UpdatedAt = time.Now()
	return nil
}

// StringParam returns a string parameter or "".
func (t *Task) StringParam(key string) string {
	if v, ok := t.Parameters[key].(string); ok {
		return v
	}
	return ""
}
