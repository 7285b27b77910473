package adapter

import (
	"context"
	"time"
)

// Notification types published to UI layers.
const (
	NotifyProactiveTaskCreated = "proactive_task_created"
	NotifyTaskCompleted        = "task_completed"
	NotifyTaskFailed           = "task_failed"
)

// Notification tells UI layers about something the agent did without a direct request.
type Notification struct {
	UserID  string         `json:"user_id"`
	Type    string         `json:"type"`
	TaskID  string         `json:"task_id,omitempty"`
	Message string         `json:"message"`
	Payload map[string]any `json:"payload,omitempty"`
	At      time.Time      `json:"at"`
}

type Notifier interface {
	Publish(ctx context.Context, n Notification) error
}
