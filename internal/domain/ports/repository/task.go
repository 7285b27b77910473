package repository

import (
	"context"

	"advisor-agent/internal/domain/model"
)

// -----------------------------
// Tasks
// -----------------------------

type TaskRepository interface {
	Save(ctx context.Context, tx Tx, task *model.Task) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Task, error)
	// ListByStatus returns the user's tasks in the given statuses, oldest first.
	ListByStatus(ctx context.Context, tx Tx, userID string, statuses ...model.TaskStatus) ([]*model.Task, error)
}
