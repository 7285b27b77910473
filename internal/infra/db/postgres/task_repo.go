package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"advisor-agent/internal/domain"
	"advisor-agent/internal/domain/model"
	"advisor-agent/internal/domain/ports/repository"
)

var _ repository.TaskRepository = (*taskRepo)(nil)

type taskRepo struct {
	pool *pgxpool.Pool
}

func NewTaskRepo(pool *pgxpool.Pool) *taskRepo {
	return &taskRepo{pool: pool}
}

const taskColumns = `id, user_id, title, description, status, type, parameters, result, error,
  attempts, scheduled_for, completed_at, created_at, updated_at`

func (r *taskRepo) Save(ctx context.Context, tx repository.Tx, t *model.Task) error {
	params, err := json.Marshal(t.Parameters)
	if err != nil {
		return fmt.Errorf("%w: task parameters: %v", domain.ErrInvalidArgument, err)
	}
	t.UpdatedAt = time.Now()

	const q = `
INSERT INTO tasks (` + taskColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (id) DO UPDATE SET
  title = EXCLUDED.title,
  description = EXCLUDED.description,
  status = EXCLUDED.status,
  parameters = EXCLUDED.parameters,
  result = EXCLUDED.result,
  error = EXCLUDED.error,
  attempts = EXCLUDED.attempts,
  scheduled_for = EXCLUDED.scheduled_for,
  completed_at = EXCLUDED.completed_at,
  updated_at = EXCLUDED.updated_at;`

	_, err = execSQL(ctx, r.pool, tx, q,
		t.ID, t.UserID, t.Title, t.Description, string(t.Status), string(t.Type), params, t.Result, t.Error,
		t.Attempts, t.ScheduledFor, t.CompletedAt, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r *taskRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Task, error) {
	row, err := pickRow(ctx, r.pool, tx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	return scanTask(row)
}

func (r *taskRepo) ListByStatus(ctx context.Context, tx repository.Tx, userID string, statuses ...model.TaskStatus) ([]*model.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE user_id = $1`
	args := []interface{}{userID}
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, s := range statuses {
			names[i] = string(s)
		}
		q += ` AND status = ANY($2)`
		args = append(args, names)
	}
	q += ` ORDER BY created_at, id`

	rows, err := queryRows(ctx, r.pool, tx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(row pgx.Row) (*model.Task, error) {
	var (
		t              model.Task
		status, typ    string
		params         []byte
		scheduled, fin *time.Time
	)
	err := row.Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &status, &typ, &params, &t.Result, &t.Error,
		&t.Attempts, &scheduled, &fin, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if err = scanErr(err); err == domain.ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrReadDatabaseRow, err)
	}
	t.Status = model.TaskStatus(status)
	t.Type = model.TaskType(typ)
	t.ScheduledFor, t.CompletedAt = scheduled, fin
	t.Parameters = map[string]any{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &t.Parameters); err != nil {
			return nil, fmt.Errorf("%w: task parameters: %v", domain.ErrReadDatabaseRow, err)
		}
	}
	return &t, nil
}
