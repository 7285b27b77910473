package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"advisor-agent/internal/domain"
	"advisor-agent/internal/domain/model"
	"advisor-agent/internal/domain/ports/repository"
)

var _ repository.InstructionRepository = (*instructionRepo)(nil)

type instructionRepo struct {
	pool *pgxpool.Pool
}

func NewInstructionRepo(pool *pgxpool.Pool) *instructionRepo {
	return &instructionRepo{pool: pool}
}

const instructionColumns = `id, user_id, text, active, trigger_events, priority, created_at, updated_at`

func (r *instructionRepo) Save(ctx context.Context, tx repository.Tx, ins *model.Instruction) error {
	ins.UpdatedAt = time.Now()
	const q = `
INSERT INTO instructions (` + instructionColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET
  text = EXCLUDED.text,
  active = EXCLUDED.active,
  trigger_events = EXCLUDED.trigger_events,
  priority = EXCLUDED.priority,
  updated_at = EXCLUDED.updated_at;`
	_, err := execSQL(ctx, r.pool, tx, q,
		ins.ID, ins.UserID, ins.Text, ins.Active, ins.TriggerEvents, ins.Priority, ins.CreatedAt, ins.UpdatedAt)
	return err
}

func (r *instructionRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Instruction, error) {
	row, err := pickRow(ctx, r.pool, tx, `SELECT `+instructionColumns+` FROM instructions WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	return scanInstruction(row)
}

func (r *instructionRepo) ListActive(ctx context.Context, tx repository.Tx, userID string) ([]*model.Instruction, error) {
	rows, err := queryRows(ctx, r.pool, tx, `
SELECT `+instructionColumns+`
FROM instructions
WHERE user_id = $1 AND active
ORDER BY priority DESC, created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Instruction
	for rows.Next() {
		ins, err := scanInstruction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ins)
	}
	return out, rows.Err()
}

func (r *instructionRepo) Deactivate(ctx context.Context, tx repository.Tx, id string) error {
	tag, err := execSQL(ctx, r.pool, tx,
		`UPDATE instructions SET active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanInstruction(row pgx.Row) (*model.Instruction, error) {
	var ins model.Instruction
	err := row.Scan(&ins.ID, &ins.UserID, &ins.Text, &ins.Active, &ins.TriggerEvents, &ins.Priority, &ins.CreatedAt, &ins.UpdatedAt)
	if err != nil {
		if err = scanErr(err); err == domain.ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrReadDatabaseRow, err)
	}
	return &ins, nil
}
