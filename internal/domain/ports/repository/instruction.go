package repository

import (
	"context"

	"advisor-agent/internal/domain/model"
)

// -----------------------------
// Ongoing instructions
// -----------------------------

type InstructionRepository interface {
	Save(ctx context.Context, tx Tx, ins *model.Instruction) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Instruction, error)
	// ListActive returns active instructions ordered by priority desc, then creation.
	ListActive(ctx context.Context, tx Tx, userID string) ([]*model.Instruction, error)
	Deactivate(ctx context.Context, tx Tx, id string) error
}
