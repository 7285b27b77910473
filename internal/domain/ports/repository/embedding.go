package repository

import (
	"context"

	"advisor-agent/internal/domain/model"
)

// -----------------------------
// Embedded documents
// -----------------------------

type EmbeddingRepository interface {
	Save(ctx context.Context, tx Tx, rec *model.EmbeddingRecord) error
	// SearchSimilar returns the user's rows with a non-null embedding whose cosine distance to
	// vec is below maxDistance, nearest first, at most limit rows.
	SearchSimilar(ctx context.Context, userID string, corpus model.Corpus, vec []float32, maxDistance float64, limit int) ([]model.ScoredRecord, error)
	// SearchText matches any of terms case-insensitively against content, title and author,
	// newest first, at most limit rows.
	SearchText(ctx context.Context, userID string, corpus model.Corpus, terms []string, limit int) ([]model.ScoredRecord, error)
	CountByUser(ctx context.Context, userID string, corpus model.Corpus) (int, error)
}
