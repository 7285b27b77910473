package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"advisor-agent/internal/domain"
	"advisor-agent/internal/domain/model"
	"advisor-agent/internal/domain/ports/repository"
)

var _ repository.EmbeddingRepository = (*embeddingRepo)(nil)

// embeddingRepo stores documents with pgvector embeddings. The vector length
// of a corpus is pinned by its first insert in embedding_dimensions.
type embeddingRepo struct {
	pool *pgxpool.Pool
	dims sync.Map // model.Corpus -> int
}

func NewEmbeddingRepo(pool *pgxpool.Pool) *embeddingRepo {
	return &embeddingRepo{pool: pool}
}

const embeddingColumns = `id, user_id, corpus, source_id, title, author, content, metadata, created_at`

func (r *embeddingRepo) Save(ctx context.Context, tx repository.Tx, rec *model.EmbeddingRecord) error {
	if !rec.Corpus.Valid() || rec.UserID == "" {
		return domain.ErrInvalidArgument
	}
	var vec interface{}
	if len(rec.Embedding) > 0 {
		if err := r.pinDimensions(ctx, tx, rec.Corpus, len(rec.Embedding)); err != nil {
			return err
		}
		vec = formatVector(rec.Embedding)
	}
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("%w: metadata: %v", domain.ErrInvalidArgument, err)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.SourceID == "" {
		rec.SourceID = rec.ID
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	const q = `
INSERT INTO embeddings (id, user_id, corpus, source_id, title, author, content, embedding, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::vector, $9, $10)
ON CONFLICT (user_id, corpus, source_id) DO UPDATE SET
  title = EXCLUDED.title,
  author = EXCLUDED.author,
  content = EXCLUDED.content,
  embedding = EXCLUDED.embedding,
  metadata = EXCLUDED.metadata
RETURNING id, created_at;`
	row, err := pickRow(ctx, r.pool, tx, q,
		rec.ID, rec.UserID, string(rec.Corpus), rec.SourceID, rec.Title, rec.Author, rec.Content, vec, meta, rec.CreatedAt)
	if err != nil {
		return err
	}
	return row.Scan(&rec.ID, &rec.CreatedAt)
}

// pinDimensions records n for corpus on first use and rejects any other length.
func (r *embeddingRepo) pinDimensions(ctx context.Context, tx repository.Tx, corpus model.Corpus, n int) error {
	if d, ok := r.dims.Load(corpus); ok {
		return checkDims(d.(int), n)
	}
	row, err := pickRow(ctx, r.pool, tx, `
WITH ins AS (
  INSERT INTO embedding_dimensions (corpus, dims) VALUES ($1, $2)
  ON CONFLICT (corpus) DO NOTHING
  RETURNING dims
)
SELECT dims FROM ins
UNION ALL
SELECT dims FROM embedding_dimensions WHERE corpus = $1
LIMIT 1;`, string(corpus), n)
	if err != nil {
		return err
	}
	var pinned int
	if err := row.Scan(&pinned); err != nil {
		return err
	}
	r.dims.Store(corpus, pinned)
	return checkDims(pinned, n)
}

func (r *embeddingRepo) pinned(ctx context.Context, corpus model.Corpus) (int, bool, error) {
	if d, ok := r.dims.Load(corpus); ok {
		return d.(int), true, nil
	}
	var d int
	err := r.pool.QueryRow(ctx, `SELECT dims FROM embedding_dimensions WHERE corpus = $1`, string(corpus)).Scan(&d)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	r.dims.Store(corpus, d)
	return d, true, nil
}

func checkDims(pinned, n int) error {
	if pinned != n {
		return fmt.Errorf("%w: corpus expects %d, got %d", domain.ErrDimensionMismatch, pinned, n)
	}
	return nil
}

func (r *embeddingRepo) SearchSimilar(ctx context.Context, userID string, corpus model.Corpus, vec []float32, maxDistance float64, limit int) ([]model.ScoredRecord, error) {
	if limit <= 0 || len(vec) == 0 {
		return nil, nil
	}
	d, ok, err := r.pinned(ctx, corpus)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if err := checkDims(d, len(vec)); err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `
SELECT `+embeddingColumns+`, embedding <=> $3::vector AS distance
FROM embeddings
WHERE user_id = $1 AND corpus = $2 AND embedding IS NOT NULL
  AND embedding <=> $3::vector < $4
ORDER BY distance, created_at
LIMIT $5`, userID, string(corpus), formatVector(vec), maxDistance, limit)
	if err != nil {
		return nil, err
	}
	return scanScored(rows, true)
}

func (r *embeddingRepo) SearchText(ctx context.Context, userID string, corpus model.Corpus, terms []string, limit int) ([]model.ScoredRecord, error) {
	if limit <= 0 || len(terms) == 0 {
		return nil, nil
	}
	patterns := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.TrimSpace(t); t != "" {
			patterns = append(patterns, "%"+escapeLike(t)+"%")
		}
	}
	if len(patterns) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `
SELECT `+embeddingColumns+`
FROM embeddings
WHERE user_id = $1 AND corpus = $2
  AND (content ILIKE ANY($3) OR title ILIKE ANY($3) OR author ILIKE ANY($3))
ORDER BY created_at DESC, id
LIMIT $4`, userID, string(corpus), patterns, limit)
	if err != nil {
		return nil, err
	}
	return scanScored(rows, false)
}

func (r *embeddingRepo) CountByUser(ctx context.Context, userID string, corpus model.Corpus) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM embeddings WHERE user_id = $1 AND corpus = $2`, userID, string(corpus)).Scan(&n)
	return n, err
}

func scanScored(rows pgx.Rows, withDistance bool) ([]model.ScoredRecord, error) {
	defer rows.Close()
	var out []model.ScoredRecord
	for rows.Next() {
		var (
			rec    model.EmbeddingRecord
			corpus string
			meta   []byte
			dist   = -1.0
		)
		dest := []interface{}{&rec.ID, &rec.UserID, &corpus, &rec.SourceID, &rec.Title, &rec.Author, &rec.Content, &meta, &rec.CreatedAt}
		if withDistance {
			dest = append(dest, &dist)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrReadDatabaseRow, err)
		}
		rec.Corpus = model.Corpus(corpus)
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &rec.Metadata)
		}
		out = append(out, model.ScoredRecord{Record: rec, Distance: dist})
	}
	return out, rows.Err()
}

// formatVector renders vec in pgvector's text form, e.g. [0.1,0.2].
func formatVector(vec []float32) string {
	var b strings.Builder
	b.Grow(len(vec) * 10)
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
