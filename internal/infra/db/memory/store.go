// Package memory holds process-local repositories used in dev mode and by tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"

	"advisor-agent/internal/domain"
	"advisor-agent/internal/domain/model"
	"advisor-agent/internal/domain/ports/repository"
)

var (
	_ repository.TaskRepository        = (*TaskRepo)(nil)
	_ repository.InstructionRepository = (*InstructionRepo)(nil)
	_ repository.EmbeddingRepository   = (*EmbeddingRepo)(nil)
	_ repository.TransactionManager    = TxManager{}
)

// TxManager runs fn without a transaction; memory repositories ignore tx.
type TxManager struct{}

func (TxManager) WithTx(ctx context.Context, _ pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	return fn(ctx, nil)
}

// -----------------------------
// Tasks
// -----------------------------

type TaskRepo struct {
	mu    sync.RWMutex
	rows  map[string]model.Task
	order []string
}

func NewTaskRepo() *TaskRepo {
	return &TaskRepo{rows: make(map[string]model.Task)}
}

func (r *TaskRepo) Save(_ context.Context, _ repository.Tx, t *model.Task) error {
	if t == nil || t.ID == "" {
		return domain.ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[t.ID]; !ok {
		r.order = append(r.order, t.ID)
	}
	r.rows[t.ID] = cloneTask(t)
	return nil
}

func (r *TaskRepo) FindByID(_ context.Context, _ repository.Tx, id string) (*model.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := cloneTask(&t)
	return &c, nil
}

func (r *TaskRepo) ListByStatus(_ context.Context, _ repository.Tx, userID string, statuses ...model.TaskStatus) ([]*model.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Task
	for _, id := range r.order {
		t := r.rows[id]
		if t.UserID != userID || !hasStatus(statuses, t.Status) {
			continue
		}
		c := cloneTask(&t)
		out = append(out, &c)
	}
	return out, nil
}

// All returns every stored task of the user in insertion order.
func (r *TaskRepo) All(userID string) []*model.Task {
	tasks, _ := r.ListByStatus(context.Background(), nil, userID)
	return tasks
}

func hasStatus(statuses []model.TaskStatus, s model.TaskStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, want := range statuses {
		if want == s {
			return true
		}
	}
	return false
}

func cloneTask(t *model.Task) model.Task {
	c := *t
	c.Parameters = make(map[string]any, len(t.Parameters))
	for k, v := range t.Parameters {
		c.Parameters[k] = v
	}
	return c
}

// -----------------------------
// Instructions
// -----------------------------

type InstructionRepo struct {
	mu    sync.RWMutex
	rows  map[string]model.Instruction
	order []string
}

func NewInstructionRepo() *InstructionRepo {
	return &InstructionRepo{rows: make(map[string]model.Instruction)}
}

func (r *InstructionRepo) Save(_ context.Context, _ repository.Tx, ins *model.Instruction) error {
	if ins == nil || ins.ID == "" {
		return domain.ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[ins.ID]; !ok {
		r.order = append(r.order, ins.ID)
	}
	c := *ins
	c.TriggerEvents = append([]string(nil), ins.TriggerEvents...)
	r.rows[ins.ID] = c
	return nil
}

func (r *InstructionRepo) FindByID(_ context.Context, _ repository.Tx, id string) (*model.Instruction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ins, ok := r.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &ins, nil
}

func (r *InstructionRepo) ListActive(_ context.Context, _ repository.Tx, userID string) ([]*model.Instruction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Instruction
	for _, id := range r.order {
		ins := r.rows[id]
		if ins.UserID == userID && ins.Active {
			c := ins
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out, nil
}

func (r *InstructionRepo) Deactivate(_ context.Context, _ repository.Tx, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ins, ok := r.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	ins.Deactivate()
	r.rows[id] = ins
	return nil
}

// -----------------------------
// Embedded documents
// -----------------------------

type EmbeddingRepo struct {
	mu   sync.RWMutex
	rows []model.EmbeddingRecord
	// dims pins the vector length per corpus after the first insert.
	dims map[model.Corpus]int
}

func NewEmbeddingRepo() *EmbeddingRepo {
	return &EmbeddingRepo{dims: make(map[model.Corpus]int)}
}

func (r *EmbeddingRepo) Save(_ context.Context, _ repository.Tx, rec *model.EmbeddingRecord) error {
	if rec == nil || rec.UserID == "" || !rec.Corpus.Valid() {
		return domain.ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(rec.Embedding); n > 0 {
		if d, ok := r.dims[rec.Corpus]; ok && d != n {
			return domain.ErrDimensionMismatch
		}
		r.dims[rec.Corpus] = n
	}
	c := *rec
	if c.ID == "" {
		c.ID = uuid.NewString()
		rec.ID = c.ID
	}
	if c.SourceID == "" {
		c.SourceID = c.ID
		rec.SourceID = c.ID
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.Embedding = append([]float32(nil), rec.Embedding...)
	for i, cur := range r.rows {
		if cur.UserID == c.UserID && cur.Corpus == c.Corpus && cur.SourceID == c.SourceID {
			c.ID = cur.ID
			rec.ID = cur.ID
			r.rows[i] = c
			return nil
		}
	}
	r.rows = append(r.rows, c)
	return nil
}

func (r *EmbeddingRepo) SearchSimilar(_ context.Context, userID string, corpus model.Corpus, vec []float32, maxDistance float64, limit int) ([]model.ScoredRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.dims[corpus]; ok && d != len(vec) {
		return nil, domain.ErrDimensionMismatch
	}
	var out []model.ScoredRecord
	for _, rec := range r.rows {
		if rec.UserID != userID || rec.Corpus != corpus || len(rec.Embedding) == 0 {
			continue
		}
		dist := CosineDistance(vec, rec.Embedding)
		if dist < maxDistance {
			out = append(out, model.ScoredRecord{Record: rec, Distance: dist})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return capRecords(out, limit), nil
}

func (r *EmbeddingRepo) SearchText(_ context.Context, userID string, corpus model.Corpus, terms []string, limit int) ([]model.ScoredRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.ScoredRecord
	for _, rec := range r.rows {
		if rec.UserID != userID || rec.Corpus != corpus {
			continue
		}
		hay := strings.ToLower(rec.Content + "\n" + rec.Title + "\n" + rec.Author)
		for _, term := range terms {
			if term != "" && strings.Contains(hay, strings.ToLower(term)) {
				out = append(out, model.ScoredRecord{Record: rec, Distance: -1})
				break
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Record.CreatedAt.After(out[j].Record.CreatedAt)
	})
	return capRecords(out, limit), nil
}

func (r *EmbeddingRepo) CountByUser(_ context.Context, userID string, corpus model.Corpus) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rec := range r.rows {
		if rec.UserID == userID && rec.Corpus == corpus {
			n++
		}
	}
	return n, nil
}

func capRecords(recs []model.ScoredRecord, limit int) []model.ScoredRecord {
	if limit > 0 && len(recs) > limit {
		return recs[:limit]
	}
	return recs
}
