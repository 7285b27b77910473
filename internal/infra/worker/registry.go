package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"advisor-agent/internal/domain"
	"advisor-agent/internal/infra/metrics"
)

// Factory builds the (not yet started) worker of a user.
type Factory func(userID string) *AgentWorker

// Registry holds at most one running worker per user and creates them lazily.
type Registry struct {
	ctx     context.Context
	factory Factory
	workers sync.Map // userID -> *AgentWorker
	count   atomic.Int64
	closed  atomic.Bool
	log     *zerolog.Logger
}

// NewRegistry binds started workers to ctx; cancelling it stops them all.
func NewRegistry(ctx context.Context, factory Factory, logger *zerolog.Logger) *Registry {
	l := logger.With().Str("component", "WorkerRegistry").Logger()
	return &Registry{ctx: ctx, factory: factory, log: &l}
}

// Get returns the user's worker, starting it on first access. Concurrent first
// calls for the same user all receive the single worker that won the insert.
func (r *Registry) Get(userID string) (*AgentWorker, error) {
	if userID == "" {
		return nil, domain.ErrInvalidArgument
	}
	if r.closed.Load() {
		return nil, domain.ErrWorkerStopped
	}
	if w, ok := r.workers.Load(userID); ok {
		return w.(*AgentWorker), nil
	}
	candidate := r.factory(userID)
	actual, loaded := r.workers.LoadOrStore(userID, candidate)
	w := actual.(*AgentWorker)
	if !loaded {
		w.Start(r.ctx)
		metrics.SetWorkersActive(int(r.count.Add(1)))
		r.log.Info().Str("user_id", userID).Msg("agent worker created")
	}
	return w, nil
}

// Lookup returns the user's worker without creating one.
func (r *Registry) Lookup(userID string) (*AgentWorker, bool) {
	w, ok := r.workers.Load(userID)
	if !ok {
		return nil, false
	}
	return w.(*AgentWorker), true
}

func (r *Registry) Len() int { return int(r.count.Load()) }

// Users lists users with a running worker.
func (r *Registry) Users() []string {
	var out []string
	r.workers.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	return out
}

// SnapshotSaver persists a worker snapshot for later reads.
type SnapshotSaver interface {
	Save(ctx context.Context, userID string, snapshot any) error
}

// PersistSnapshots saves the snapshot of every running worker and returns how many were saved.
func (r *Registry) PersistSnapshots(ctx context.Context, store SnapshotSaver) (int, error) {
	var errs []error
	saved := 0
	r.workers.Range(func(k, v any) bool {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			return false
		}
		if err := store.Save(ctx, k.(string), v.(*AgentWorker).Snapshot()); err != nil {
			errs = append(errs, err)
			return true
		}
		saved++
		return true
	})
	return saved, errors.Join(errs...)
}

// Shutdown stops every worker and waits for their loops to exit or ctx to expire.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.closed.Store(true)
	var all []*AgentWorker
	r.workers.Range(func(_, v any) bool {
		w := v.(*AgentWorker)
		w.Stop()
		all = append(all, w)
		return true
	})
	var firstErr error
	for _, w := range all {
		if err := w.Wait(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	metrics.SetWorkersActive(0)
	r.log.Info().Int("workers", len(all)).Msg("agent workers stopped")
	return firstErr
}
