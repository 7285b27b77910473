package usecase

import (
	"context"
	"fmt"
	"time"

	"advisor-agent/internal/domain/model"
	"advisor-agent/internal/domain/ports/repository"
)

type OutcomeKind int

const (
	OutcomeOK OutcomeKind = iota
	OutcomeError
	OutcomeRetry
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeError:
		return "error"
	case OutcomeRetry:
		return "retry"
	}
	return "unknown"
}

// Outcome is the result of executing one task.
type Outcome struct {
	Kind   OutcomeKind
	Result string
	Reason string
	// Tasks were created while executing and still have to run.
	Tasks []*model.Task
}

func OK(result string) Outcome { return Outcome{Kind: OutcomeOK, Result: result} }

func Fail(reason string) Outcome { return Outcome{Kind: OutcomeError, Reason: reason} }

func Retry(reason string) Outcome { return Outcome{Kind: OutcomeRetry, Reason: reason} }

// TaskQueue is the FIFO of a single worker's runnable tasks. It is not safe for
// concurrent use; the owning worker loop serializes access.
type TaskQueue struct {
	items []*model.Task
}

func NewTaskQueue(tasks ...*model.Task) *TaskQueue {
	q := &TaskQueue{}
	for _, t := range tasks {
		q.Push(t)
	}
	return q
}

// Push appends t at the tail unless a task with the same id is already queued.
func (q *TaskQueue) Push(t *model.Task) bool {
	if t == nil || q.Contains(t.ID) {
		return false
	}
	q.items = append(q.items, t)
	return true
}

// PopReady removes and returns the first task that is due at now.
func (q *TaskQueue) PopReady(now time.Time) *model.Task {
	for i, t := range q.items {
		if t.Due(now) {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return t
		}
	}
	return nil
}

func (q *TaskQueue) Contains(id string) bool {
	for _, t := range q.items {
		if t.ID == id {
			return true
		}
	}
	return false
}

func (q *TaskQueue) Len() int { return len(q.items) }

// IDs lists queued task ids in order.
func (q *TaskQueue) IDs() []string {
	out := make([]string, 0, len(q.items))
	for _, t := range q.items {
		out = append(out, t.ID)
	}
	return out
}

// ApplyOutcome records the outcome on an in-progress task and persists it.
// A retry puts the task back at the queue tail; ok and error are terminal.
// Pending tasks created during the run join the queue behind it.
func ApplyOutcome(ctx context.Context, tasks repository.TaskRepository, q *TaskQueue, t *model.Task, o Outcome) error {
	var err error
	switch o.Kind {
	case OutcomeOK:
		err = t.Complete(o.Result)
	case OutcomeError:
		err = t.Fail(o.Reason)
	case OutcomeRetry:
		err = t.Requeue(o.Reason)
	default:
		err = fmt.Errorf("unknown outcome %d", o.Kind)
	}
	if err != nil {
		return err
	}
	if o.Kind == OutcomeRetry {
		q.Push(t)
	}
	for _, created := range o.Tasks {
		if created.Status == model.TaskStatusPending {
			q.Push(created)
		}
	}
	if err := tasks.Save(ctx, nil, t); err != nil {
		return fmt.Errorf("persist task %s: %w", t.ID, err)
	}
	return nil
}
