//go:build integration

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v4"

	"advisor-agent/internal/domain"
	"advisor-agent/internal/domain/model"
	"advisor-agent/internal/domain/ports/repository"
	"advisor-agent/internal/infra/security"
)

func TestTaskRepo_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode.")
	}
	repo := NewTaskRepo(testPool)
	tm := NewTxManager(testPool)
	ctx := context.Background()

	t.Run("should persist transitions and list by status", func(t *testing.T) {
		cleanup(t)
		task, _ := model.NewTask("u1", "Create calendar event", "", model.TaskTypeCalendar,
			map[string]any{"tool": "create_calendar_event", "arguments": map[string]any{"summary": "Review"}})
		if err := repo.Save(ctx, nil, task); err != nil {
			t.Fatalf("Save: %v", err)
		}
		if err := task.Start(); err != nil {
			t.Fatal(err)
		}
		err := tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
			return repo.Save(ctx, tx, task)
		})
		if err != nil {
			t.Fatalf("Save in tx: %v", err)
		}

		got, err := repo.FindByID(ctx, nil, task.ID)
		if err != nil {
			t.Fatalf("FindByID: %v", err)
		}
		if got.Status != model.TaskStatusInProgress || got.Attempts != 1 || got.StringParam("tool") != "create_calendar_event" {
			t.Errorf("unexpected task %+v", got)
		}
		open, _ := repo.ListByStatus(ctx, nil, "u1", model.TaskStatusPending, model.TaskStatusInProgress)
		if len(open) != 1 {
			t.Errorf("expected one open task, got %d", len(open))
		}
		if _, err := repo.FindByID(ctx, nil, "00000000-0000-0000-0000-000000000000"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestInstructionRepo_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode.")
	}
	repo := NewInstructionRepo(testPool)
	ctx := context.Background()
	cleanup(t)

	low, _ := model.NewInstruction("u1", "When a calendar event is created, email attendees", []string{"calendar"}, 0)
	high, _ := model.NewInstruction("u1", "When someone emails me, add them to HubSpot", []string{"gmail"}, 5)
	for _, ins := range []*model.Instruction{low, high} {
		if err := repo.Save(ctx, nil, ins); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	active, err := repo.ListActive(ctx, nil, "u1")
	if err != nil || len(active) != 2 || active[0].ID != high.ID {
		t.Fatalf("expected priority order, got %+v %v", active, err)
	}
	if err := repo.Deactivate(ctx, nil, high.ID); err != nil {
		t.Fatal(err)
	}
	active, _ = repo.ListActive(ctx, nil, "u1")
	if len(active) != 1 || active[0].TriggerEvents[0] != "calendar" {
		t.Errorf("unexpected active set %+v", active)
	}
}

func TestEmbeddingRepo_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode.")
	}
	repo := NewEmbeddingRepo(testPool)
	ctx := context.Background()
	cleanup(t)

	save := func(source, title string, vec []float32) {
		t.Helper()
		rec := &model.EmbeddingRecord{UserID: "u1", Corpus: model.CorpusEmail, SourceID: source, Title: title, Content: title, Embedding: vec}
		if err := repo.Save(ctx, nil, rec); err != nil {
			t.Fatalf("Save %s: %v", source, err)
		}
	}
	save("m1", "Baseball practice", []float32{1, 0, 0})
	save("m2", "Quarterly review", []float32{0, 1, 0})

	hits, err := repo.SearchSimilar(ctx, "u1", model.CorpusEmail, []float32{1, 0, 0}, 0.5, 10)
	if err != nil || len(hits) != 1 || hits[0].Record.SourceID != "m1" {
		t.Fatalf("unexpected hits %+v %v", hits, err)
	}
	if _, err := repo.SearchSimilar(ctx, "u1", model.CorpusEmail, []float32{1, 0}, 0.5, 10); !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Errorf("expected dimension mismatch, got %v", err)
	}
	text, err := repo.SearchText(ctx, "u1", model.CorpusEmail, []string{"baseball"}, 10)
	if err != nil || len(text) != 1 || text[0].Distance != -1 {
		t.Errorf("unexpected text hits %+v %v", text, err)
	}
	if n, _ := repo.CountByUser(ctx, "u1", model.CorpusEmail); n != 2 {
		t.Errorf("expected 2 rows, got %d", n)
	}
}

func TestCredentialRepo_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode.")
	}
	enc, _ := security.NewEncryptionService("0123456789abcdef")
	repo := NewCredentialRepo(testPool, enc)
	ctx := context.Background()
	cleanup(t)

	if _, err := repo.AccessToken(ctx, "u1", "gmail"); !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
	if err := repo.Store(ctx, "u1", "gmail", "tok", nil); err != nil {
		t.Fatal(err)
	}
	if tok, err := repo.AccessToken(ctx, "u1", "gmail"); err != nil || tok != "tok" {
		t.Errorf("unexpected token %q %v", tok, err)
	}
	past := time.Now().Add(-time.Minute)
	_ = repo.Store(ctx, "u1", "hubspot", "old", &past)
	if _, err := repo.AccessToken(ctx, "u1", "hubspot"); !errors.Is(err, domain.ErrNotConnected) {
		t.Errorf("expired token should be not connected, got %v", err)
	}
}
