//go:build !integration

package usecase

import (
	"context"
	"errors"
	"testing"

	"advisor-agent/internal/domain"
	"advisor-agent/internal/domain/model"
	"advisor-agent/internal/domain/ports/repository"
	"advisor-agent/internal/infra/db/memory"
)

func TestIngest(t *testing.T) {
	doc := Document{Corpus: model.CorpusEmail, SourceID: "m1", Title: "Portfolio review", Author: "sara@example.com", Content: "Can we meet next week?"}
	text := "Portfolio review\nsara@example.com\nCan we meet next week?"

	t.Run("should embed and store the document", func(t *testing.T) {
		repo := memory.NewEmbeddingRepo()
		uc := NewIngestUseCase(&fakeEmbedder{vectors: map[string][]float32{text: {1, 0}}, dims: 2}, repo, testLogger())
		rec, err := uc.Ingest(context.Background(), "u1", doc)
		if err != nil {
			t.Fatalf("Ingest: %v", err)
		}
		if rec.ID == "" || len(rec.Embedding) != 2 {
			t.Errorf("unexpected record %+v", rec)
		}
		hits, _ := repo.SearchSimilar(context.Background(), "u1", model.CorpusEmail, []float32{1, 0}, 0.5, 10)
		if len(hits) != 1 || hits[0].Record.SourceID != "m1" {
			t.Errorf("expected the stored email, got %+v", hits)
		}
	})

	t.Run("should keep the document searchable when embedding fails", func(t *testing.T) {
		repo := memory.NewEmbeddingRepo()
		uc := NewIngestUseCase(&fakeEmbedder{err: errors.New("quota"), dims: 2}, repo, testLogger())
		rec, err := uc.Ingest(context.Background(), "u1", doc)
		if err != nil {
			t.Fatalf("Ingest: %v", err)
		}
		if rec.Embedding != nil {
			t.Error("expected no embedding")
		}
		hits, _ := repo.SearchText(context.Background(), "u1", model.CorpusEmail, []string{"portfolio"}, 10)
		if len(hits) != 1 {
			t.Errorf("expected a keyword hit, got %d", len(hits))
		}
	})

	t.Run("should give documents without a source id distinct keys", func(t *testing.T) {
		repo := &upsertingDocs{EmbeddingRepo: memory.NewEmbeddingRepo(), keys: map[string]int{}}
		uc := NewIngestUseCase(nil, repo, testLogger())
		for _, body := range []string{"first call notes", "second call notes"} {
			if _, err := uc.Ingest(context.Background(), "u1", Document{Corpus: model.CorpusNote, Content: body}); err != nil {
				t.Fatalf("Ingest: %v", err)
			}
		}
		if len(repo.keys) != 2 {
			t.Errorf("expected 2 distinct source keys, got %v", repo.keys)
		}
		if n, _ := repo.CountByUser(context.Background(), "u1", model.CorpusNote); n != 2 {
			t.Errorf("expected 2 stored notes, got %d", n)
		}
	})

	t.Run("should reject unknown corpora and empty documents", func(t *testing.T) {
		uc := NewIngestUseCase(nil, memory.NewEmbeddingRepo(), testLogger())
		if _, err := uc.Ingest(context.Background(), "u1", Document{Corpus: "slack", Content: "x"}); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Errorf("expected invalid argument, got %v", err)
		}
		if _, err := uc.Ingest(context.Background(), "u1", Document{Corpus: model.CorpusNote}); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Errorf("expected invalid argument, got %v", err)
		}
	})
}

// upsertingDocs records the (user, corpus, source id) key every save would upsert on.
type upsertingDocs struct {
	*memory.EmbeddingRepo
	keys map[string]int
}

func (u *upsertingDocs) Save(ctx context.Context, tx repository.Tx, rec *model.EmbeddingRecord) error {
	u.keys[rec.UserID+"/"+string(rec.Corpus)+"/"+rec.SourceID]++
	return u.EmbeddingRepo.Save(ctx, tx, rec)
}
