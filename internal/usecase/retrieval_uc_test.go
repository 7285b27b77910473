//go:build !integration

package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"advisor-agent/internal/domain/model"
	"advisor-agent/internal/infra/db/memory"
)

func seed(t *testing.T, repo *memory.EmbeddingRepo, corpus model.Corpus, title, content string, vec []float32) *model.EmbeddingRecord {
	t.Helper()
	rec := &model.EmbeddingRecord{
		UserID:    "u1",
		Corpus:    corpus,
		SourceID:  title,
		Title:     title,
		Author:    "client@example.com",
		Content:   content,
		Embedding: vec,
		CreatedAt: time.Now(),
	}
	if err := repo.Save(context.Background(), nil, rec); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return rec
}

func TestRetrieval_ZeroRows(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{"anything": {1, 0}}, dims: 2}
	uc := NewRetrievalUseCase(emb, memory.NewEmbeddingRepo(), 0, 0, testLogger())

	rc := uc.Search(context.Background(), "u1", "anything", 10)
	if rc.Summary.Total() != 0 || rc.Summary != (RetrievalSummary{}) {
		t.Errorf("expected zero summary, got %+v", rc.Summary)
	}
	if len(rc.Emails)+len(rc.Contacts)+len(rc.Notes) != 0 {
		t.Error("expected empty result")
	}
	if rc.Render() == "" {
		t.Error("Render must describe an empty context")
	}
}

func TestRetrieval_DistanceThresholdAndOrder(t *testing.T) {
	repo := memory.NewEmbeddingRepo()
	far := seed(t, repo, model.CorpusEmail, "far", "far away", []float32{0.4, 0.916515})
	mid := seed(t, repo, model.CorpusEmail, "mid", "in between", []float32{0.6, 0.8})
	exact := seed(t, repo, model.CorpusEmail, "exact", "exact match", []float32{1, 0})

	emb := &fakeEmbedder{vectors: map[string][]float32{"query": {1, 0}}, dims: 2}
	rc := NewRetrievalUseCase(emb, repo, 0.5, 10, testLogger()).Search(context.Background(), "u1", "query", 10)

	if len(rc.Emails) != 2 {
		t.Fatalf("expected 2 emails under distance 0.5, got %d", len(rc.Emails))
	}
	if rc.Emails[0].Record.ID != exact.ID || rc.Emails[1].Record.ID != mid.ID {
		t.Errorf("expected [exact, mid], got [%s, %s]", rc.Emails[0].Record.Title, rc.Emails[1].Record.Title)
	}
	if d := rc.Emails[1].Distance; d < 0.39 || d > 0.41 {
		t.Errorf("expected distance ~0.4, got %f", d)
	}
	for _, r := range rc.Emails {
		if r.Record.ID == far.ID {
			t.Error("record at distance 0.6 must be excluded")
		}
	}
	if rc.Summary.Emails != 2 || rc.Fallback {
		t.Errorf("unexpected summary %+v fallback=%v", rc.Summary, rc.Fallback)
	}
}

func TestRetrieval_LimitAndUserScope(t *testing.T) {
	repo := memory.NewEmbeddingRepo()
	for i := 0; i < 5; i++ {
		seed(t, repo, model.CorpusNote, fmt.Sprintf("note-%d", i), "same note", []float32{1, 0})
	}
	other := &model.EmbeddingRecord{UserID: "u2", Corpus: model.CorpusNote, Content: "other user", Embedding: []float32{1, 0}}
	_ = repo.Save(context.Background(), nil, other)

	emb := &fakeEmbedder{vectors: map[string][]float32{"q": {1, 0}}, dims: 2}
	rc := NewRetrievalUseCase(emb, repo, 0.5, 10, testLogger()).Search(context.Background(), "u1", "q", 3)
	if len(rc.Notes) != 3 {
		t.Fatalf("expected limit 3, got %d", len(rc.Notes))
	}
	for _, r := range rc.Notes {
		if r.Record.UserID != "u1" {
			t.Error("result from another user")
		}
	}
}

// Baseball email vs. an unrelated stock email.
func TestRetrieval_BaseballScenario(t *testing.T) {
	const query = "Who mentioned their kid plays baseball?"
	repo := memory.NewEmbeddingRepo()
	baseball := seed(t, repo, model.CorpusEmail, "Weekend", "My kid plays baseball on Saturdays, so mornings are hard.", []float32{0.9, 0.3, 0})
	seed(t, repo, model.CorpusEmail, "Portfolio", "Should we sell AAPL stock?", []float32{0, 0.1, 1})

	check := func(t *testing.T, rc *RetrievalContext) {
		t.Helper()
		if len(rc.Emails) != 1 || rc.Emails[0].Record.ID != baseball.ID {
			t.Fatalf("expected only the baseball email, got %+v", rc.Emails)
		}
		if rc.Summary.Emails != 1 || rc.Summary.Contacts != 0 || rc.Summary.Notes != 0 {
			t.Errorf("unexpected summary %+v", rc.Summary)
		}
	}

	t.Run("should find it by vector similarity", func(t *testing.T) {
		emb := &fakeEmbedder{vectors: map[string][]float32{query: {1, 0.2, 0}}, dims: 3}
		rc := NewRetrievalUseCase(emb, repo, 0.5, 10, testLogger()).Search(context.Background(), "u1", query, 10)
		check(t, rc)
		if rc.Fallback {
			t.Error("vector search must not report fallback")
		}
	})

	t.Run("should find it by keyword fallback when embedding fails", func(t *testing.T) {
		emb := &fakeEmbedder{err: errors.New("embedding endpoint down")}
		rc := NewRetrievalUseCase(emb, repo, 0.5, 10, testLogger()).Search(context.Background(), "u1", query, 10)
		check(t, rc)
		if !rc.Fallback {
			t.Error("expected fallback flag")
		}
		if rc.Emails[0].Distance != -1 {
			t.Errorf("text match distance should be -1, got %f", rc.Emails[0].Distance)
		}
	})

	t.Run("should fall back on dimension mismatch", func(t *testing.T) {
		emb := &fakeEmbedder{vectors: map[string][]float32{query: {1, 0}}, dims: 2}
		rc := NewRetrievalUseCase(emb, repo, 0.5, 10, testLogger()).Search(context.Background(), "u1", query, 10)
		check(t, rc)
	})
}

func TestSearchTerms(t *testing.T) {
	got := SearchTerms("Who mentioned their kid plays baseball?")
	want := map[string]bool{"who mentioned their kid plays baseball?": true, "kid": true, "plays": true, "baseball": true}
	if len(got) != len(want) {
		t.Fatalf("unexpected terms %q", got)
	}
	for _, term := range got {
		if !want[term] {
			t.Errorf("unexpected term %q", term)
		}
	}
}
