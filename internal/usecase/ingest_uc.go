package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"advisor-agent/internal/domain"
	"advisor-agent/internal/domain/model"
	"advisor-agent/internal/domain/ports/adapter"
	"advisor-agent/internal/domain/ports/repository"
)

var _ IngestUseCase = (*ingestUC)(nil)

// IngestUseCase embeds provider documents (emails, contacts, notes) into the
// retrieval store.
type IngestUseCase interface {
	Ingest(ctx context.Context, userID string, doc Document) (*model.EmbeddingRecord, error)
}

// Document is one provider item pushed by a webhook.
type Document struct {
	Corpus   model.Corpus   `json:"corpus"`
	SourceID string         `json:"source_id"`
	Title    string         `json:"title"`
	Author   string         `json:"author"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type ingestUC struct {
	embedder adapter.EmbeddingAdapter
	docs     repository.EmbeddingRepository
	log      *zerolog.Logger
}

func NewIngestUseCase(embedder adapter.EmbeddingAdapter, docs repository.EmbeddingRepository, logger *zerolog.Logger) *ingestUC {
	l := logger.With().Str("component", "Ingest").Logger()
	return &ingestUC{embedder: embedder, docs: docs, log: &l}
}

// Ingest stores doc for userID. When embedding fails the record is still
// stored without a vector so keyword search can find it.
func (u *ingestUC) Ingest(ctx context.Context, userID string, doc Document) (*model.EmbeddingRecord, error) {
	if userID == "" || !doc.Corpus.Valid() {
		return nil, fmt.Errorf("corpus %q: %w", doc.Corpus, domain.ErrInvalidArgument)
	}
	if strings.TrimSpace(doc.Content) == "" && strings.TrimSpace(doc.Title) == "" {
		return nil, fmt.Errorf("empty document: %w", domain.ErrInvalidArgument)
	}

	// documents are unique per (user, corpus, source id); anonymous ones get their own id
	sourceID := strings.TrimSpace(doc.SourceID)
	if sourceID == "" {
		sourceID = uuid.NewString()
	}
	rec := &model.EmbeddingRecord{
		UserID:    userID,
		Corpus:    doc.Corpus,
		SourceID:  sourceID,
		Title:     doc.Title,
		Author:    doc.Author,
		Content:   doc.Content,
		Metadata:  doc.Metadata,
		CreatedAt: time.Now(),
	}
	if u.embedder != nil {
		vec, err := u.embedder.Embed(ctx, embedText(doc))
		switch {
		case err != nil:
			u.log.Warn().Err(err).Str("user_id", userID).Str("corpus", string(doc.Corpus)).Msg("document stored without embedding")
		case u.embedder.Dimensions() > 0 && len(vec) != u.embedder.Dimensions():
			u.log.Warn().Int("got", len(vec)).Int("want", u.embedder.Dimensions()).Msg("embedding length mismatch; stored without embedding")
		default:
			rec.Embedding = vec
		}
	}
	if err := u.docs.Save(ctx, nil, rec); err != nil {
		return nil, fmt.Errorf("save document: %w", err)
	}
	return rec, nil
}

func embedText(doc Document) string {
	parts := make([]string, 0, 3)
	for _, s := range []string{doc.Title, doc.Author, doc.Content} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}
