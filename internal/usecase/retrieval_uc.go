package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"advisor-agent/internal/domain"
	"advisor-agent/internal/domain/model"
	"advisor-agent/internal/domain/ports/adapter"
	"advisor-agent/internal/domain/ports/repository"
)

const (
	DefaultRetrievalLimit = 10
	DefaultMaxDistance    = 0.5
)

// Compile-time check
var _ RetrievalUseCase = (*retrievalUC)(nil)

type RetrievalUseCase interface {
	// Search never fails: store or embedding faults degrade to fewer (or text-matched) results.
	Search(ctx context.Context, userID, query string, limit int) *RetrievalContext
}

type RetrievalSummary struct {
	Emails   int `json:"emails"`
	Contacts int `json:"contacts"`
	Notes    int `json:"notes"`
}

func (s RetrievalSummary) Total() int { return s.Emails + s.Contacts + s.Notes }

// RetrievalContext is the grounding material for one request.
type RetrievalContext struct {
	Emails   []model.ScoredRecord
	Contacts []model.ScoredRecord
	Notes    []model.ScoredRecord
	Summary  RetrievalSummary
	Fallback bool
}

func (c *RetrievalContext) set(corpus model.Corpus, recs []model.ScoredRecord) {
	switch corpus {
	case model.CorpusEmail:
		c.Emails, c.Summary.Emails = recs, len(recs)
	case model.CorpusContact:
		c.Contacts, c.Summary.Contacts = recs, len(recs)
	case model.CorpusNote:
		c.Notes, c.Summary.Notes = recs, len(recs)
	}
}

// Render formats the context for a model prompt.
func (c *RetrievalContext) Render() string {
	if c == nil || c.Summary.Total() == 0 {
		return "No related emails, contacts or notes were found."
	}
	var b strings.Builder
	section := func(name string, recs []model.ScoredRecord) {
		if len(recs) == 0 {
			return
		}
		fmt.Fprintf(&b, "Relevant %s (%d):\n", name, len(recs))
		for _, r := range recs {
			rec := r.Record
			head := rec.Title
			if rec.Author != "" {
				head = strings.TrimSpace(head + " <" + rec.Author + ">")
			}
			fmt.Fprintf(&b, "- %s: %s\n", head, truncate(strings.Join(strings.Fields(rec.Content), " "), 400))
		}
	}
	section("emails", c.Emails)
	section("contacts", c.Contacts)
	section("notes", c.Notes)
	return strings.TrimRight(b.String(), "\n")
}

type retrievalUC struct {
	embedder    adapter.EmbeddingAdapter
	docs        repository.EmbeddingRepository
	maxDistance float64
	limit       int
	log         *zerolog.Logger
}

func NewRetrievalUseCase(embedder adapter.EmbeddingAdapter, docs repository.EmbeddingRepository, maxDistance float64, limit int, logger *zerolog.Logger) *retrievalUC {
	if maxDistance <= 0 {
		maxDistance = DefaultMaxDistance
	}
	if limit <= 0 {
		limit = DefaultRetrievalLimit
	}
	l := logger.With().Str("component", "Retrieval").Logger()
	return &retrievalUC{embedder: embedder, docs: docs, maxDistance: maxDistance, limit: limit, log: &l}
}

func (r *retrievalUC) Search(ctx context.Context, userID, query string, limit int) *RetrievalContext {
	out := &RetrievalContext{}
	query = strings.TrimSpace(query)
	if query == "" || userID == "" {
		return out
	}
	if limit <= 0 {
		limit = r.limit
	}

	vec, err := r.embed(ctx, query)
	if err != nil {
		r.log.Warn().Err(err).Str("user_id", userID).Msg("query embedding failed; using keyword search")
		out.Fallback = true
	}
	terms := SearchTerms(query)

	results := make([][]model.ScoredRecord, len(model.AllCorpora))
	g, gctx := errgroup.WithContext(ctx)
	for i, corpus := range model.AllCorpora {
		i, corpus := i, corpus
		g.Go(func() error {
			var recs []model.ScoredRecord
			var err error
			if vec != nil {
				recs, err = r.docs.SearchSimilar(gctx, userID, corpus, vec, r.maxDistance, limit)
				if errors.Is(err, domain.ErrDimensionMismatch) {
					r.log.Warn().Str("corpus", string(corpus)).Msg("stored vectors differ in length; using keyword search")
					recs, err = r.docs.SearchText(gctx, userID, corpus, terms, limit)
				}
			} else {
				recs, err = r.docs.SearchText(gctx, userID, corpus, terms, limit)
			}
			if err != nil {
				// one corpus failing must not hide the others
				r.log.Error().Err(err).Str("corpus", string(corpus)).Str("user_id", userID).Msg("corpus search failed")
				return nil
			}
			results[i] = recs
			return nil
		})
	}
	_ = g.Wait()

	for i, corpus := range model.AllCorpora {
		out.set(corpus, results[i])
	}
	return out
}

func (r *retrievalUC) embed(ctx context.Context, text string) ([]float32, error) {
	if r.embedder == nil {
		return nil, domain.ErrEmbeddingUnavailable
	}
	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEmbeddingUnavailable, err)
	}
	if len(vec) == 0 {
		return nil, domain.ErrEmbeddingUnavailable
	}
	if d := r.embedder.Dimensions(); d > 0 && len(vec) != d {
		return nil, fmt.Errorf("%w: got %d want %d", domain.ErrDimensionMismatch, len(vec), d)
	}
	return vec, nil
}

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "about": {}, "from": {}, "that": {}, "this": {},
	"who": {}, "what": {}, "when": {}, "where": {}, "why": {}, "how": {}, "which": {}, "whom": {},
	"their": {}, "them": {}, "they": {}, "there": {}, "your": {}, "you": {}, "our": {}, "his": {}, "her": {},
	"are": {}, "was": {}, "were": {}, "been": {}, "has": {}, "have": {}, "had": {}, "did": {}, "does": {},
	"any": {}, "anyone": {}, "someone": {}, "somebody": {}, "all": {}, "can": {}, "could": {}, "would": {},
	"mention": {}, "mentioned": {}, "mentions": {}, "said": {}, "say": {}, "says": {}, "told": {}, "tell": {},
	"talked": {}, "talk": {}, "asked": {}, "ask": {}, "find": {}, "show": {}, "get": {}, "know": {},
	"please": {}, "into": {}, "out": {}, "not": {}, "but": {}, "its": {}, "it's": {}, "who's": {},
}

// SearchTerms returns the lowercased query followed by its significant words,
// used by the keyword fallback.
func SearchTerms(query string) []string {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	terms := []string{q}
	seen := map[string]struct{}{q: {}}
	for _, w := range strings.FieldsFunc(q, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '@' && r != '.' && r != '\''
	}) {
		w = strings.Trim(w, ".'")
		if len([]rune(w)) < 3 {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		terms = append(terms, w)
	}
	return terms
}
