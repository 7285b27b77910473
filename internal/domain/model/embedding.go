package model

import "time"

// Corpus names one of the embedded document collections.
type Corpus string

const (
	CorpusEmail   Corpus = "email"
	CorpusContact Corpus = "contact"
	CorpusNote    Corpus = "note"
)

var AllCorpora = []Corpus{CorpusEmail, CorpusContact, CorpusNote}

func (c Corpus) Valid() bool {
	return c == CorpusEmail || c == CorpusContact || c == CorpusNote
}

// EmbeddingRecord is one embedded document.
// SourceID is the Gmail message id, HubSpot contact id or HubSpot note id.
// Title holds the subject or contact name, Author the sender or contact email.
type EmbeddingRecord struct {
	ID        string
	UserID    string
	Corpus    Corpus
	SourceID  string
	Title     string
	Author    string
	Content   string
	Embedding []float32
	Metadata  map[string]any
	CreatedAt time.Time
}

// ScoredRecord is a search hit. Distance is the cosine distance, or -1 for a text match.
type ScoredRecord struct {
	Record   EmbeddingRecord
	Distance float64
}
