// Command seed bulk-imports provider documents (a JSON array of
// {corpus, source_id, title, author, content}) for one user into Postgres.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"advisor-agent/internal/config"
	"advisor-agent/internal/domain/ports/adapter"
	aiAdapters "advisor-agent/internal/infra/adapters/ai"
	pg "advisor-agent/internal/infra/db/postgres"
	"advisor-agent/internal/infra/logging"
	"advisor-agent/internal/usecase"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	userID := flag.String("user", "", "user id that owns the documents")
	file := flag.String("file", "", "JSON file with the documents")
	flag.Parse()
	if *userID == "" || *file == "" {
		log.Fatal("usage: seed -user <id> -file <documents.json>")
	}

	cfg, err := config.LoadConfig(*cfgPath, false)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.New(cfg.Log, false)

	raw, err := os.ReadFile(*file)
	if err != nil {
		log.Fatalf("read %s: %v", *file, err)
	}
	var docs []usecase.Document
	if err := json.Unmarshal(raw, &docs); err != nil {
		log.Fatalf("parse %s: %v", *file, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	pool, err := pg.Connect(ctx, &cfg.Database)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer pool.Close()

	var embedder adapter.EmbeddingAdapter
	ec := cfg.AI.Embedding
	switch ec.Provider {
	case "gemini":
		embedder, err = aiAdapters.NewGeminiEmbedder(ctx, cfg.AI.GeminiKey, cfg.AI.GeminiURL, ec.Model, ec.Dimensions)
	case "hash":
		embedder = aiAdapters.NewHashEmbedder(ec.Dimensions)
	default:
		embedder, err = aiAdapters.NewOpenAIEmbedder(cfg.AI.OpenAIKey, cfg.AI.OpenAIBaseURL, ec.Model, ec.Dimensions)
	}
	if err != nil {
		log.Fatalf("embedder: %v", err)
	}

	ingest := usecase.NewIngestUseCase(embedder, pg.NewEmbeddingRepo(pool), logger)
	ok, skipped := 0, 0
	for _, d := range docs {
		rec, err := ingest.Ingest(ctx, *userID, d)
		if err != nil {
			skipped++
			fmt.Printf("skipped %s/%s: %v\n", d.Corpus, d.SourceID, err)
			continue
		}
		ok++
		fmt.Printf("seeded %s/%s (id=%s, embedded=%t)\n", rec.Corpus, rec.SourceID, rec.ID, len(rec.Embedding) > 0)
	}
	fmt.Printf("done: %d seeded, %d skipped\n", ok, skipped)
}
