// Command demo runs one advisor agent fully offline: in-memory stores, the
// echo model, and the hashing embedder. No keys or services are needed.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"advisor-agent/internal/config"
	"advisor-agent/internal/domain/model"
	aiAdapters "advisor-agent/internal/infra/adapters/ai"
	"advisor-agent/internal/infra/adapters/providers"
	"advisor-agent/internal/infra/db/memory"
	"advisor-agent/internal/infra/logging"
	"advisor-agent/internal/infra/notify"
	"advisor-agent/internal/infra/worker"
	"advisor-agent/internal/usecase"
)

const demoUser = "demo-advisor"

var corpus = []usecase.Document{
	{Corpus: model.CorpusEmail, SourceID: "msg-1", Title: "Baseball game this weekend", Author: "sara.smith@example.com",
		Content: "My son has a baseball game on Saturday, so I can't meet until next week."},
	{Corpus: model.CorpusEmail, SourceID: "msg-2", Title: "AAPL position", Author: "bill@example.com",
		Content: "Thinking about selling my AAPL stock, what do you think?"},
	{Corpus: model.CorpusContact, SourceID: "c-1", Title: "Sara Smith", Author: "sara.smith@example.com",
		Content: "Client since 2019. Prefers morning meetings."},
	{Corpus: model.CorpusNote, SourceID: "n-1", Title: "Call notes", Author: "bill@example.com",
		Content: "Bill wants to rebalance towards bonds before retirement."},
}

var script = []string{
	"Who mentioned their kid plays baseball?",
	"Why did Bill want to sell AAPL stock?",
	"When someone emails me that is not in HubSpot, create a contact in HubSpot and send them a thank you email",
	"Schedule an appointment with Sara Smith next Tuesday at 10am",
}

func main() {
	logger := logging.New(config.LogConfig{Level: "info", Format: "console"}, true)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	tasks := memory.NewTaskRepo()
	instructions := memory.NewInstructionRepo()
	docs := memory.NewEmbeddingRepo()
	creds := memory.NewCredentialStore() // nothing connected: provider work is deferred

	ai := aiAdapters.NewNoopAIAdapter(logger)
	embedder := aiAdapters.NewHashEmbedder(0)
	ingest := usecase.NewIngestUseCase(embedder, docs, logger)
	for _, d := range corpus {
		if _, err := ingest.Ingest(ctx, demoUser, d); err != nil {
			log.Fatalf("ingest %s: %v", d.SourceID, err)
		}
	}

	opts := providers.Options{Timeout: 5 * time.Second}
	dispatcher := usecase.NewDispatcherUseCase(usecase.DispatcherDeps{
		AI:       ai,
		Email:    providers.NewGmailClient(creds, opts, logger),
		Calendar: providers.NewCalendarClient(creds, providers.WorkingHours{}, opts, logger),
		CRM:      providers.NewHubspotClient(creds, opts, logger),
		Tasks:    tasks,
	}, logger)

	registry := worker.NewRegistry(ctx, func(userID string) *worker.AgentWorker {
		return worker.NewAgentWorker(userID, worker.AgentConfig{CycleInterval: 2 * time.Second, Dev: true}, worker.AgentDeps{
			AI:           ai,
			Dispatcher:   dispatcher,
			Retrieval:    usecase.NewRetrievalUseCase(embedder, docs, 0.9, 5, logger),
			Tasks:        tasks,
			Instructions: instructions,
			TxManager:    memory.TxManager{},
			Notifier:     notify.NewLogNotifier(logger),
		}, logger)
	}, logger)

	w, err := registry.Get(demoUser)
	if err != nil {
		log.Fatalf("worker: %v", err)
	}
	for _, text := range script {
		reply, err := w.ProcessMessage(ctx, text)
		fmt.Printf("\n> %s\n[%s] %s (retrieved %d)\n", text, reply.Route, reply.Text, reply.Retrieval.Total())
		if err != nil {
			fmt.Printf("  error: %v\n", err)
		}
	}

	if _, err := w.HandleEvent(model.EventTypeGmail, map[string]any{"from": "new.client@example.com", "subject": "Hello"}); err != nil {
		log.Fatalf("event: %v", err)
	}
	time.Sleep(3 * time.Second)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	fmt.Println("\nagent state:")
	_ = enc.Encode(w.Snapshot())

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := registry.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
