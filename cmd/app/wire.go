package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"

	"advisor-agent/internal/config"
	"advisor-agent/internal/domain/ports/adapter"
	"advisor-agent/internal/domain/ports/repository"
	aiAdapters "advisor-agent/internal/infra/adapters/ai"
	"advisor-agent/internal/infra/adapters/providers"
	"advisor-agent/internal/infra/db/memory"
	pg "advisor-agent/internal/infra/db/postgres"
	"advisor-agent/internal/infra/metrics"
	"advisor-agent/internal/infra/scheduler"
	"advisor-agent/internal/infra/security"
)

// credentialStore is what both credential backends offer.
type credentialStore interface {
	adapter.CredentialSource
	Store(ctx context.Context, userID, provider, token string, expiresAt *time.Time) error
}

type stores struct {
	tasks        repository.TaskRepository
	instructions repository.InstructionRepository
	docs         repository.EmbeddingRepository
	tx           repository.TransactionManager
	creds        credentialStore
	pool         *pgxpool.Pool
}

func (s *stores) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// openStores uses Postgres when a database URL is set and in-memory stores otherwise (dev only).
func openStores(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*stores, error) {
	if cfg.Database.URL == "" {
		logger.Warn().Msg("no database configured; using in-memory stores")
		return &stores{
			tasks:        memory.NewTaskRepo(),
			instructions: memory.NewInstructionRepo(),
			docs:         memory.NewEmbeddingRepo(),
			tx:           memory.TxManager{},
			creds:        memory.NewCredentialStore(),
		}, nil
	}

	pool, err := pg.Connect(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	key := cfg.Security.EncryptionKey
	if key == "" && cfg.Runtime.Dev {
		logger.Warn().Msg("security.encryption_key not set; using the INSECURE dev key")
		key = "0123456789abcdef0123456789abcdef"
	}
	enc, err := security.NewEncryptionService(key)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("encryption: %w", err)
	}
	return &stores{
		tasks:        pg.NewTaskRepo(pool),
		instructions: pg.NewInstructionRepo(pool),
		docs:         pg.NewEmbeddingRepo(pool),
		tx:           pg.NewTxManager(pool),
		creds:        pg.NewCredentialRepo(pool, enc),
		pool:         pool,
	}, nil
}

// poolStatsJob exports pool gauges.
func poolStatsJob(pool *pgxpool.Pool) scheduler.Job {
	return scheduler.JobFunc{JobName: "db-pool-stats", Fn: func(context.Context) (int, error) {
		st := pool.Stat()
		metrics.SetDBPoolStats(st.TotalConns(), st.IdleConns(), st.AcquiredConns())
		return 0, nil
	}}
}

// buildAI picks the chat model backend: both providers behind a router when
// both keys exist, one of them otherwise, and the echo model in dev without keys.
func buildAI(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (adapter.AIServiceAdapter, error) {
	byProvider := map[string]adapter.AIServiceAdapter{}
	if cfg.AI.OpenAIKey != "" {
		model := ""
		if cfg.AI.Provider == "openai" {
			model = cfg.AI.ChatModel
		}
		a, err := aiAdapters.NewOpenAIAdapter(cfg.AI.OpenAIKey, cfg.AI.OpenAIBaseURL, model, cfg.AI.MaxOutputTokens)
		if err != nil {
			return nil, fmt.Errorf("openai adapter: %w", err)
		}
		byProvider["openai"] = a
	}
	if cfg.AI.GeminiKey != "" {
		model := ""
		if cfg.AI.Provider == "gemini" {
			model = cfg.AI.ChatModel
		}
		a, err := aiAdapters.NewGeminiAdapter(ctx, cfg.AI.GeminiKey, cfg.AI.GeminiURL, model, cfg.AI.MaxOutputTokens)
		if err != nil {
			return nil, fmt.Errorf("gemini adapter: %w", err)
		}
		byProvider["gemini"] = a
	}

	var ai adapter.AIServiceAdapter
	switch len(byProvider) {
	case 0:
		if !cfg.Runtime.Dev {
			return nil, fmt.Errorf("no AI provider configured")
		}
		logger.Warn().Msg("no AI keys; using the echo model")
		ai = aiAdapters.NewNoopAIAdapter(logger)
	case 1:
		for name, a := range byProvider {
			logger.Info().Str("provider", name).Str("model", cfg.AI.ChatModel).Msg("AI adapter ready")
			ai = a
		}
	default:
		router, err := aiAdapters.NewRouter(cfg.AI.Provider, byProvider, cfg.AI.ModelProviders)
		if err != nil {
			return nil, fmt.Errorf("ai router: %w", err)
		}
		logger.Info().Str("default", cfg.AI.Provider).Msg("AI adapters ready: openai, gemini")
		ai = router
	}
	return aiAdapters.NewLimitedAI(ai, cfg.AI.ConcurrentLimit), nil
}

// buildEmbedder returns the cached embedder and a release func.
func buildEmbedder(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (adapter.EmbeddingAdapter, func(), error) {
	ec := cfg.AI.Embedding
	var inner adapter.EmbeddingAdapter
	var err error
	switch {
	case ec.Provider == "openai" && cfg.AI.OpenAIKey != "":
		inner, err = aiAdapters.NewOpenAIEmbedder(cfg.AI.OpenAIKey, cfg.AI.OpenAIBaseURL, ec.Model, ec.Dimensions)
	case ec.Provider == "gemini" && cfg.AI.GeminiKey != "":
		inner, err = aiAdapters.NewGeminiEmbedder(ctx, cfg.AI.GeminiKey, cfg.AI.GeminiURL, ec.Model, ec.Dimensions)
	case ec.Provider == "hash" || cfg.Runtime.Dev:
		logger.Warn().Msg("using the hashing embedder; semantic recall is approximate")
		inner = aiAdapters.NewHashEmbedder(ec.Dimensions)
	default:
		return nil, nil, fmt.Errorf("embedding provider %q has no API key", ec.Provider)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("embedder: %w", err)
	}
	cached, err := aiAdapters.NewCachedEmbedder(inner, ec.CacheEntries, ec.CacheTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("embedding cache: %w", err)
	}
	return cached, cached.Close, nil
}

type integrations struct {
	email    *providers.GmailClient
	calendar *providers.CalendarClient
	crm      *providers.HubspotClient
}

func buildIntegrations(cfg *config.Config, creds adapter.CredentialSource, logger *zerolog.Logger) integrations {
	ic := cfg.Integrations
	opts := func(baseURL string) providers.Options {
		return providers.Options{
			BaseURL:         baseURL,
			Timeout:         ic.Timeout,
			BreakerFailures: ic.BreakerFailures,
			BreakerCooldown: ic.BreakerCooldown,
		}
	}
	hours := providers.WorkingHours{Location: cfg.Location(), StartHour: ic.WorkdayStart, EndHour: ic.WorkdayEnd}
	return integrations{
		email:    providers.NewGmailClient(creds, opts(ic.GmailURL), logger),
		calendar: providers.NewCalendarClient(creds, hours, opts(ic.CalendarURL), logger),
		crm:      providers.NewHubspotClient(creds, opts(ic.HubspotURL), logger),
	}
}
