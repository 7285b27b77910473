package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"advisor-agent/internal/config"
	"advisor-agent/internal/domain"
	"advisor-agent/internal/domain/ports/adapter"
	tele "advisor-agent/internal/infra/adapters/telegram"
	apihttp "advisor-agent/internal/infra/http"
	"advisor-agent/internal/infra/logging"
	"advisor-agent/internal/infra/metrics"
	natsbus "advisor-agent/internal/infra/nats"
	"advisor-agent/internal/infra/notify"
	red "advisor-agent/internal/infra/redis"
	"advisor-agent/internal/infra/scheduler"
	"advisor-agent/internal/infra/worker"
	"advisor-agent/internal/usecase"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "developer mode: in-memory stores, echo model without keys")
	mintFor := flag.String("mint-token", "", "print an API token for this user id and exit")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		stdlog.Fatalf("config: %v", err)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)

	jwtSecret := cfg.HTTP.JWTSecret
	if jwtSecret == "" {
		logger.Warn().Msg("http.jwt_secret not set; using the INSECURE dev secret")
		jwtSecret = "dev-secret"
	}
	auth := apihttp.NewAuthManager(jwtSecret, 0)
	if *mintFor != "" {
		tok, err := auth.Mint(*mintFor)
		if err != nil {
			stdlog.Fatalf("mint: %v", err)
		}
		fmt.Println(tok)
		return
	}

	if err := run(cfg, auth, logger); err != nil {
		logger.Fatal().Err(err).Msg("advisor-agent stopped")
	}
}

func run(cfg *config.Config, auth *apihttp.AuthManager, logger *zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)
	if cfg.Runtime.Dev {
		logger.Info().Msg("[DEV MODE] enabled")
	}

	// ---- Storage ----
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	if st.pool != nil {
		poolStats := scheduler.NewScheduler(15*time.Second, poolStatsJob(st.pool), logger)
		poolStats.Start(ctx)
		defer poolStats.Stop()
	}

	// ---- Models ----
	ai, err := buildAI(ctx, cfg, logger)
	if err != nil {
		return err
	}
	embedder, closeEmbedder, err := buildEmbedder(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeEmbedder()

	// ---- Notification channels ----
	var fanout notify.Fanout
	var redisClient *red.Client
	if cfg.Redis.Addr != "" {
		redisClient, err = red.NewClient(ctx, &cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer redisClient.Close()
		fanout = append(fanout, red.NewNotifier(redisClient, cfg.Redis.NotifyPrefix))
	}
	var bus *natsbus.Bus
	if cfg.NATS.URL != "" {
		bus, err = natsbus.Connect(cfg.NATS.URL, cfg.NATS.Name, logger)
		if err != nil {
			return err
		}
		defer bus.Close()
		fanout = append(fanout, bus)
	}
	var bot *tele.Bot
	if cfg.Notify.Telegram.Token != "" {
		bot, err = tele.NewBot(cfg.Notify.Telegram.Token, cfg.Notify.Telegram.Chats, cfg.Notify.Telegram.Workers, logger)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		fanout = append(fanout, bot)
	}
	var notifier adapter.Notifier = fanout
	if len(fanout) == 0 {
		notifier = notify.NewLogNotifier(logger)
	}

	// ---- Use cases ----
	ints := buildIntegrations(cfg, st.creds, logger)
	dispatcher := usecase.NewDispatcherUseCase(usecase.DispatcherDeps{
		AI:       ai,
		Email:    ints.email,
		Calendar: ints.calendar,
		CRM:      ints.crm,
		Tasks:    st.tasks,
		Model:    cfg.AI.ChatModel,
		Location: cfg.Location(),
	}, logger)
	retrieval := usecase.NewRetrievalUseCase(embedder, st.docs, cfg.Agent.MaxDistance, cfg.Agent.RetrievalLimit, logger)
	ingest := usecase.NewIngestUseCase(embedder, st.docs, logger)

	// ---- Agents ----
	agentCfg := worker.AgentConfig{
		MessageTimeout:   cfg.Agent.MessageTimeout,
		CycleInterval:    cfg.Agent.CycleInterval,
		TaskTimeout:      cfg.Agent.TaskTimeout,
		MemorySize:       cfg.Agent.MemorySize,
		HistoryTurns:     cfg.Agent.HistoryTurns,
		MaxHistoryTokens: cfg.Agent.MaxHistoryTokens,
		RetrievalLimit:   cfg.Agent.RetrievalLimit,
		ChatModel:        cfg.AI.ChatModel,
		Dev:              cfg.Runtime.Dev,
	}
	deps := worker.AgentDeps{
		AI:           ai,
		Dispatcher:   dispatcher,
		Retrieval:    retrieval,
		Tasks:        st.tasks,
		Instructions: st.instructions,
		TxManager:    st.tx,
		Notifier:     notifier,
	}
	// workers outlive the signal context so shutdown can drain them
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	registry := worker.NewRegistry(workerCtx, func(userID string) *worker.AgentWorker {
		return worker.NewAgentWorker(userID, agentCfg, deps, logger)
	}, logger)

	// ---- Servers ----
	srvDeps := apihttp.Deps{
		Agents:        apihttp.RegistryAgents{Registry: registry},
		Ingest:        ingest,
		Credentials:   st.creds,
		Auth:          auth,
		Models:        ai,
		ChatModel:     cfg.AI.ChatModel,
		WebhookSecret: cfg.HTTP.WebhookSecret,
	}
	if redisClient != nil {
		snapshots := red.NewSnapshotStore(redisClient, cfg.Redis.SnapshotTTL)
		srvDeps.Limiter = red.NewRateLimiter(redisClient, cfg.HTTP.RateLimit, cfg.HTTP.RateWindow)
		srvDeps.Snapshots = snapshots

		persist := scheduler.NewScheduler(cfg.Agent.CycleInterval, scheduler.JobFunc{
			JobName: "agent-snapshots",
			Fn:      func(ctx context.Context) (int, error) { return registry.PersistSnapshots(ctx, snapshots) },
		}, logger)
		persist.Start(ctx)
		defer persist.Stop()
	}
	server := apihttp.NewServer(srvDeps, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(cfg.HTTP.Addr, cfg.HTTP.ReadTimeout, cfg.HTTP.WriteTimeout)
	})
	if bus != nil {
		unsubscribe, err := bus.SubscribeEvents(gctx, func(_ context.Context, userID, eventType string, data map[string]any) error {
			w, err := registry.Get(userID)
			if err != nil {
				return err
			}
			_, err = w.HandleEvent(eventType, data)
			return err
		})
		if err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		defer unsubscribe()
	}
	if bot != nil {
		g.Go(func() error {
			return bot.StartPolling(gctx, func(ctx context.Context, userID, text string) (string, error) {
				w, err := registry.Get(userID)
				if err != nil {
					return "", err
				}
				reply, err := w.ProcessMessage(ctx, text)
				if errors.Is(err, domain.ErrTimeout) {
					return reply.Text, nil
				}
				return reply.Text, err
			})
		})
	}

	// ---- Graceful shutdown ----
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutdown requested")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			logger.Error().Err(err).Msg("http shutdown")
		}
		if err := registry.Shutdown(sctx); err != nil {
			logger.Error().Err(err).Msg("agent workers did not stop in time")
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("bye")
	return nil
}
