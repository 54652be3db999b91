package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/merlinhq/merlin/common/config"
	"github.com/merlinhq/merlin/common/logging"
	"github.com/merlinhq/merlin/common/messaging"
	natsclient "github.com/merlinhq/merlin/common/messaging/nats"
	"github.com/merlinhq/merlin/engine/internal/audit"
	"github.com/merlinhq/merlin/engine/internal/derive"
	"github.com/merlinhq/merlin/engine/internal/dispatch"
	"github.com/merlinhq/merlin/engine/internal/handlers"
	"github.com/merlinhq/merlin/engine/internal/impact"
	"github.com/merlinhq/merlin/engine/internal/llm"
	"github.com/merlinhq/merlin/engine/internal/metrics"
	"github.com/merlinhq/merlin/engine/internal/orchestrator"
	"github.com/merlinhq/merlin/engine/internal/processor"
	"github.com/merlinhq/merlin/engine/internal/proposals"
	"github.com/merlinhq/merlin/engine/internal/ratelimit"
	"github.com/merlinhq/merlin/engine/internal/reconcile"
	"github.com/merlinhq/merlin/engine/internal/repository"
	"github.com/merlinhq/merlin/engine/internal/scheduler"
	"github.com/merlinhq/merlin/engine/internal/server"
	"github.com/merlinhq/merlin/engine/internal/sources/jira"
	"github.com/merlinhq/merlin/engine/internal/sources/slack"
	"github.com/merlinhq/merlin/engine/internal/sources/zoom"
	"github.com/merlinhq/merlin/engine/internal/tokens"
)

type pinger interface {
	Ping(ctx context.Context) error
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("engine"))
	logging.SetDefault(logger)

	slog.Info("Starting Merlin engine",
		slog.Int("port", cfg.Server.Port),
		slog.String("log_level", cfg.Logging.Level),
		slog.String("database", cfg.Database.Type),
		slog.Bool("nats", cfg.NATS.Enabled),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore := openStore(ctx, cfg)
	defer closeStore()

	// Domain services
	llmClient := llm.WithGuard(
		llm.NewHTTPClient(cfg.LLM),
		llm.NewGuard(cfg.LLM.FailureThreshold, cfg.LLM.Cooldown),
	)
	extractor := derive.NewChatExtractor(llmClient)
	reconciler := reconcile.New(slog.Default())
	observer := metrics.Observer{}

	orch := orchestrator.New(impact.NewChatAnalyzer(llmClient, slog.Default()), orchestrator.Config{
		ProposalTTL:     cfg.Workflow.ProposalTTL,
		AnalysisTimeout: cfg.Workflow.AnalysisTimeout,
		MaxParallel:     cfg.Workflow.MaxParallelAnalyses,
	}, slog.Default()).WithObserver(observer)
	workflowJob := orchestrator.NewWorkflowJob(orch, jira.WorkflowTrigger, jira.WorkflowEventTypes...)

	proc := processor.New(store, slog.Default(),
		jira.NewAdapter(reconciler, jira.NewClient(cfg.Jira), workflowJob),
		zoom.NewAdapter(zoom.NewClient(cfg.Zoom), cfg.Zoom.Timeout, extractor, reconciler),
		slack.NewAdapter(extractor, reconciler),
	).WithObserver(observer)

	indexer, err := audit.NewOpenSearchIndexer(cfg.OpenSearch)
	if err != nil {
		slog.Error("Failed to create audit indexer", logging.Error(err))
		os.Exit(1)
	}
	if osi, ok := indexer.(*audit.OpenSearchIndexer); ok {
		if err := osi.EnsureTemplate(ctx); err != nil {
			slog.Warn("Could not install audit index template", logging.Error(err))
		}
	}
	proc.WithIndexer(indexer)

	proposalService := proposals.NewService(store, slog.Default()).WithObserver(observer)

	// Dispatch
	var (
		dispatcher dispatch.Dispatcher
		nc         *natsclient.JetStreamClient
	)
	if cfg.NATS.Enabled {
		natsCfg := natsclient.DefaultConfig()
		natsCfg.URL = cfg.NATS.URL
		if cfg.NATS.MaxReconnects != 0 {
			natsCfg.MaxReconnects = cfg.NATS.MaxReconnects
		}
		if cfg.NATS.ReconnectWait > 0 {
			natsCfg.ReconnectWait = cfg.NATS.ReconnectWait
		}
		natsCfg.Logger = slog.Default()

		nc, err = natsclient.NewJetStreamClient(natsCfg)
		if err != nil {
			slog.Error("Failed to connect to NATS", slog.String("url", cfg.NATS.URL), logging.Error(err))
			os.Exit(1)
		}
		defer nc.Close()
		proc.WithPublisher(nc)
		proposalService = proposalService.WithPublisher(nc)

		js, err := dispatch.NewJetStream(ctx, nc, proc, cfg.NATS, cfg.Workflow.RunTimeout, slog.Default())
		if err != nil {
			slog.Error("Failed to declare dispatch stream", logging.Error(err))
			os.Exit(1)
		}
		if err := js.Start(ctx); err != nil {
			slog.Error("Failed to start dispatch consumer", logging.Error(err))
			os.Exit(1)
		}
		dispatcher = js
		slog.Info("Using JetStream dispatcher", slog.String("url", cfg.NATS.URL))
	} else {
		dispatcher = dispatch.NewInProcess(proc, cfg.Workflow.RunTimeout, slog.Default())
		slog.Info("Using in-process dispatcher")
	}

	limiter, err := ratelimit.New(ctx, cfg.Redis)
	if err != nil {
		slog.Error("Failed to initialize rate limiter", logging.Error(err))
		os.Exit(1)
	}
	defer limiter.Close()

	sweeper := scheduler.NewSweeper(proposalService, cfg.Workflow.SweepInterval, slog.Default())
	go sweeper.Start(ctx)

	// HTTP
	health := handlers.NewHealthHandler(proc.Health)
	if p, ok := store.(pinger); ok {
		health.AddCheck("database", p.Ping)
	}
	if nc != nil {
		health.AddCheck("nats", func(ctx context.Context) error {
			if st := messaging.CheckClientHealth(ctx, nc); !st.Healthy() {
				return errors.New(st.Error)
			}
			return nil
		})
	}

	router := server.NewRouter(server.Handlers{
		Health: health,
		Webhooks: handlers.NewWebhookHandler(store, dispatcher, proc, limiter, handlers.Secrets{
			Jira:  cfg.Jira.WebhookSecret,
			Zoom:  cfg.Zoom.WebhookSecret,
			Slack: cfg.Slack.SigningSecret,
		}, cfg.Workflow, slog.Default()),
		Events:    handlers.NewEventHandler(store, proc, dispatcher, slog.Default()),
		Proposals: handlers.NewProposalHandler(proposalService, slog.Default()),
		Artifacts: handlers.NewArtifactHandler(store, proposalService, slog.Default()),
		Auth:      handlers.NewAuthenticator(tokens.NewManager(cfg.Auth)),
	}, slog.Default())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("Merlin engine listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server error", logging.Error(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server")
	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", logging.Error(err))
	}
	// In-flight runs finish before the store goes away.
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Dispatcher did not drain", logging.Error(err))
	}
	sweeper.Stop()
	cancel()

	slog.Info("Server stopped gracefully")
}

// openStore connects the configured backend and applies migrations.
func openStore(ctx context.Context, cfg *config.Config) (repository.Store, func()) {
	if cfg.Database.Type != "postgres" {
		slog.Warn("Using in-memory store (development only)")
		return repository.NewMemoryStore(), func() {}
	}

	pg := cfg.Database.Postgres
	slog.Info("Connecting to PostgreSQL",
		slog.String("host", pg.Host),
		slog.Int("port", pg.Port),
		slog.String("database", pg.Database),
	)
	connString := pg.ConnectionString()
	store, err := repository.NewPostgresStore(ctx, connString, pg.MaxConns)
	if err != nil {
		slog.Error("Failed to connect to PostgreSQL", logging.Error(err))
		os.Exit(1)
	}

	slog.Info("Running database migrations", slog.String("dir", cfg.Database.MigrationsDir))
	status, err := repository.MigrateUp(connString, cfg.Database.MigrationsDir)
	if err != nil {
		store.Close()
		slog.Error("Failed to run migrations", logging.Error(err))
		os.Exit(1)
	}
	slog.Info("Database migration complete",
		slog.Uint64("version", uint64(status.Version)),
		slog.Bool("dirty", status.Dirty),
	)
	return store, store.Close
}
