package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/leadpulse/leadpulse/internal/ai"
	"github.com/leadpulse/leadpulse/internal/buffer"
	"github.com/leadpulse/leadpulse/internal/compliance"
	"github.com/leadpulse/leadpulse/internal/config"
	"github.com/leadpulse/leadpulse/internal/ingress"
	"github.com/leadpulse/leadpulse/internal/orchestrator"
	"github.com/leadpulse/leadpulse/internal/provider"
	"github.com/leadpulse/leadpulse/internal/queue"
	"github.com/leadpulse/leadpulse/internal/resilience"
	"github.com/leadpulse/leadpulse/internal/store"
	"github.com/leadpulse/leadpulse/internal/store/pg"
	"github.com/leadpulse/leadpulse/internal/telemetry"
	"github.com/leadpulse/leadpulse/internal/worker"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server and queue workers",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Database.PostgresDSN == "" {
		slog.Error("LEADPULSE_POSTGRES_DSN environment variable is not set")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	db, err := pg.OpenDB(cfg.Database.PostgresDSN)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	stores := pg.NewPGStores(db)

	queueOpts := []queue.Option{
		queue.WithMaxAttempts(cfg.Queue.MaxAttempts),
		queue.WithBaseDelay(time.Duration(cfg.Queue.BaseDelaySeconds) * time.Second),
	}
	inboundQ := queue.NewPGQueue(db, "inbound_jobs", queueOpts...)
	outboundQ := queue.NewPGQueue(db, "outbound_jobs", queueOpts...)

	notifier := resilience.LogNotifier{}
	runner := resilience.NewRunner(stores.Alerts, notifier)
	defer runner.Close()

	gateway := compliance.NewGateway(stores.Configs)
	factory := provider.NewFactory(stores.Channels)
	chat := ai.NewClient(cfg.AI.APIKey, cfg.AI.BaseURL, cfg.AI.Model).
		WithGeneration(cfg.AI.MaxTokens, cfg.AI.Temperature)

	orch := orchestrator.New(stores, gateway, chat, outboundQ, runner, notifier, orchestrator.Config{
		SystemPrompt:         cfg.Orchestrator.SystemPrompt,
		ReactivationKeywords: cfg.Orchestrator.ReactivationKeywords,
		HoldingTemplate:      cfg.Orchestrator.HoldingTemplate,
		FollowupTemplate:     cfg.Orchestrator.FollowupTemplate,
		TemplateLanguage:     cfg.Orchestrator.TemplateLanguage,
	})

	buf := buffer.New(stores.Leads, orch.ProcessBurst, buffer.Options{
		Window:      time.Duration(cfg.Buffer.WindowSeconds) * time.Second,
		LockRetries: cfg.Buffer.LockRetries,
		RetryDelay:  time.Duration(cfg.Buffer.RetryDelaySeconds) * time.Second,
		WindowFor:   tenantWindow(stores.Configs),
		OnGiveUp:    worker.RequeueBurst(inboundQ),
		OnError: func(tenantID, phone string, err error) {
			slog.Warn("burst processing failed", "tenant", tenantID, "phone", phone, "error", err)
		},
	})
	defer buf.Stop()

	server := ingress.NewServer(factory, inboundQ)
	pollInterval := time.Duration(cfg.Workers.PollIntervalMS) * time.Millisecond
	inboundW := worker.NewInbound(inboundQ, stores, buf, runner, cfg.Workers.InboundConcurrency).
		WithPollInterval(pollInterval)
	outboundW := worker.NewOutbound(outboundQ, stores, factory, runner, cfg.Workers.OutboundConcurrency).
		WithPollInterval(pollInterval)
	janitor := worker.NewJanitor(inboundQ, outboundQ, stores, orch, runner, cfg.Janitor.Cron)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx, cfg.ListenAddr()) })
	g.Go(func() error { return inboundW.Run(ctx) })
	g.Go(func() error { return outboundW.Run(ctx) })
	g.Go(func() error { return janitor.Run(ctx) })
	g.Go(func() error {
		config.Watch(ctx, cfgPath, func(next *config.Config) {
			orch.UpdateConfig(orchestrator.Config{
				SystemPrompt:         next.Orchestrator.SystemPrompt,
				ReactivationKeywords: next.Orchestrator.ReactivationKeywords,
				HoldingTemplate:      next.Orchestrator.HoldingTemplate,
				FollowupTemplate:     next.Orchestrator.FollowupTemplate,
				TemplateLanguage:     next.Orchestrator.TemplateLanguage,
			})
		})
		return nil
	})

	slog.Info("leadpulse running", "addr", cfg.ListenAddr(), "version", Version)

	if err := g.Wait(); err != nil && err != context.Canceled {
		slog.Error("service stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

// tenantWindow lets tenants override the burst window via their stored
// config. Lookup failures fall back to the process-wide default.
func tenantWindow(configs store.ConfigStore) func(tenantID string) time.Duration {
	return func(tenantID string) time.Duration {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		tc, err := configs.Get(ctx, tenantID)
		if err != nil || tc.DebounceSeconds <= 0 {
			return 0
		}
		return time.Duration(tc.DebounceSeconds) * time.Second
	}
}
