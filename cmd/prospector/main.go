package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"

	"github.com/veridian-labs/prospector/internal/bus"
	"github.com/veridian-labs/prospector/internal/config"
	"github.com/veridian-labs/prospector/internal/health"
	"github.com/veridian-labs/prospector/internal/metrics"
	"github.com/veridian-labs/prospector/internal/mgmt"
	"github.com/veridian-labs/prospector/internal/notify"
	"github.com/veridian-labs/prospector/internal/phase"
	"github.com/veridian-labs/prospector/internal/pipeline"
	"github.com/veridian-labs/prospector/internal/retry"
	"github.com/veridian-labs/prospector/internal/session"
	"github.com/veridian-labs/prospector/internal/stage"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("backend", cfg.BackendBaseURL).
		Str("mgmt_addr", cfg.MgmtListenAddr).
		Bool("slack_enabled", cfg.SlackEnabled()).
		Msg("starting prospector")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Pipeline definition: YAML file or the built-in defaults with
	// scraper limits from the environment.
	pl, err := config.LoadPipeline(cfg.PipelineFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load pipeline definition")
	}
	if cfg.PipelineFile == "" {
		pl.Scraper.MaxPages = cfg.ScrapeMaxPages
		pl.Scraper.TimeoutSeconds = int(cfg.ScrapeTimeout.Seconds())
	}

	collector := metrics.New()
	eventBus := bus.New(64)
	defer eventBus.Close()

	store := session.NewClient(cfg.BackendBaseURL, cfg.BackendAPIKey, logger)
	cache := stage.NewCache(cfg.CacheWindow, logger)

	executor := phase.NewExecutor(phase.ExecutorConfig{
		BaseURL:   cfg.BackendBaseURL,
		APIKey:    cfg.BackendAPIKey,
		Timeout:   cfg.InvokeTimeout,
		Confirmer: phase.CeilingConfirmer{CeilingUSD: cfg.CostCeilingUSD},
		Metrics:   collector,
	}, logger)
	phases := phase.NewPhases(executor, cache, pl, logger)

	orchestrator := pipeline.New(pipeline.Config{
		Store:   store,
		Runner:  phases,
		Cache:   cache,
		Bus:     eventBus,
		Metrics: collector,
		Retry:   retry.DefaultConfig(),
	}, logger)

	// Health checks
	checker := health.NewChecker(logger)
	checker.Register("session-store", func(ctx context.Context) health.Status {
		if store.Current() != nil {
			return health.StatusOK
		}
		// No session yet is not a failure, just untested connectivity.
		return health.StatusDegraded
	})

	// Slack approval notifications (optional)
	if cfg.SlackEnabled() {
		poster := slack.New(cfg.SlackBotToken)
		notifier := notify.New(poster, cfg.SlackApprovalChannel, logger)
		notifier.Start(ctx, eventBus)
		logger.Info().Str("channel", cfg.SlackApprovalChannel).Msg("slack approval notifications enabled")
	} else {
		logger.Info().Msg("slack not configured, approvals via management API only")
	}

	handlers := mgmt.NewHandlers(orchestrator, checker, cfg, logger)
	mgmtServer := mgmt.NewServer(mgmt.ServerConfig{
		ListenAddr: cfg.MgmtListenAddr,
		AuthConfig: mgmt.AuthConfig{
			Mode:      cfg.MgmtAuthMode,
			APIKey:    cfg.MgmtAPIKey,
			JWTSecret: cfg.MgmtJWTSecret,
		},
		RateLimit: mgmt.RateLimitConfig{
			RPS:   cfg.MgmtRateLimitRPS,
			Burst: cfg.MgmtRateLimitBurst,
		},
		CORSOrigins: cfg.MgmtCORSOrigins,
	}, handlers, collector, logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mgmtServer.Start(); err != nil {
			logger.Error().Err(err).Msg("management API server error")
		}
	}()

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	cancel()
	orchestrator.Stop()

	if err := mgmtServer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("management API server shutdown error")
	}

	done := make(chan struct{})
	go func() {
		orchestrator.Wait()
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("prospector stopped")
}
