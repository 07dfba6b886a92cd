package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/haven/internal/alerts"
	"github.com/ent0n29/haven/internal/completion"
	"github.com/ent0n29/haven/internal/config"
	"github.com/ent0n29/haven/internal/conversation"
	"github.com/ent0n29/haven/internal/generator"
	"github.com/ent0n29/haven/internal/httpapi"
	"github.com/ent0n29/haven/internal/logging"
	"github.com/ent0n29/haven/internal/observability"
	"github.com/ent0n29/haven/internal/seed"
	"github.com/ent0n29/haven/internal/session"
	"github.com/ent0n29/haven/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chat API server",
	Long: `Starts the HTTP and websocket API. Settings come from the environment
(APP_*, DATABASE_URL, SQLITE_PATH, COMPLETION_* and provider keys). Without a
completion provider the server answers from local fallback replies.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if !cmd.Flags().Changed("log-level") && !cmd.Flags().Changed("log-dev") {
		l, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
		if err != nil {
			return err
		}
		logger = l
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	st, storeMode, err := store.NewStore(ctx, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("store init failed: %w", err)
	}
	defer st.Close()
	logger.Info("store ready", zap.String("mode", storeMode))

	if cfg.SeedFile != "" {
		f, err := seed.Load(cfg.SeedFile)
		if err != nil {
			return err
		}
		sum, err := seed.Apply(ctx, st, f)
		if err != nil {
			return fmt.Errorf("apply seed: %w", err)
		}
		logger.Info("seed applied",
			zap.String("file", cfg.SeedFile),
			zap.Int("links", sum.Links),
			zap.Int("guard_rules", sum.GuardRules),
			zap.Int("personas", sum.Personas),
			zap.Int("conversations", sum.Conversations),
		)
	}

	client, provider, err := completion.NewClient(ctx, completion.Config{
		Provider:      cfg.CompletionProvider,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		OpenAIModel:   cfg.OpenAIModel,
		GeminiAPIKey:  cfg.GeminiAPIKey,
		GeminiModel:   cfg.GeminiModel,
		HTTPURL:       cfg.CompletionHTTPURL,
		HTTPTimeout:   cfg.CompletionHTTPTimeout,
	})
	if err != nil {
		return fmt.Errorf("completion client init failed: %w", err)
	}
	if provider == completion.ProviderNone && !strings.EqualFold(cfg.CompletionProvider, completion.ProviderNone) {
		logger.Warn("no completion provider configured, serving fallback replies only")
	} else {
		logger.Info("completion provider ready", zap.String("provider", provider))
	}

	if provider == completion.ProviderNone {
		client = nil
	}
	gen := generator.New(client, provider,
		generator.WithLogger(logger),
		generator.WithMetrics(metrics),
	)
	emitter := alerts.NewEmitter(st, logger, metrics)
	orchestrator := conversation.NewOrchestrator(st, gen, emitter,
		conversation.WithLogger(logger),
		conversation.WithMetrics(metrics),
		conversation.WithHistoryWindow(cfg.HistoryWindow),
	)

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(s *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
		logger.Debug("session expired", zap.String("session_id", s.ID))
	})
	sessions.StartJanitor(ctx, 5*time.Second)

	api := httpapi.New(cfg, sessions, orchestrator, st, metrics,
		httpapi.WithLogger(logger),
		httpapi.WithBackends(storeMode, provider),
	)
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", zap.Error(err))
			_ = httpServer.Close()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
