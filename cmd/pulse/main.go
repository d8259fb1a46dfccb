package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lumina-crm/pulse/internal/alert"
	"github.com/lumina-crm/pulse/internal/analyzer"
	"github.com/lumina-crm/pulse/internal/api"
	"github.com/lumina-crm/pulse/internal/config"
	"github.com/lumina-crm/pulse/internal/hub"
	"github.com/lumina-crm/pulse/internal/ingest"
	"github.com/lumina-crm/pulse/internal/leads"
	"github.com/lumina-crm/pulse/internal/llm"
	"github.com/lumina-crm/pulse/internal/notify"
	"github.com/lumina-crm/pulse/internal/store"
	"github.com/lumina-crm/pulse/internal/ws"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	slog.Info("pulse starting",
		"port", cfg.Port,
		"llm_model", cfg.LLMModel,
		"session_buffer", cfg.SessionBufferSize,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Step 1: Connect to database.
	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	db, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("database connected")

	// Step 2: Fan-out hub with an isolation audit wired to Slack.
	h := hub.New()
	if cfg.SlackBotToken != "" && cfg.SlackAlertChannel != "" {
		alerter := alert.NewAlerter(cfg.SlackBotToken, cfg.SlackAlertChannel)
		h.SetViolationHandler(func(eventName, roomOrg, sessionOrg string) {
			go func() {
				if err := alerter.PostIsolationAlert(ctx, eventName, roomOrg, sessionOrg); err != nil {
					slog.Warn("failed to post isolation alert to Slack", "error", err)
				}
			}()
		})
		slog.Info("Slack isolation alerter enabled", "channel", cfg.SlackAlertChannel)
	}

	// Step 3: Domain services.
	notifications := notify.NewService(db, h.Publish)
	provider := llm.NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey)
	transcripts := analyzer.New(provider, cfg.LLMModel)
	applier := leads.NewApplier(db, h.Publish)

	// Step 4: Optional NATS ingress for producer services.
	if cfg.NatsURL != "" {
		bridge, err := ingest.New(cfg.NatsURL, h.Publish)
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer bridge.Close()

		if err := bridge.Start(); err != nil {
			slog.Error("failed to start ingest bridge", "error", err)
			os.Exit(1)
		}
		slog.Info("NATS ingest bridge started", "nats_url", cfg.NatsURL)
	}

	// Step 5: WebSocket endpoint and HTTP API.
	wsServer := ws.NewServer(h, nil, cfg.SessionBufferSize)
	srv := api.NewServer(notifications, transcripts, applier, wsServer.HandleWebSocket, cfg.Port)
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("pulse ready", "port", cfg.Port)

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	slog.Info("shutting down", "signal", sig)
	cancel()
	h.Shutdown()
	slog.Info("pulse stopped")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
