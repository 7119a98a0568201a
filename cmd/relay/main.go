package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/voicerag/relay/internal/config"
	"github.com/voicerag/relay/internal/search"
	"github.com/voicerag/relay/internal/server"
	"github.com/voicerag/relay/internal/telemetry"
	"github.com/voicerag/relay/internal/upstream"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to an optional YAML config file; environment variables override it")
	flag.Parse()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Initialize OpenTelemetry
	shutdownTracer, err := telemetry.InitTracer("voicerag-relay", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	variant, err := upstream.ForVariant(cfg.Model.Variant)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	fields := search.FieldMapping{
		Identifier: cfg.Search.IdentifierField,
		Content:    cfg.Search.ContentField,
		Embedding:  cfg.Search.EmbeddingField,
		Title:      cfg.Search.TitleField,
	}
	searchClient := search.NewClient(
		cfg.Search.Endpoint,
		cfg.Search.Index,
		cfg.Search.APIKey,
		cfg.Search.APIVersion,
		cfg.Search.SemanticConfiguration,
		fields,
		cfg.Search.UseVectorQuery,
		cfg.Search.TopK,
	)
	tool := search.NewTool(searchClient, fields, logger)

	policy := upstream.PolicyFromConfig(cfg, []map[string]any{tool.Schema()})

	realtime := server.NewRealtimeHandler(logger, variant, cfg.Model, policy, tool)
	srv := server.New(cfg.Server.Port, logger, realtime, cfg.Server.StaticDir)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	logger.Info("relay started",
		slog.Int("port", cfg.Server.Port),
		slog.String("variant", cfg.Model.Variant),
		slog.String("search_index", cfg.Search.Index))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	case sig := <-sigChan:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("relay shutdown complete")
}
