package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/planprep/enrichment/internal/agent"
	"github.com/planprep/enrichment/internal/api"
	"github.com/planprep/enrichment/internal/config"
	"github.com/planprep/enrichment/internal/database"
	"github.com/planprep/enrichment/internal/geocode"
	"github.com/planprep/enrichment/internal/metrics"
	"github.com/planprep/enrichment/internal/pipeline"
	"github.com/planprep/enrichment/internal/server"
)

var (
	libsqlURL   = flag.String("libsql-url", "", "libSQL database URL (default: file:./enrichment.db)")
	authToken   = flag.String("auth-token", "", "Authentication token for remote databases")
	studentsDir = flag.String("students-dir", "", "Base directory for per-student databases. Enables multi-student mode.")
	transport   = flag.String("transport", "none", "MCP transport to expose: stdio, sse or none")
	mcpAddr     = flag.String("mcp-addr", ":8080", "Address to listen on when using the SSE transport")
	sseEndpoint = flag.String("sse-endpoint", "/sse", "SSE endpoint path when using the SSE transport")
	httpAddr    = flag.String("http-addr", "", "Address for the frontend HTTP API (overrides HTTP_ADDR)")
	devLogging  = flag.Bool("dev-logging", false, "Use human-readable development logging")
)

func main() {
	flag.Parse()

	logger, err := newLogger(*devLogging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal, closing")
		cancel()
	}()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	dbConfig := database.NewConfig()
	if *libsqlURL != "" {
		dbConfig.URL = *libsqlURL
	}
	if *authToken != "" {
		dbConfig.AuthToken = *authToken
	}
	if *studentsDir != "" {
		dbConfig.StudentsDir = *studentsDir
		dbConfig.MultiStudentMode = true
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}

	// Initialize metrics (noop if disabled)
	metrics.InitFromEnv()

	db, err := database.NewManager(dbConfig)
	if err != nil {
		logger.Fatal("failed to create database manager", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("error closing database", zap.Error(err))
		}
	}()

	gateway, cleanup, err := newGateway(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to create analysis gateway", zap.Error(err))
	}
	if cleanup != nil {
		defer cleanup()
	}

	geocoder := geocode.NewClient(cfg.GeocoderURL)

	orch := pipeline.NewOrchestrator(db, gateway, geocoder, logger)
	orch.SetRetryBackoff(cfg.RetryBackoff)

	// Frontend-facing HTTP API.
	handler := api.NewHandler(db, orch, logger)
	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: api.NewRouter(handler)}
	go func() {
		logger.Info("HTTP API listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", zap.Error(err))
			cancel()
		}
	}()

	// Optional MCP surface for agent clients.
	switch *transport {
	case "stdio":
		mcpServer := server.NewMCPServer(db, orch)
		go func() {
			if err := mcpServer.Run(ctx); err != nil {
				logger.Error("MCP server error", zap.Error(err))
			}
		}()
	case "sse":
		mcpServer := server.NewMCPServer(db, orch)
		go func() {
			if err := mcpServer.RunSSE(ctx, *mcpAddr, *sseEndpoint); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("MCP SSE server error", zap.Error(err))
			}
		}()
	case "none":
	default:
		logger.Fatal("unknown transport", zap.String("transport", *transport))
	}

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newGateway(ctx context.Context, cfg *config.Config, logger *zap.Logger) (agent.Gateway, func(), error) {
	switch cfg.AgentBackend {
	case "gemini":
		gw, err := agent.NewGeminiGateway(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, logger)
		if err != nil {
			return nil, nil, err
		}
		return gw, func() { _ = gw.Close() }, nil
	default:
		return agent.NewHTTPGateway(cfg.AgentEndpoint, logger), nil, nil
	}
}
