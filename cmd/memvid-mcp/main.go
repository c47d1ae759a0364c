// Command memvid-mcp serves one memvid file's MCP tool surface over stdio.
//
// Unlike the teacher's cmd/akashi (an HTTP API server with MCP mounted
// alongside it at /mcp), memvid carries no HTTP server — the MCP tool
// surface is the only server-shaped external interface this module
// exposes, so this binary's whole job is opening the file and serving
// stdio until the client disconnects.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/memvid/internal/config"
	"github.com/ashita-ai/memvid/internal/engine"
	"github.com/ashita-ai/memvid/internal/mcpserver"
	"github.com/ashita-ai/memvid/internal/service/embedding"
	"github.com/ashita-ai/memvid/internal/ticket"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(os.Getenv("MEMVID_LOG_LEVEL"))}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	path := flag.String("file", "", "path to the memvid file to serve (required)")
	openAIKey := flag.String("openai-key", os.Getenv("OPENAI_API_KEY"), "OpenAI API key for the embedding provider (optional; noop provider used if empty)")
	openAIModel := flag.String("openai-model", "text-embedding-3-small", "OpenAI embedding model name")
	flag.Parse()

	if *path == "" {
		return fmt.Errorf("memvid-mcp: -file is required")
	}

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Info("memvid-mcp starting", "version", version, "file", *path)

	mgr, err := ticket.NewManager(cfg.TicketPrivateKeyPath, cfg.TicketPublicKeyPath)
	if err != nil {
		return fmt.Errorf("ticket manager: %w", err)
	}

	eng, err := engine.Open(*path, engine.Options{Config: cfg, Logger: logger, TicketManager: mgr})
	if err != nil {
		return fmt.Errorf("open %s: %w", *path, err)
	}
	defer func() {
		if closeErr := eng.Close(); closeErr != nil {
			logger.Error("close failed", "error", closeErr)
		}
	}()

	embedder := newEmbeddingProvider(*openAIKey, *openAIModel, cfg, logger)

	srv := mcpserver.New(eng, cfg, mgr, embedder, cfg.RRFConstantK, logger, version)
	return srv.Serve(ctx)
}

func newEmbeddingProvider(apiKey, model string, cfg config.Config, logger *slog.Logger) embedding.Provider {
	if apiKey == "" {
		logger.Info("no OpenAI API key configured, using noop embedding provider")
		return embedding.NewNoopProvider(cfg.VectorDimensions)
	}
	dims := cfg.VectorDimensions
	if dims == 0 {
		dims = 1536
	}
	p, err := embedding.NewOpenAIProvider(apiKey, model, dims)
	if err != nil {
		logger.Warn("openai provider init failed, falling back to noop", "error", err)
		return embedding.NewNoopProvider(cfg.VectorDimensions)
	}
	return p
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
