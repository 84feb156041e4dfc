package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/firmforge/firmforge/internal/api"
	"github.com/firmforge/firmforge/internal/artifact"
	"github.com/firmforge/firmforge/internal/common/config"
	"github.com/firmforge/firmforge/internal/common/logger"
	"github.com/firmforge/firmforge/internal/events"
	"github.com/firmforge/firmforge/internal/llm"
	"github.com/firmforge/firmforge/internal/mcp"
	"github.com/firmforge/firmforge/internal/orchestrator"
	"github.com/firmforge/firmforge/internal/prompt"
	"github.com/firmforge/firmforge/internal/retrieval"
	v1 "github.com/firmforge/firmforge/pkg/api/v1"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(v1.ExitInvalidInput)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting FirmForge service...")

	// 3. Select event bus: NATS when configured, in-process otherwise
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()
	if provided.NATS != nil {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-process event bus")
	}

	// 4. Discover a host compiler for the build readiness stage
	compiler := orchestrator.DiscoverCompiler()
	if compiler != "" {
		log.Info("Host compiler found", zap.String("compiler", compiler))
	} else {
		log.Info("No host compiler found, build stage validates structure only")
	}

	// 5. Load the retrieval corpus
	engine := retrieval.NewEngine(cfg.Retrieval, log)
	log.Info("Loaded retrieval corpus", zap.Int("documents", engine.Size()))

	// 6. Load prompt templates
	prompts := prompt.NewLoader(cfg.Prompts, log)

	// 7. LM client factory. Only the presence of a key is ever logged.
	factory := llm.NewFactory(cfg.LLM, log)
	log.Info("LM factory ready",
		zap.String("default_provider", string(factory.DefaultProvider())),
		zap.String("model", cfg.LLM.Model),
		zap.Bool("api_key_provided", cfg.LLM.APIKey != ""))

	// 8. Capability matrix with persistent audit trail
	audit, err := mcp.NewAuditLog(filepath.Join(cfg.Output.Dir, "mcp_audit.log"), log)
	if err != nil {
		log.Warn("Audit log unavailable, decisions are only logged", zap.Error(err))
		audit = nil
	}
	authz := mcp.New(nil, audit, log)

	// 9. Artifact store
	store, err := artifact.NewStore(cfg.Output.Dir, authz, log)
	if err != nil {
		log.Fatal("Failed to initialize artifact store", zap.Error(err))
	}
	log.Info("Artifact store ready", zap.String("root", store.Root()))

	// 10. Orchestrator over the shared worker pool
	orch := orchestrator.New(cfg, store, authz, engine, prompts, factory, provided.Bus, compiler, log)

	// 11. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	api.SetupRoutes(router, orch, store, engine, provided.Bus, log)

	// 12. Create HTTP server
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 13. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 14. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down FirmForge service...")

	// 15. Graceful shutdown: stop accepting requests, then drain the
	// worker pool so in-flight stages land their artifacts.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	orch.Close()

	log.Info("FirmForge service stopped")
}
