// vulnforge is the orchestrator process: it drives every claimed SID
// through PLAN→DRAFT→BUILD→RUN→VERIFY→REVIEW→PACK and serves the HTTP API
// for submitting Requirements and polling their progress.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/vulnforge/vulnforge/pkg/api"
	"github.com/vulnforge/vulnforge/pkg/cleanup"
	"github.com/vulnforge/vulnforge/pkg/config"
	"github.com/vulnforge/vulnforge/pkg/containerrt"
	"github.com/vulnforge/vulnforge/pkg/database"
	"github.com/vulnforge/vulnforge/pkg/executor"
	"github.com/vulnforge/vulnforge/pkg/llm"
	"github.com/vulnforge/vulnforge/pkg/masking"
	"github.com/vulnforge/vulnforge/pkg/queue"
	"github.com/vulnforge/vulnforge/pkg/runbook"
	"github.com/vulnforge/vulnforge/pkg/store"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	dataDir := flag.String("data-dir",
		getEnv("DATA_DIR", "."),
		"Path to the root directory for metadata/, artifacts/, and workspaces/")
	allowIntentionalVuln := flag.Bool("allow-intentional-vuln",
		getEnv("ALLOW_INTENTIONAL_VULN", "") == "true",
		"Acknowledge that pkg/pack will produce bundles containing deliberately vulnerable code")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("warning: could not load %s: %v", envPath, err)
		log.Printf("continuing with existing environment variables")
	} else {
		log.Printf("loaded environment from %s", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	gin.SetMode(getEnv("GIN_MODE", "debug"))

	podID := getEnv("POD_ID", hostnameOrDefault())

	log.Printf("starting vulnforge")
	log.Printf("http port: %s", httpPort)
	log.Printf("config directory: %s", *configDir)
	log.Printf("data directory: %s", *dataDir)
	log.Printf("pod id: %s", podID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		log.Fatalf("failed to initialize configuration: %v", err)
	}
	stats := cfg.Stats()
	slog.Info("configuration initialized", "llm_providers", stats.LLMProviders)

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("failed to load database config: %v", err)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer dbClient.Close()
	slog.Info("connected to postgres, schema migrated")

	repo := database.NewRunRepository(dbClient.Pool())

	if err := queue.CleanupStartupOrphans(ctx, repo, cfg.Queue.OrphanThreshold, podID); err != nil {
		slog.Warn("startup orphan recovery failed", "error", err)
	}

	layout := store.NewLayout(*dataDir)

	llmClient := llm.NewFromEnv()
	dockerRT := containerrt.NewDockerRuntime()
	networkPool := executor.NewNetworkPool(dockerRT)

	githubToken := os.Getenv(cfg.GitHub.TokenEnv)
	runbookSvc := runbook.NewService(cfg.Runbook, githubToken)
	maskingSvc := masking.NewMaskingService(cfg.Defaults.Masking)

	pipelineRunner := queue.NewPipelineRunner(
		layout, llmClient, dockerRT, networkPool, repo, runbookSvc, maskingSvc, *allowIntentionalVuln,
	)

	workerPool := queue.NewWorkerPool(podID, repo, cfg.Queue, pipelineRunner)
	if err := workerPool.Start(ctx); err != nil {
		log.Fatalf("failed to start worker pool: %v", err)
	}

	cleanupSvc := cleanup.NewService(cfg.Retention, layout, repo)
	cleanupSvc.Start(ctx)

	server := api.NewServer(cfg, dbClient, repo, layout, workerPool)

	serverErrCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", ":"+httpPort)
		if err := server.Start(":" + httpPort); err != nil {
			serverErrCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-serverErrCh:
		slog.Error("http server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Queue.GracefulShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	cleanupSvc.Stop()
	workerPool.Stop()

	slog.Info("vulnforge stopped")
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "vulnforge-local"
	}
	return h
}
