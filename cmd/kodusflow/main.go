// Kodus Flow server — hosts the agent orchestration runtime behind an
// HTTP API: agent and tool invocation, MCP tool discovery and the
// execution kernel.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kodustech/kodus-flow/pkg/api"
	"github.com/kodustech/kodus-flow/pkg/config"
	"github.com/kodustech/kodus-flow/pkg/llm"
	"github.com/kodustech/kodus-flow/pkg/orchestrator"
	"github.com/kodustech/kodus-flow/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting Kodus Flow",
		"version", version.Full(),
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Create LLM adapter
	gatewayURL := getEnv("LLM_GATEWAY_URL", "")
	if gatewayURL == "" {
		slog.Error("LLM_GATEWAY_URL is required")
		os.Exit(1)
	}
	var model string
	if cfg.Defaults != nil {
		model = cfg.Defaults.Model
	}
	adapter, err := llm.NewGatewayAdapter(llm.GatewayConfig{
		BaseURL: gatewayURL,
		APIKey:  os.Getenv("LLM_API_KEY"),
		Model:   model,
	})
	if err != nil {
		slog.Error("Failed to create LLM adapter", "error", err)
		os.Exit(1)
	}
	slog.Info("LLM adapter initialized", "url", gatewayURL, "model", model)

	// 3. Create the orchestration: storage, MCP tools, kernel, agents
	kernelCfg, err := cfg.KernelConfig()
	if err != nil {
		slog.Error("Failed to resolve kernel configuration", "error", err)
		os.Exit(1)
	}

	orch, err := orchestrator.CreateOrchestration(ctx, orchestrator.Config{
		Adapter:     adapter,
		TenantID:    cfg.TenantID,
		Storage:     cfg.Storage,
		MCPRegistry: cfg.MCPRegistry(),
		Kernel:      kernelCfg,
	})
	if err != nil {
		slog.Error("Failed to create orchestration", "error", err)
		os.Exit(1)
	}

	defs, err := cfg.AgentDefinitions()
	if err != nil {
		slog.Error("Failed to resolve agent definitions", "error", err)
		os.Exit(1)
	}
	for _, def := range defs {
		if err := orch.CreateAgent(def); err != nil {
			slog.Error("Failed to register agent", "agent", def.Name, "error", err)
			os.Exit(1)
		}
	}
	stats := cfg.Stats()
	slog.Info("Orchestration ready",
		"tenant", cfg.TenantID,
		"agents", stats.Agents,
		"mcp_servers", stats.MCPServers,
		"storage", cfg.Storage.Kind)

	// 4. Create HTTP server. The review pipeline needs a code-host
	// platform client and is wired by embedders, not the server binary.
	apiServer := api.NewServer(orch, nil, api.Config{AuthToken: cfg.Server.AuthToken})
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 5. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	// 6. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 7. Graceful shutdown: drain HTTP first, then the orchestration
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	orchShutdownCtx, orchCancel := context.WithTimeout(ctx, 30*time.Second)
	defer orchCancel()
	if err := orch.Shutdown(orchShutdownCtx); err != nil {
		slog.Error("Orchestration shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
