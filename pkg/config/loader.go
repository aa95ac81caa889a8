package config

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/kodustech/kodus-flow/pkg/database"
	"github.com/kodustech/kodus-flow/pkg/mcp"
	"github.com/kodustech/kodus-flow/pkg/review"
	"github.com/kodustech/kodus-flow/pkg/storage"
)

// configFileName is the single configuration file the loader reads.
const configFileName = "kodusflow.yaml"

// envMCPServerURL adds a remote MCP server when set, per the
// environment contract.
const envMCPServerURL = "API_KODUS_MCP_SERVER_URL"

// Initialize loads, resolves and validates the configuration. This is
// the primary entry point.
//
// Steps performed:
//  1. Load kodusflow.yaml from configDir
//  2. Expand environment variables
//  3. Merge user values over the built-in defaults
//  4. Apply environment overrides (storage credentials, MCP endpoint)
//  5. Validate everything
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"agents", stats.Agents,
		"mcp_servers", stats.MCPServers,
		"storage", cfg.Storage.Kind)
	return cfg, nil
}

func load(configDir string) (*Config, error) {
	raw, err := loadYAML(configDir)
	if err != nil {
		return nil, NewLoadError(configFileName, err)
	}

	// User values override the built-in defaults; unset fields keep
	// them.
	merged := defaultYAMLConfig()
	if err := mergo.Merge(merged, raw, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge configuration: %w", err)
	}

	storageCfg, err := resolveStorage(merged.Storage)
	if err != nil {
		return nil, err
	}

	reviewCfg, err := resolveReview(merged.Review)
	if err != nil {
		return nil, err
	}

	mcpServers := merged.MCPServers
	if mcpServers == nil {
		mcpServers = make(map[string]mcp.TransportConfig)
	}
	if endpoint := os.Getenv(envMCPServerURL); endpoint != "" {
		if _, exists := mcpServers["kodus"]; !exists {
			mcpServers["kodus"] = mcp.TransportConfig{
				Type: mcp.TransportTypeHTTP,
				URL:  endpoint,
			}
		}
	}

	return &Config{
		configDir:  configDir,
		TenantID:   merged.TenantID,
		Server:     merged.Server,
		Storage:    storageCfg,
		Defaults:   merged.Defaults,
		Agents:     merged.Agents,
		Review:     reviewCfg,
		MCPServers: mcpServers,
		Kernel:     merged.Kernel,
	}, nil
}

func loadYAML(configDir string) (*KodusYAMLConfig, error) {
	path := filepath.Join(configDir, configFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, err
	}

	data = ExpandEnv(data)

	var config KodusYAMLConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return &config, nil
}

// defaultYAMLConfig is the built-in configuration users override.
func defaultYAMLConfig() *KodusYAMLConfig {
	return &KodusYAMLConfig{
		TenantID: "default",
		Server: &ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: &StorageYAMLConfig{Kind: string(storage.KindInMemory)},
		Defaults: &Defaults{
			MaxIterations: 15,
			Planner:       "react",
		},
		Kernel: &KernelYAMLConfig{
			TenantIsolation:      true,
			BatchedContextWrites: true,
		},
	}
}

// resolveStorage turns the YAML storage section into a backend config,
// filling unset credentials from the environment.
func resolveStorage(sy *StorageYAMLConfig) (storage.Config, error) {
	if sy == nil {
		return storage.Config{Kind: storage.KindInMemory}, nil
	}

	cfg := storage.Config{Kind: storage.Kind(sy.Kind)}
	switch cfg.Kind {
	case storage.KindInMemory, "":
		cfg.Kind = storage.KindInMemory

	case storage.KindPostgres:
		db, err := database.LoadConfigFromEnv()
		if err != nil {
			db = database.Config{}
		}
		if p := sy.Postgres; p != nil {
			if p.Host != "" {
				db.Host = p.Host
			}
			if p.Port != 0 {
				db.Port = p.Port
			}
			if p.Username != "" {
				db.User = p.Username
			}
			if p.Password != "" {
				db.Password = p.Password
			}
			if p.Database != "" {
				db.Database = p.Database
			}
			if p.SSLMode != "" {
				db.SSLMode = p.SSLMode
			}
		}
		cfg.Postgres = db

	case storage.KindMongoDB:
		m := sy.MongoDB
		if m == nil {
			m = &MongoYAMLConfig{}
		}
		resolved := resolveMongo(m)
		cfg.MongoURI = resolved.URI
		cfg.MongoDatabase = resolved.Database

	default:
		return cfg, NewValidationError("storage", sy.Kind, "kind", ErrInvalidValue)
	}
	return cfg, nil
}

// resolveMongo builds the connection URI from discrete fields when no
// URI is given, preferring the MONGODB_* environment variables for
// unset fields.
func resolveMongo(m *MongoYAMLConfig) *MongoYAMLConfig {
	out := *m
	if out.URI != "" {
		return &out
	}
	if out.Host == "" {
		out.Host = os.Getenv("MONGODB_HOST")
	}
	if out.Port == 0 {
		if p, err := strconv.Atoi(os.Getenv("MONGODB_PORT")); err == nil {
			out.Port = p
		}
	}
	if out.Username == "" {
		out.Username = os.Getenv("MONGODB_USERNAME")
	}
	if out.Password == "" {
		out.Password = os.Getenv("MONGODB_PASSWORD")
	}
	if out.Database == "" {
		out.Database = os.Getenv("MONGODB_DATABASE")
	}

	if out.Host == "" {
		out.Host = "localhost"
	}
	if out.Port == 0 {
		out.Port = 27017
	}

	u := &url.URL{
		Scheme: "mongodb",
		Host:   fmt.Sprintf("%s:%d", out.Host, out.Port),
	}
	if out.Username != "" {
		u.User = url.UserPassword(out.Username, out.Password)
	}
	out.URI = u.String()
	return &out
}

// resolveReview converts the YAML review section, parsing durations.
func resolveReview(ry *ReviewYAMLConfig) (*review.Config, error) {
	cfg := review.DefaultConfig()
	if ry == nil {
		return cfg, nil
	}

	if ry.CadenceMode != "" {
		cfg.CadenceMode = review.CadenceMode(ry.CadenceMode)
	}
	if ry.PushesToTrigger > 0 {
		cfg.PushesToTrigger = ry.PushesToTrigger
	}
	if len(ry.IgnorePaths) > 0 {
		cfg.IgnorePaths = ry.IgnorePaths
	}
	if len(ry.Categories) > 0 {
		cfg.ReviewOptions = make(map[string]bool, len(ry.Categories))
		for _, cat := range ry.Categories {
			cfg.ReviewOptions[cat] = true
		}
	}
	cfg.CodeReviewVersion = ry.CodeReviewVersion
	cfg.MinSeverity = review.Severity(ry.MinSeverity)
	cfg.StartReviewMessage = ry.StartReviewMessage
	if ry.BatchSize > 0 {
		cfg.BatchSize = ry.BatchSize
	}
	if ry.MaxFilesInFlight > 0 {
		cfg.MaxFilesInFlight = ry.MaxFilesInFlight
	}
	if ry.MaxConcurrentChunks > 0 {
		cfg.MaxConcurrentChunks = ry.MaxConcurrentChunks
	}
	if ry.RetryAttempts > 0 {
		cfg.RetryAttempts = ry.RetryAttempts
	}

	durations := []struct {
		field string
		raw   string
		dst   *time.Duration
	}{
		{"time_window", ry.TimeWindow, &cfg.TimeWindow},
		{"inter_batch_delay", ry.InterBatchDelay, &cfg.InterBatchDelay},
		{"max_retry_delay", ry.MaxRetryDelay, &cfg.MaxRetryDelay},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, NewValidationError("review", "review", d.field,
				fmt.Errorf("%w: %v", ErrInvalidValue, err))
		}
		*d.dst = parsed
	}
	return cfg, nil
}
