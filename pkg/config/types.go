// Package config loads and validates the kodusflow.yaml configuration:
// server settings, storage backend, agent definitions, MCP servers,
// kernel tuning and the code-review policy. Environment variables are
// expanded with {{.VAR}} template syntax before parsing.
package config

import (
	"fmt"
	"time"

	"github.com/kodustech/kodus-flow/pkg/agent"
	"github.com/kodustech/kodus-flow/pkg/eventqueue"
	"github.com/kodustech/kodus-flow/pkg/kernel"
	"github.com/kodustech/kodus-flow/pkg/llm"
	"github.com/kodustech/kodus-flow/pkg/mcp"
	"github.com/kodustech/kodus-flow/pkg/review"
	"github.com/kodustech/kodus-flow/pkg/storage"
)

// KodusYAMLConfig represents the complete kodusflow.yaml file structure.
type KodusYAMLConfig struct {
	TenantID   string                         `yaml:"tenant_id"`
	Server     *ServerConfig                  `yaml:"server"`
	Storage    *StorageYAMLConfig             `yaml:"storage"`
	Defaults   *Defaults                      `yaml:"defaults"`
	Agents     map[string]AgentConfig         `yaml:"agents"`
	MCPServers map[string]mcp.TransportConfig `yaml:"mcp_servers"`
	Review     *ReviewYAMLConfig              `yaml:"review"`
	Kernel     *KernelYAMLConfig              `yaml:"kernel"`
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// AuthToken protects the API when set; empty disables auth.
	AuthToken string `yaml:"auth_token"`
}

// Addr returns the listen address.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageYAMLConfig selects and configures the storage backend.
type StorageYAMLConfig struct {
	Kind string `yaml:"kind"`

	Postgres *PostgresYAMLConfig `yaml:"postgres"`
	MongoDB  *MongoYAMLConfig    `yaml:"mongodb"`
}

// PostgresYAMLConfig mirrors the database config; unset fields fall
// back to the DB_* environment variables.
type PostgresYAMLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// MongoYAMLConfig configures the mongodb storage kind either by URI or
// by discrete host|port|username|password|database fields.
type MongoYAMLConfig struct {
	URI      string `yaml:"uri"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// Defaults applies to agents that do not set their own values.
type Defaults struct {
	MaxIterations int    `yaml:"max_iterations"`
	Planner       string `yaml:"planner"`
	Model         string `yaml:"model"`
}

// AgentConfig is one agent definition from YAML.
type AgentConfig struct {
	Identity      string `yaml:"identity"`
	Planner       string `yaml:"planner"`
	MaxIterations int    `yaml:"max_iterations"`
	Timeout       string `yaml:"timeout"`
	Model         string `yaml:"model"`
	EnableSession *bool  `yaml:"enable_session"`
	EnableState   bool   `yaml:"enable_state"`
	EnableMemory  bool   `yaml:"enable_memory"`
}

// ReviewYAMLConfig is the code-review policy from YAML. Durations are
// strings ("15m") parsed during resolution.
type ReviewYAMLConfig struct {
	CadenceMode        string   `yaml:"cadence_mode"`
	PushesToTrigger    int      `yaml:"pushes_to_trigger"`
	TimeWindow         string   `yaml:"time_window"`
	IgnorePaths        []string `yaml:"ignore_paths"`
	Categories         []string `yaml:"categories"`
	CodeReviewVersion  string   `yaml:"code_review_version"`
	MinSeverity        string   `yaml:"min_severity"`
	StartReviewMessage string   `yaml:"start_review_message"`

	BatchSize           int    `yaml:"batch_size"`
	MaxFilesInFlight    int    `yaml:"max_files_in_flight"`
	InterBatchDelay     string `yaml:"inter_batch_delay"`
	MaxConcurrentChunks int    `yaml:"max_concurrent_chunks"`
	RetryAttempts       int    `yaml:"retry_attempts"`
	MaxRetryDelay       string `yaml:"max_retry_delay"`
}

// KernelYAMLConfig tunes the execution kernel from YAML.
type KernelYAMLConfig struct {
	Namespace            string           `yaml:"namespace"`
	TenantIsolation      bool             `yaml:"tenant_isolation"`
	BatchedContextWrites bool             `yaml:"batched_context_writes"`
	CacheSize            int              `yaml:"cache_size"`
	MaxEvents            int64            `yaml:"max_events"`
	MaxDuration          string           `yaml:"max_duration"`
	UseDeltaSnapshots    bool             `yaml:"use_delta_snapshots"`
	Queue                *QueueYAMLConfig `yaml:"queue"`
}

// QueueYAMLConfig tunes the kernel event queue from YAML.
type QueueYAMLConfig struct {
	MaxQueueDepth       int `yaml:"max_queue_depth"`
	BatchSize           int `yaml:"batch_size"`
	LargeEventThreshold int `yaml:"large_event_threshold"`
	MaxRetries          int `yaml:"max_retries"`
	MaxDLQSize          int `yaml:"max_dlq_size"`
}

// Config is the validated, resolved configuration.
type Config struct {
	configDir string

	TenantID string
	Server   *ServerConfig
	Storage  storage.Config
	Defaults *Defaults
	Agents   map[string]AgentConfig
	Review   *review.Config

	// MCPServers feeds the MCP registry; keys are server ids.
	MCPServers map[string]mcp.TransportConfig

	Kernel *KernelYAMLConfig
}

// ConfigDir returns the directory the configuration was loaded from.
func (c *Config) ConfigDir() string { return c.configDir }

// MCPRegistry builds the MCP server registry from configuration.
func (c *Config) MCPRegistry() *mcp.Registry {
	servers := make([]mcp.ServerConfig, 0, len(c.MCPServers))
	for id, transport := range c.MCPServers {
		servers = append(servers, mcp.ServerConfig{ID: id, Transport: transport})
	}
	return mcp.NewRegistry(servers)
}

// AgentDefinitions resolves the configured agents into runtime
// definitions, applying defaults.
func (c *Config) AgentDefinitions() ([]agent.Definition, error) {
	defs := make([]agent.Definition, 0, len(c.Agents))
	for name, ac := range c.Agents {
		def := agent.Definition{
			Name:          name,
			Identity:      ac.Identity,
			PlannerType:   ac.Planner,
			MaxIterations: ac.MaxIterations,
			EnableSession: ac.EnableSession == nil || *ac.EnableSession,
			EnableState:   ac.EnableState,
			EnableMemory:  ac.EnableMemory,
		}
		if def.PlannerType == "" && c.Defaults != nil {
			def.PlannerType = c.Defaults.Planner
		}
		if def.MaxIterations == 0 && c.Defaults != nil {
			def.MaxIterations = c.Defaults.MaxIterations
		}
		model := ac.Model
		if model == "" && c.Defaults != nil {
			model = c.Defaults.Model
		}
		def.LLMDefaults = llm.CallOptions{Model: model}
		if ac.Timeout != "" {
			d, err := time.ParseDuration(ac.Timeout)
			if err != nil {
				return nil, NewValidationError("agent", name, "timeout", fmt.Errorf("%w: %v", ErrInvalidValue, err))
			}
			def.Timeout = d
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// KernelConfig resolves the kernel tuning section into a runtime
// kernel configuration. Unset fields keep the kernel's own defaults.
func (c *Config) KernelConfig() (kernel.Config, error) {
	kc := kernel.Config{TenantID: c.TenantID}
	if c.Kernel == nil {
		return kc, nil
	}

	kc.Namespace = c.Kernel.Namespace
	kc.TenantIsolation = c.Kernel.TenantIsolation
	kc.BatchedContextWrites = c.Kernel.BatchedContextWrites
	kc.CacheSize = c.Kernel.CacheSize
	kc.UseDeltaSnapshots = c.Kernel.UseDeltaSnapshots
	kc.Quotas.MaxEvents = c.Kernel.MaxEvents
	if c.Kernel.MaxDuration != "" {
		d, err := time.ParseDuration(c.Kernel.MaxDuration)
		if err != nil {
			return kernel.Config{}, NewValidationError("kernel", "", "max_duration", fmt.Errorf("%w: %v", ErrInvalidValue, err))
		}
		kc.Quotas.MaxDuration = d
	}
	if q := c.Kernel.Queue; q != nil {
		kc.Queue = eventqueue.Config{
			MaxQueueDepth:       q.MaxQueueDepth,
			BatchSize:           q.BatchSize,
			LargeEventThreshold: q.LargeEventThreshold,
			MaxRetries:          q.MaxRetries,
			MaxDLQSize:          q.MaxDLQSize,
		}
	}
	return kc, nil
}

// Stats summarizes the loaded configuration for startup logging.
type Stats struct {
	Agents     int
	MCPServers int
}

// Stats returns configuration counts.
func (c *Config) Stats() Stats {
	return Stats{Agents: len(c.Agents), MCPServers: len(c.MCPServers)}
}
