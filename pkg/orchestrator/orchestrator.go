// Package orchestrator is the caller-facing surface of the execution
// core. It wires storage, the kernel, the tool engine, MCP tool sources
// and the agent core into one object with create/call operations.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/kodustech/kodus-flow/pkg/agent"
	"github.com/kodustech/kodus-flow/pkg/agent/strategy"
	"github.com/kodustech/kodus-flow/pkg/eventqueue"
	"github.com/kodustech/kodus-flow/pkg/kernel"
	"github.com/kodustech/kodus-flow/pkg/llm"
	"github.com/kodustech/kodus-flow/pkg/masking"
	"github.com/kodustech/kodus-flow/pkg/mcp"
	"github.com/kodustech/kodus-flow/pkg/snapshot"
	"github.com/kodustech/kodus-flow/pkg/storage"
	"github.com/kodustech/kodus-flow/pkg/tools"
)

// Config assembles an orchestration.
type Config struct {
	// Adapter is the LLM adapter shared by every agent. Required.
	Adapter llm.Adapter

	// TenantID scopes storage, kernel context and events.
	TenantID string

	// Storage selects the session and snapshot backend.
	Storage storage.Config

	// MCPRegistry lists MCP servers whose tools join the engine.
	// Optional. MCPServers restricts which servers connect; empty means
	// all registered ones.
	MCPRegistry *mcp.Registry
	MCPServers  []string

	// MCPFactory overrides MCP client creation (tests).
	MCPFactory *mcp.ClientFactory

	// DefaultMaxIterations applies to agents without their own limit.
	DefaultMaxIterations int

	// Kernel overrides the default kernel configuration.
	Kernel kernel.Config

	Logger *slog.Logger
}

// Orchestrator owns one tenant-scoped execution core instance.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger

	backends  *storage.Backends
	engine    *tools.Engine
	kern      *kernel.Kernel
	core      *agent.Core
	mcpClient *mcp.Client

	mu     sync.RWMutex
	agents map[string]agent.Definition
}

// CreateOrchestration wires a full orchestration from config.
func CreateOrchestration(ctx context.Context, cfg Config) (*Orchestrator, error) {
	if cfg.Adapter == nil {
		return nil, llm.ErrNoAdapter
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// 1. Storage backend.
	backends, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	// 2. Tool engine, optionally fed by MCP servers.
	engine := tools.NewEngine(logger)

	var mcpClient *mcp.Client
	factory := cfg.MCPFactory
	if factory == nil && cfg.MCPRegistry != nil {
		factory = mcp.NewClientFactory(cfg.MCPRegistry)
	}
	if factory != nil {
		servers := cfg.MCPServers
		if len(servers) == 0 && cfg.MCPRegistry != nil {
			servers = cfg.MCPRegistry.IDs()
		}
		mcpClient, err = factory.CreateClient(ctx, servers)
		if err != nil {
			_ = backends.Close(ctx)
			return nil, fmt.Errorf("failed to connect MCP servers: %w", err)
		}
		if _, err := mcp.RegisterTools(ctx, mcpClient, engine, logger); err != nil {
			logger.Warn("MCP tool discovery failed, continuing without MCP tools", "error", err)
		}
	}

	// 3. Kernel.
	kcfg := cfg.Kernel
	if kcfg.ID == "" {
		kcfg.ID = "orchestrator-" + uuid.New().String()[:8]
	}
	if kcfg.TenantID == "" {
		kcfg.TenantID = cfg.TenantID
	}
	kcfg.SnapshotOnPause = true
	persistor := snapshot.NewPersistor(backends.Snapshots, logger)
	kern, err := kernel.New(kcfg, persistor, logger)
	if err != nil {
		_ = backends.Close(ctx)
		return nil, fmt.Errorf("failed to create kernel: %w", err)
	}
	if _, err := kern.Initialize(ctx); err != nil {
		_ = backends.Close(ctx)
		return nil, fmt.Errorf("failed to initialize kernel: %w", err)
	}

	// 4. Agent core, publishing onto the kernel stream.
	emit := func(eventType string, data map[string]any) {
		_, _ = kern.EmitAsync(context.Background(), eventType, data, eventqueue.EnqueueOptions{
			TenantID: cfg.TenantID,
		})
	}
	core := agent.NewCore(agent.CoreConfig{
		TenantID:             cfg.TenantID,
		Sessions:             backends.Sessions,
		Tools:                engine,
		Adapter:              cfg.Adapter,
		Emit:                 emit,
		Masker:               masking.NewService(masking.Config{}, logger),
		Logger:               logger,
		DefaultMaxIterations: cfg.DefaultMaxIterations,
	})

	return &Orchestrator{
		cfg:       cfg,
		logger:    logger.With("component", "orchestrator"),
		backends:  backends,
		engine:    engine,
		kern:      kern,
		core:      core,
		mcpClient: mcpClient,
		agents:    make(map[string]agent.Definition),
	}, nil
}

// CreateAgent registers an agent definition.
func (o *Orchestrator) CreateAgent(def agent.Definition) error {
	if def.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	if _, err := strategy.New(def.PlannerType); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.agents[def.Name]; exists {
		return fmt.Errorf("agent %q already exists", def.Name)
	}
	o.agents[def.Name] = def
	o.logger.Info("Agent created", "agent", def.Name, "planner", def.PlannerType)
	return nil
}

// CallAgent executes a registered agent. A missing thread ID gets a
// fresh one (falling back to the supplied session ID first) so every
// call lands in a well-defined conversation.
func (o *Orchestrator) CallAgent(ctx context.Context, name, input string, opts agent.CallOptions) (*agent.CallResult, error) {
	o.mu.RLock()
	def, ok := o.agents[name]
	o.mu.RUnlock()
	if !ok {
		err := fmt.Errorf("agent %q not found", name)
		return &agent.CallResult{
			Success: false,
			Error:   err.Error(),
			Context: agent.CallContext{
				AgentName: name,
				ThreadID:  opts.ThreadID,
				SessionID: opts.SessionID,
			},
		}, err
	}

	if opts.ThreadID == "" {
		if opts.SessionID != "" {
			opts.ThreadID = opts.SessionID
		} else {
			opts.ThreadID = uuid.New().String()
		}
	}

	result, err := o.core.Execute(ctx, def, input, opts)

	// Drain the events the run emitted so stream consumers observe them
	// promptly.
	if _, perr := o.kern.ProcessEvents(ctx); perr != nil {
		o.logger.Debug("Event drain after agent call failed", "error", perr)
	}
	return result, err
}

// CreateTool registers a tool with the engine.
func (o *Orchestrator) CreateTool(def tools.Definition) error {
	return o.engine.RegisterTool(def)
}

// CallTool executes a registered tool directly.
func (o *Orchestrator) CallTool(ctx context.Context, name string, input map[string]any) (*tools.Result, error) {
	return o.engine.ExecuteCall(ctx, name, input)
}

// Tools exposes the tool engine.
func (o *Orchestrator) Tools() *tools.Engine { return o.engine }

// Kernel exposes the underlying kernel.
func (o *Orchestrator) Kernel() *kernel.Kernel { return o.kern }

// Sessions exposes the session store.
func (o *Orchestrator) Sessions() agent.SessionStore { return o.core.Sessions() }

// Shutdown completes the kernel and releases all connections.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := o.kern.Complete(ctx); err != nil {
		firstErr = err
	}
	if o.mcpClient != nil {
		if err := o.mcpClient.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := o.backends.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
