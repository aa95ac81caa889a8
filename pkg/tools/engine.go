package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Engine is the tool registry plus execution layer. Every call is
// schema-validated, bounded by the breaker's operation timeout, and
// classified on failure.
type Engine struct {
	logger       *slog.Logger
	breakerCfg   BreakerConfig
	onTransition TransitionFunc

	mu       sync.RWMutex
	tools    map[string]*registered
	breakers map[string]*breaker
}

type registered struct {
	def    Definition
	schema *jsonschema.Schema // nil when the tool declares no input schema
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithBreakerConfig overrides the default circuit breaker tuning.
func WithBreakerConfig(cfg BreakerConfig) EngineOption {
	return func(e *Engine) { e.breakerCfg = cfg }
}

// WithTransitionObserver registers a breaker state-change observer.
func WithTransitionObserver(fn TransitionFunc) EngineOption {
	return func(e *Engine) { e.onTransition = fn }
}

// NewEngine creates an empty tool engine.
func NewEngine(logger *slog.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		logger:   logger.With("component", "tools"),
		tools:    make(map[string]*registered),
		breakers: make(map[string]*breaker),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.breakerCfg.applyDefaults()
	return e
}

// RegisterTool adds a tool definition. Names are unique; the input
// schema, when present, is compiled eagerly so registration fails fast
// on a malformed schema.
func (e *Engine) RegisterTool(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool definition requires a name")
	}
	if def.Execute == nil {
		return fmt.Errorf("tool %s requires an execute function", def.Name)
	}

	var schema *jsonschema.Schema
	if def.InputSchema != nil {
		compiled, err := compileSchema(def.Name, def.InputSchema)
		if err != nil {
			return fmt.Errorf("failed to compile input schema for tool %s: %w", def.Name, err)
		}
		schema = compiled
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.tools[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, def.Name)
	}
	e.tools[def.Name] = &registered{def: def, schema: schema}
	e.breakers[def.Name] = newBreaker(def.Name, e.breakerCfg, e.onTransition)
	e.logger.Info("Tool registered", "tool", def.Name, "categories", def.Categories)
	return nil
}

func compileSchema(name string, doc map[string]any) (*jsonschema.Schema, error) {
	// Round-trip so the compiler sees JSON-native types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, err
	}

	c := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := c.AddResource(resource, normalized); err != nil {
		return nil, err
	}
	return c.Compile(resource)
}

// ExecuteCall validates input, runs the tool under its circuit breaker
// with the operation timeout, and returns a classified result. The
// returned error mirrors Result.Error for direct callers; agent loops
// typically consume the Result alone.
func (e *Engine) ExecuteCall(ctx context.Context, name string, input map[string]any) (*Result, error) {
	start := time.Now()

	e.mu.RLock()
	reg, ok := e.tools[name]
	brk := e.breakers[name]
	e.mu.RUnlock()
	if !ok {
		err := fmt.Errorf("%w: %s", ErrToolNotFound, name)
		return failure(name, err, time.Since(start)), err
	}

	if reg.schema != nil {
		if err := validateInput(reg.schema, input); err != nil {
			verr := fmt.Errorf("%w: %v", ErrValidation, err)
			return failure(name, verr, time.Since(start)), verr
		}
	}

	if !brk.allow() {
		err := fmt.Errorf("%w: tool %s", ErrCircuitOpen, name)
		return failure(name, err, time.Since(start)), err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.breakerCfg.OperationTimeout)
	defer cancel()

	output, err := reg.def.Execute(callCtx, input)
	took := time.Since(start)
	if err != nil {
		brk.recordFailure()
		res := failure(name, err, took)
		e.logger.Warn("Tool call failed",
			"tool", name, "error_kind", res.ErrorKind, "duration", took, "error", err)
		return res, err
	}

	brk.recordSuccess()
	return &Result{ToolName: name, Success: true, Output: output, Duration: took}, nil
}

func validateInput(schema *jsonschema.Schema, input map[string]any) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return err
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return err
	}
	return schema.Validate(normalized)
}

// Get returns a tool definition by name.
func (e *Engine) Get(name string) (Definition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	reg, ok := e.tools[name]
	if !ok {
		return Definition{}, false
	}
	return reg.def, true
}

// ListTools returns all registered definitions sorted by name.
func (e *Engine) ListTools() []Definition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Definition, 0, len(e.tools))
	for _, reg := range e.tools {
		out = append(out, reg.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetToolsForLLM materializes the prompt-facing tool descriptions.
func (e *Engine) GetToolsForLLM() []LLMTool {
	defs := e.ListTools()
	out := make([]LLMTool, len(defs))
	for i, def := range defs {
		out[i] = LLMTool{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.InputSchema,
		}
	}
	return out
}

// BreakerState exposes a tool's breaker state for observability.
func (e *Engine) BreakerState(name string) (BreakerState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	brk, ok := e.breakers[name]
	if !ok {
		return "", false
	}
	return brk.State(), true
}
