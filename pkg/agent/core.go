package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kodustech/kodus-flow/pkg/agent/strategy"
	"github.com/kodustech/kodus-flow/pkg/llm"
	"github.com/kodustech/kodus-flow/pkg/masking"
	"github.com/kodustech/kodus-flow/pkg/tools"
)

// CoreConfig wires the agent core's collaborators.
type CoreConfig struct {
	TenantID             string
	Sessions             SessionStore
	Tools                *tools.Engine
	Adapter              llm.Adapter
	Emit                 strategy.EmitFunc
	Masker               *masking.Service
	Logger               *slog.Logger
	DefaultMaxIterations int
}

// Core builds execution contexts, persists messages around strategy
// runs, and guarantees the placeholder message lifecycle.
type Core struct {
	cfg    CoreConfig
	logger *slog.Logger
}

// NewCore creates an agent core. A nil session store gets an in-memory
// one; a nil masker gets the default sanitization config.
func NewCore(cfg CoreConfig) *Core {
	if cfg.Sessions == nil {
		cfg.Sessions = NewMemorySessionStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Masker == nil {
		cfg.Masker = masking.NewService(masking.Config{}, cfg.Logger)
	}
	return &Core{cfg: cfg, logger: cfg.Logger.With("component", "agent")}
}

// Sessions exposes the session store.
func (c *Core) Sessions() SessionStore { return c.cfg.Sessions }

// Execute runs one agent invocation end to end: session resolution,
// message persistence, strategy run, final-response synthesis, and
// placeholder finalization. The placeholder is never left in the
// processing state.
func (c *Core) Execute(ctx context.Context, def Definition, input string, opts CallOptions) (*CallResult, error) {
	start := time.Now()
	correlationID := uuid.New().String()

	// 1. Resolve thread and session per the consistency rule.
	threadID := opts.ThreadID
	if threadID == "" {
		return nil, ErrMissingThread
	}
	sess, err := c.cfg.Sessions.GetOrCreate(ctx, c.cfg.TenantID, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session: %w", err)
	}
	if sess.ThreadID != "" && sess.ThreadID != threadID {
		return nil, fmt.Errorf("%w: supplied %s, session has %s", ErrThreadMismatch, threadID, sess.ThreadID)
	}
	sessionID := sess.ID

	c.logger.Info("Agent execution started",
		"agent", def.Name,
		"thread_id", threadID,
		"correlation_id", correlationID,
		"input", c.cfg.Masker.SanitizeInput(input))

	// 2. Append the user message. Session write failures are logged and
	// do not affect the execution flow.
	if _, err := c.cfg.Sessions.AppendMessage(ctx, sessionID, Message{Role: RoleUser, Content: input}); err != nil {
		c.logger.Warn("Failed to persist user message", "error", err)
	}

	// 3. Append the placeholder assistant message and remember its ID.
	placeholderID, err := c.cfg.Sessions.AppendMessage(ctx, sessionID, Message{
		Role:    RoleAssistant,
		Content: placeholderContent,
		Status:  StatusProcessing,
	})
	if err != nil {
		c.logger.Warn("Failed to persist placeholder message", "error", err)
	}

	// 4. Assemble the strategy context.
	runCtx := ctx
	var cancel context.CancelFunc
	if def.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}

	sc := &strategy.Context{
		ExecutionID:   uuid.New().String(),
		CorrelationID: correlationID,
		TenantID:      c.cfg.TenantID,
		ThreadID:      threadID,
		SessionID:     sessionID,
		Input:         input,
		Identity:      def.Identity,
		Messages:      priorMessages(sess),
		Adapter:       c.cfg.Adapter,
		Tools:         c.cfg.Tools,
		Emit:          c.cfg.Emit,
		Logger:        c.logger.With("agent", def.Name, "correlation_id", correlationID),
		Limits: strategy.Limits{
			MaxThinkingIterations: firstPositive(def.MaxIterations, c.cfg.DefaultMaxIterations),
			MaxExecutionTime:      def.Timeout,
		},
	}

	strat, err := strategy.New(def.PlannerType)
	if err != nil {
		c.finalizePlaceholder(ctx, sessionID, placeholderID, "", err.Error())
		return nil, err
	}

	// 5. Run the strategy and synthesize the final response.
	raw, err := strat.Execute(runCtx, sc)
	if err != nil {
		c.finalizePlaceholder(ctx, sessionID, placeholderID, "", err.Error())
		return &CallResult{
			Success: false,
			Error:   err.Error(),
			Context: c.callContext(def, strat, correlationID, threadID, sessionID, start),
		}, err
	}

	result := &CallResult{
		Success:  raw.Success,
		Error:    raw.Error,
		Context:  c.callContext(def, strat, correlationID, threadID, sessionID, start),
		Metadata: map[string]any{"iterations": raw.Iterations, "tool_calls": raw.ToolCalls},
	}
	if raw.Success {
		result.Result = strategy.CreateFinalResponse(runCtx, sc, raw)
		c.finalizePlaceholder(ctx, sessionID, placeholderID, result.Result, "")
	} else {
		c.finalizePlaceholder(ctx, sessionID, placeholderID, "", raw.Error)
	}

	c.logger.Info("Agent execution finished",
		"agent", def.Name,
		"success", result.Success,
		"duration", result.Context.Duration,
		"iterations", raw.Iterations)
	return result, nil
}

// finalizePlaceholder moves the placeholder message out of processing.
func (c *Core) finalizePlaceholder(ctx context.Context, sessionID, placeholderID, content, errMsg string) {
	if placeholderID == "" {
		return
	}
	update := MessageUpdate{Content: content, Status: StatusCompleted}
	if errMsg != "" {
		update = MessageUpdate{Content: "Execution failed: " + errMsg, Status: StatusError}
	}
	if err := c.cfg.Sessions.UpdateMessage(ctx, sessionID, placeholderID, update); err != nil {
		c.logger.Warn("Failed to finalize placeholder message", "error", err)
	}
}

func (c *Core) callContext(def Definition, strat strategy.Strategy, correlationID, threadID, sessionID string, start time.Time) CallContext {
	return CallContext{
		AgentName:     def.Name,
		CorrelationID: correlationID,
		ThreadID:      threadID,
		SessionID:     sessionID,
		Duration:      time.Since(start),
		ExecutionMode: strat.Name(),
	}
}

// priorMessages projects the session history into adapter messages,
// skipping unfinished placeholders.
func priorMessages(sess *Session) []llm.Message {
	out := make([]llm.Message, 0, len(sess.Messages))
	for _, m := range sess.Messages {
		if m.Status == StatusProcessing {
			continue
		}
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
