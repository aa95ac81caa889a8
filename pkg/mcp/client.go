// Package mcp provides MCP (Model Context Protocol) client infrastructure
// for connecting to MCP servers and exposing their tools to the tool engine.
package mcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kodustech/kodus-flow/pkg/version"
)

// conn is the per-server connection state. Its mutex serializes
// connect, reconnect and cache updates for one server, so two servers
// never block each other.
type conn struct {
	mu      sync.Mutex
	session *mcpsdk.ClientSession
	sdk     *mcpsdk.Client

	// tools caches the server's tool list; nil means not yet listed.
	// Reset on reconnect and on InvalidateToolCache.
	tools []*mcpsdk.Tool
}

// Client manages MCP sessions for multiple servers.
// Thread-safe: sessions may be used from multiple goroutines during
// parallel tool execution.
type Client struct {
	registry *Registry
	logger   *slog.Logger

	mu     sync.RWMutex
	conns  map[string]*conn  // serverID → connection state
	failed map[string]string // serverID → last initialization error
}

// newClient creates a new Client.
func newClient(registry *Registry) *Client {
	return &Client{
		registry: registry,
		conns:    make(map[string]*conn),
		failed:   make(map[string]string),
		logger:   slog.Default(),
	}
}

// conn returns the connection slot for a server, creating it if needed.
func (c *Client) conn(serverID string) *conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	cn, ok := c.conns[serverID]
	if !ok {
		cn = &conn{}
		c.conns[serverID] = cn
	}
	return cn
}

// lookup returns the connection slot without creating it.
func (c *Client) lookup(serverID string) (*conn, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cn, ok := c.conns[serverID]
	return cn, ok
}

// Initialize connects to the given MCP servers. Servers that fail to
// connect are recorded and reported by FailedServers; the caller
// decides whether a partial initialization is acceptable.
//
// Always returns nil today; the error return is retained so the
// signature can evolve (e.g. failing when every server fails) without
// breaking callers.
func (c *Client) Initialize(ctx context.Context, serverIDs []string) error {
	for _, serverID := range serverIDs {
		if err := c.InitializeServer(ctx, serverID); err != nil {
			c.mu.Lock()
			c.failed[serverID] = err.Error()
			c.mu.Unlock()
			c.logger.Warn("MCP server failed to initialize",
				"server", serverID, "error", err)
		}
	}
	return nil
}

// InitializeServer connects to a single MCP server. Returns nil if the
// server is already connected.
func (c *Client) InitializeServer(ctx context.Context, serverID string) error {
	cn := c.conn(serverID)
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.session != nil {
		return nil
	}
	return c.dial(ctx, serverID, cn)
}

// dial establishes the transport and MCP handshake for one server.
// Caller must hold cn.mu.
func (c *Client) dial(ctx context.Context, serverID string, cn *conn) error {
	serverCfg, err := c.registry.Get(serverID)
	if err != nil {
		return fmt.Errorf("server %q not found in registry: %w", serverID, err)
	}

	transport, err := createTransport(serverCfg.Transport)
	if err != nil {
		return fmt.Errorf("failed to create transport for %q: %w", serverID, err)
	}

	initCtx, cancel := context.WithTimeout(ctx, InitTimeout)
	defer cancel()

	sdk := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)

	session, err := sdk.Connect(initCtx, transport, nil)
	if err != nil {
		// Close the transport if it implements io.Closer so stdio child
		// processes are not leaked when the handshake fails.
		if closer, ok := transport.(io.Closer); ok {
			_ = closer.Close()
		}
		return fmt.Errorf("failed to connect to %q: %w", serverID, err)
	}

	cn.session = session
	cn.sdk = sdk
	cn.tools = nil

	c.mu.Lock()
	delete(c.failed, serverID)
	c.mu.Unlock()

	c.logger.Info("MCP server connected", "server", serverID)
	return nil
}

// liveSession returns the session for a server, or an error when the
// server has no slot or no established session.
func (c *Client) liveSession(serverID string) (*mcpsdk.ClientSession, error) {
	cn, ok := c.lookup(serverID)
	if !ok {
		return nil, fmt.Errorf("no session for server %q", serverID)
	}
	cn.mu.Lock()
	session := cn.session
	cn.mu.Unlock()
	if session == nil {
		return nil, fmt.Errorf("no session for server %q", serverID)
	}
	return session, nil
}

// ListTools returns the tools of one server, from cache when possible.
func (c *Client) ListTools(ctx context.Context, serverID string) ([]*mcpsdk.Tool, error) {
	cn, ok := c.lookup(serverID)
	if !ok {
		return nil, fmt.Errorf("no session for server %q", serverID)
	}

	cn.mu.Lock()
	if cn.tools != nil {
		tools := cn.tools
		cn.mu.Unlock()
		return tools, nil
	}
	session := cn.session
	cn.mu.Unlock()
	if session == nil {
		return nil, fmt.Errorf("no session for server %q", serverID)
	}

	opCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()

	result, err := session.ListTools(opCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("list tools from %q: %w", serverID, err)
	}

	// Cache a non-nil slice so a hit is distinguishable from "not listed".
	tools := result.Tools
	if tools == nil {
		tools = []*mcpsdk.Tool{}
	}
	cn.mu.Lock()
	cn.tools = tools
	cn.mu.Unlock()

	return tools, nil
}

// ListAllTools returns the tools of every connected server. Individual
// server failures are logged and skipped; an error is returned only
// when no server answered at all.
func (c *Client) ListAllTools(ctx context.Context) (map[string][]*mcpsdk.Tool, error) {
	c.mu.RLock()
	serverIDs := make([]string, 0, len(c.conns))
	for id := range c.conns {
		serverIDs = append(serverIDs, id)
	}
	c.mu.RUnlock()

	result := make(map[string][]*mcpsdk.Tool)
	var lastErr error
	for _, id := range serverIDs {
		if !c.HasSession(id) {
			continue
		}
		tools, err := c.ListTools(ctx, id)
		if err != nil {
			lastErr = err
			c.logger.Warn("Failed to list tools from MCP server",
				"server", id, "error", err)
			continue
		}
		result[id] = tools
	}

	if len(result) == 0 && lastErr != nil {
		return nil, fmt.Errorf("all servers failed to list tools: %w", lastErr)
	}
	return result, nil
}

// CallTool executes a tool on the given server. On a recoverable
// failure it waits a jittered backoff and retries once, recreating the
// session first when the failure was transport-level.
func (c *Client) CallTool(ctx context.Context, serverID, toolName string, args map[string]any) (*mcpsdk.CallToolResult, error) {
	params := &mcpsdk.CallToolParams{
		Name:      toolName,
		Arguments: args,
	}

	result, err := c.callToolOnce(ctx, serverID, params)
	if err == nil {
		return result, nil
	}

	action := ClassifyError(err)
	if action == NoRetry {
		return nil, err
	}

	c.logger.Info("MCP call failed, retrying",
		"server", serverID, "tool", toolName,
		"action", action, "error", err)

	wait := RetryBackoffMin + time.Duration(rand.Int64N(int64(RetryBackoffMax-RetryBackoffMin)))
	select {
	case <-time.After(wait):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if action == RetryNewSession {
		if err := c.reconnect(ctx, serverID); err != nil {
			return nil, fmt.Errorf("session recreation failed for %q: %w", serverID, err)
		}
	}

	result, err = c.callToolOnce(ctx, serverID, params)
	if err != nil {
		return nil, fmt.Errorf("retry failed for %q.%s: %w", serverID, toolName, err)
	}
	return result, nil
}

// callToolOnce performs a single CallTool attempt.
func (c *Client) callToolOnce(ctx context.Context, serverID string, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error) {
	session, err := c.liveSession(serverID)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()

	return session.CallTool(opCtx, params)
}

// reconnect tears down the server's session and dials again. The
// per-server mutex makes concurrent reconnects of one server wait for
// the first; a waiter then finds a live session and returns early.
func (c *Client) reconnect(ctx context.Context, serverID string) error {
	cn := c.conn(serverID)
	cn.mu.Lock()
	defer cn.mu.Unlock()

	if cn.session != nil {
		_ = cn.session.Close()
		cn.session = nil
		cn.sdk = nil
		cn.tools = nil
	}

	reinitCtx, cancel := context.WithTimeout(ctx, ReinitTimeout)
	defer cancel()

	return c.dial(reinitCtx, serverID, cn)
}

// Close shuts down all sessions and transports.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for id, cn := range c.conns {
		cn.mu.Lock()
		if cn.session != nil {
			if err := cn.session.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("close session %q: %w", id, err)
			}
		}
		cn.mu.Unlock()
	}

	c.conns = make(map[string]*conn)
	c.failed = make(map[string]string)

	return firstErr
}

// InvalidateToolCache drops the cached tool list for a server, forcing
// the next ListTools call to re-probe it.
func (c *Client) InvalidateToolCache(serverID string) {
	if cn, ok := c.lookup(serverID); ok {
		cn.mu.Lock()
		cn.tools = nil
		cn.mu.Unlock()
	}
}

// HasSession reports whether a server has an established session.
func (c *Client) HasSession(serverID string) bool {
	cn, ok := c.lookup(serverID)
	if !ok {
		return false
	}
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.session != nil
}

// FailedServers returns the servers that failed to initialize with
// their last error message.
func (c *Client) FailedServers() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make(map[string]string, len(c.failed))
	for k, v := range c.failed {
		result[k] = v
	}
	return result
}
