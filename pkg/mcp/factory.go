package mcp

import (
	"context"
)

// ClientFactory creates Client instances for agent runs.
type ClientFactory struct {
	registry *Registry

	// createClientFn overrides client creation, used by tests to inject
	// in-memory sessions.
	createClientFn func(ctx context.Context, serverIDs []string) (*Client, error)
}

// NewClientFactory creates a new factory.
func NewClientFactory(registry *Registry) *ClientFactory {
	return &ClientFactory{registry: registry}
}

// CreateClient creates a new Client connected to the specified servers.
// The caller is responsible for calling Close() when done.
func (f *ClientFactory) CreateClient(ctx context.Context, serverIDs []string) (*Client, error) {
	if f.createClientFn != nil {
		return f.createClientFn(ctx, serverIDs)
	}
	client := newClient(f.registry)
	if err := client.Initialize(ctx, serverIDs); err != nil {
		_ = client.Close() // Clean up partial initialization
		return nil, err
	}
	return client, nil
}
