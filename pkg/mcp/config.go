package mcp

import (
	"fmt"
	"sort"
)

// Transport type names accepted in server configuration.
const (
	TransportTypeStdio = "stdio"
	TransportTypeHTTP  = "http"
	TransportTypeSSE   = "sse"
)

// TransportConfig describes how to reach one MCP server.
type TransportConfig struct {
	Type string `yaml:"type" json:"type"`

	// stdio
	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// http / sse
	URL         string `yaml:"url,omitempty" json:"url,omitempty"`
	BearerToken string `yaml:"bearer_token,omitempty" json:"bearer_token,omitempty"`
	VerifySSL   *bool  `yaml:"verify_ssl,omitempty" json:"verify_ssl,omitempty"`
	Timeout     int    `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// ServerConfig is one configured MCP server.
type ServerConfig struct {
	ID        string          `yaml:"id" json:"id"`
	Transport TransportConfig `yaml:"transport" json:"transport"`
}

// Registry holds the configured MCP servers by ID.
type Registry struct {
	servers map[string]ServerConfig
}

// NewRegistry builds a registry from server configs. Later entries with
// a duplicate ID replace earlier ones.
func NewRegistry(servers []ServerConfig) *Registry {
	r := &Registry{servers: make(map[string]ServerConfig, len(servers))}
	for _, s := range servers {
		r.servers[s.ID] = s
	}
	return r
}

// Get returns the config for a server ID.
func (r *Registry) Get(serverID string) (ServerConfig, error) {
	cfg, ok := r.servers[serverID]
	if !ok {
		return ServerConfig{}, fmt.Errorf("unknown MCP server %q", serverID)
	}
	return cfg, nil
}

// IDs returns the configured server IDs in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.servers))
	for id := range r.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
