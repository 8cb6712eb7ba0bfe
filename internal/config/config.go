// Package config defines the persisted MCP server configuration schema and
// helpers to load, save, and validate it.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
)

// TransportKind identifies how an MCP server is reached.
type TransportKind string

const (
	// TransportStdio spawns a local subprocess and speaks newline-delimited
	// JSON-RPC over its stdin/stdout.
	TransportStdio TransportKind = "stdio"

	// TransportSSE uses one long-lived HTTP event stream for server→client
	// messages plus POSTs for client→server calls.
	TransportSSE TransportKind = "sse"

	// TransportStreamableHTTP uses a single chunked HTTP exchange per request.
	TransportStreamableHTTP TransportKind = "streamableHttp"
)

// OAuthConfig contains the OAuth settings for a remote MCP server.
type OAuthConfig struct {
	// ClientID is the OAuth client identifier. When empty, Dynamic Client
	// Registration is attempted.
	ClientID string `json:"clientId,omitempty"`

	// ClientSecret is optional for public clients.
	ClientSecret string `json:"clientSecret,omitempty"`

	// Scopes to request (default: mcp:tools, mcp:resources).
	Scopes []string `json:"scopes,omitempty"`
}

// ServerConfig describes one configured MCP server. The id is unique across
// the configuration; transport parameters depend on Type.
type ServerConfig struct {
	ID   string        `json:"id"`
	Type TransportKind `json:"type"`

	// stdio transport parameters.
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// sse / streamableHttp transport parameters.
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// OAuth, when set, marks the server as requiring bearer tokens.
	OAuth *OAuthConfig `json:"oauth,omitempty"`

	// Disabled servers are skipped by ConnectAll.
	Disabled bool `json:"disabled,omitempty"`
}

// Validate checks that the config has the fields its transport requires.
func (c *ServerConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("server config missing id")
	}

	switch c.Type {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("server %s: stdio transport requires command", c.ID)
		}
	case TransportSSE, TransportStreamableHTTP:
		if c.URL == "" {
			return fmt.Errorf("server %s: %s transport requires url", c.ID, c.Type)
		}
		parsed, err := url.Parse(c.URL)
		if err != nil {
			return fmt.Errorf("server %s: invalid url: %w", c.ID, err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("server %s: url scheme must be http or https, got %s", c.ID, parsed.Scheme)
		}
	default:
		return fmt.Errorf("server %s: unknown transport type %q", c.ID, c.Type)
	}

	return nil
}

// Config is the full persisted configuration file.
type Config struct {
	Servers []ServerConfig `json:"servers"`
}

// Validate checks every server config and id uniqueness.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Servers))
	for i := range c.Servers {
		if err := c.Servers[i].Validate(); err != nil {
			return err
		}
		if seen[c.Servers[i].ID] {
			return fmt.Errorf("duplicate server id %q", c.Servers[i].ID)
		}
		seen[c.Servers[i].ID] = true
	}
	return nil
}

// Load reads and validates a configuration file. A missing file yields an
// empty configuration, not an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the configuration file, creating parent directories as needed.
func Save(path string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
