package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr bool
	}{
		{
			name: "valid stdio",
			cfg:  ServerConfig{ID: "fs", Type: TransportStdio, Command: "mcp-fs"},
		},
		{
			name:    "stdio missing command",
			cfg:     ServerConfig{ID: "fs", Type: TransportStdio},
			wantErr: true,
		},
		{
			name: "valid sse",
			cfg:  ServerConfig{ID: "remote", Type: TransportSSE, URL: "https://example.com/sse"},
		},
		{
			name: "valid streamable http",
			cfg:  ServerConfig{ID: "remote", Type: TransportStreamableHTTP, URL: "http://localhost:8090/mcp"},
		},
		{
			name:    "sse missing url",
			cfg:     ServerConfig{ID: "remote", Type: TransportSSE},
			wantErr: true,
		},
		{
			name:    "bad url scheme",
			cfg:     ServerConfig{ID: "remote", Type: TransportSSE, URL: "ftp://example.com"},
			wantErr: true,
		},
		{
			name:    "missing id",
			cfg:     ServerConfig{Type: TransportStdio, Command: "x"},
			wantErr: true,
		},
		{
			name:    "unknown transport",
			cfg:     ServerConfig{ID: "x", Type: "pigeon"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigDuplicateIDs(t *testing.T) {
	cfg := Config{Servers: []ServerConfig{
		{ID: "a", Type: TransportStdio, Command: "x"},
		{ID: "a", Type: TransportStdio, Command: "y"},
	}}
	if err := cfg.Validate(); err == nil {
		t.Error("expected duplicate id error")
	}
}

func TestLoadSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.json")

	cfg := &Config{Servers: []ServerConfig{
		{ID: "fs", Type: TransportStdio, Command: "mcp-fs", Args: []string{"--root", "/tmp"}},
		{
			ID:   "search",
			Type: TransportStreamableHTTP,
			URL:  "https://search.example.com/mcp",
			Headers: map[string]string{
				"X-Api-Key": "k",
			},
			OAuth: &OAuthConfig{Scopes: []string{"mcp:tools"}},
		},
	}}

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(loaded.Servers))
	}
	if loaded.Servers[1].OAuth == nil || loaded.Servers[1].OAuth.Scopes[0] != "mcp:tools" {
		t.Error("OAuth config did not survive the round trip")
	}
	if loaded.Servers[0].Args[1] != "/tmp" {
		t.Error("stdio args did not survive the round trip")
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("expected empty config for missing file, got %v", err)
	}
	if len(cfg.Servers) != 0 {
		t.Errorf("expected no servers, got %d", len(cfg.Servers))
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.json")
	if err := os.WriteFile(path, []byte(`{"servers":[{"id":"x","type":"stdio"}]}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected validation error for stdio server without command")
	}
}
