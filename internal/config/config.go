package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Workspace WorkspaceConfig `toml:"workspace"`
	Model     ModelConfig     `toml:"model"`
	Code      CodeConfig      `toml:"code"`
	Observer  ObserverConfig  `toml:"observer"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type DatabaseConfig struct {
	Driver      string `toml:"driver"`
	Path        string `toml:"path"`
	PostgresURL string `toml:"postgres_url"`
}

type WorkspaceConfig struct {
	Path string `toml:"path"`
}

type ModelConfig struct {
	Default string `toml:"default"`
}

type CodeConfig struct {
	NodeBin        string `toml:"node_bin"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	MaxOutputKB    int    `toml:"max_output_kb"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		Server:    ServerConfig{Addr: ":8080"},
		Database:  DatabaseConfig{Driver: "sqlite", Path: "loom.db"},
		Workspace: WorkspaceConfig{Path: filepath.Join(home, "loom-workspace")},
		Code:      CodeConfig{NodeBin: "node", TimeoutSeconds: 30, MaxOutputKB: 64},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "loom.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("LOOM_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("LOOM_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("LOOM_POSTGRES_URL"); v != "" {
		cfg.Database.PostgresURL = v
	}
	if v := os.Getenv("LOOM_WORKSPACE"); v != "" {
		cfg.Workspace.Path = v
	}
	if v := os.Getenv("LOOM_NODE_BIN"); v != "" {
		cfg.Code.NodeBin = v
	}
	if os.Getenv("LOOM_OBSERVER_ENABLED") == "true" || os.Getenv("LOOM_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Database.PostgresURL != "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}

	return cfg
}
