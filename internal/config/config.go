// Package config loads the strand CLI configuration.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

type Config struct {
	LLM      LLMConfig      `toml:"llm"`
	Runtime  RuntimeConfig  `toml:"runtime"`
	Store    StoreConfig    `toml:"store"`
	Observer ObserverConfig `toml:"observer"`
}

type LLMConfig struct {
	// Provider selects the backend: "openai" (any OpenAI-compatible API)
	// or "gemini".
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
	// BaseURL is the API base for OpenAI-compatible providers.
	BaseURL string `toml:"base_url"`
	// RPM/TPM enable proactive rate limiting when > 0.
	RPM int `toml:"rpm"`
	TPM int `toml:"tpm"`
}

type RuntimeConfig struct {
	// SystemPrompt is prepended to the generated gadget instructions.
	SystemPrompt string `toml:"system_prompt"`
	MaxIter      int    `toml:"max_iter"`
	// MaxConcurrency caps parallel invocations per handler (0 = unbounded;
	// handlers may declare tighter caps of their own).
	MaxConcurrency int `toml:"max_concurrency"`
	// InvocationTimeoutSeconds bounds each gadget execution.
	InvocationTimeoutSeconds int `toml:"invocation_timeout_seconds"`
	// WorkspacePath sandboxes the file, shell and report gadgets.
	WorkspacePath string `toml:"workspace_path"`
	// Delimiters override the invocation grammar markers.
	Delimiters DelimiterConfig `toml:"delimiters"`
}

type DelimiterConfig struct {
	Start string `toml:"start"`
	Arg   string `toml:"arg"`
	End   string `toml:"end"`
}

type StoreConfig struct {
	// Driver selects run-log persistence: "" (disabled), "sqlite" or
	// "postgres".
	Driver string `toml:"driver"`
	// Path is the SQLite database file.
	Path string `toml:"path"`
	// DSN is the PostgreSQL connection string.
	DSN string `toml:"dsn"`
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
		LLM: LLMConfig{
			Provider: "openai",
			Model:    "gpt-4o-mini",
			BaseURL:  "https://api.openai.com/v1",
		},
		Runtime: RuntimeConfig{
			MaxIter:                  10,
			MaxConcurrency:           8,
			InvocationTimeoutSeconds: 60,
			WorkspacePath:            filepath.Join(home, "strand-workspace"),
		},
		Store: StoreConfig{Path: "strand.db"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "strand.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("STRAND_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("STRAND_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("STRAND_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("STRAND_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("STRAND_WORKSPACE"); v != "" {
		cfg.Runtime.WorkspacePath = v
	}
	if v := os.Getenv("STRAND_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
		cfg.Store.Driver = "postgres"
	}
	if v := os.Getenv("STRAND_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}
