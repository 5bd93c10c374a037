package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.LLM.Provider != "openai" || cfg.Runtime.MaxIter != 10 {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestLoadTOMLAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strand.toml")
	data := `
[llm]
provider = "gemini"
model = "gemini-2.5-flash"
api_key = "from-file"

[runtime]
max_iter = 3

[runtime.delimiters]
start = "<S>"
arg = "<A>"
end = "<E>"

[observer]
enabled = true

[observer.pricing."gemini-2.5-flash"]
input = 0.15
output = 0.60
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("STRAND_LLM_API_KEY", "from-env")

	cfg := Load(path)
	if cfg.LLM.Provider != "gemini" || cfg.LLM.Model != "gemini-2.5-flash" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.LLM.APIKey != "from-env" {
		t.Errorf("env must win, got %q", cfg.LLM.APIKey)
	}
	if cfg.Runtime.MaxIter != 3 {
		t.Errorf("max_iter = %d", cfg.Runtime.MaxIter)
	}
	if cfg.Runtime.Delimiters.Start != "<S>" {
		t.Errorf("delimiters = %+v", cfg.Runtime.Delimiters)
	}
	if p, ok := cfg.Observer.Pricing["gemini-2.5-flash"]; !ok || p.Input != 0.15 {
		t.Errorf("pricing = %+v", cfg.Observer.Pricing)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if cfg.LLM.Provider != "openai" {
		t.Errorf("cfg = %+v", cfg)
	}
}
