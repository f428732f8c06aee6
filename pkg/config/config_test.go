package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PATCHWORK_BASE_DOMAIN", "preview.example.com")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ListenAddr != ":8377" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.MaxRounds != 2 {
		t.Errorf("MaxRounds = %d, want 2", cfg.MaxRounds)
	}
	if cfg.CommandTimeout != 600*time.Second {
		t.Errorf("CommandTimeout = %s, want 600s", cfg.CommandTimeout)
	}
	if cfg.ReadyTimeout != 180*time.Second {
		t.Errorf("ReadyTimeout = %s, want 180s", cfg.ReadyTimeout)
	}
	if cfg.ValidateTests {
		t.Error("ValidateTests = true, want false by default")
	}
	if cfg.EnvPrefix != "pw-" {
		t.Errorf("EnvPrefix = %q", cfg.EnvPrefix)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("PATCHWORK_BASE_DOMAIN", "preview.example.com")
	t.Setenv("PATCHWORK_MAX_ROUNDS", "5")
	t.Setenv("PATCHWORK_GATED_TOOLS", "run_sql, exec_shell=false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxRounds != 5 {
		t.Errorf("MaxRounds = %d, want 5", cfg.MaxRounds)
	}
	if !cfg.GatedTools["run_sql"] {
		t.Error("run_sql not gated")
	}
	if cfg.GatedTools["exec_shell"] {
		t.Error("exec_shell gated despite =false")
	}
}

func TestLoadConfigFile(t *testing.T) {
	t.Setenv("PATCHWORK_BASE_DOMAIN", "")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte("base_domain: preview.example.com\nmax_rounds: 1\nlisten_addr: \":9000\"\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BaseDomain != "preview.example.com" {
		t.Errorf("BaseDomain = %q", cfg.BaseDomain)
	}
	if cfg.MaxRounds != 1 {
		t.Errorf("MaxRounds = %d, want 1", cfg.MaxRounds)
	}
	if cfg.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
}

func TestValidate(t *testing.T) {
	base := Config{
		MaxRounds:      2,
		CommandTimeout: time.Second,
		ReadyTimeout:   time.Second,
		BaseDomain:     "preview.example.com",
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative rounds", func(c *Config) { c.MaxRounds = -1 }},
		{"zero command timeout", func(c *Config) { c.CommandTimeout = 0 }},
		{"zero ready timeout", func(c *Config) { c.ReadyTimeout = 0 }},
		{"missing base domain", func(c *Config) { c.BaseDomain = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestParseGatedTools(t *testing.T) {
	got := parseGatedTools(" run_sql , , drop_index=true, exec_shell=false ")
	if !got["run_sql"] || !got["drop_index"] {
		t.Errorf("parseGatedTools missing entries: %v", got)
	}
	if got["exec_shell"] {
		t.Error("exec_shell should parse as false")
	}
	if len(parseGatedTools("")) != 0 {
		t.Error("empty input should parse to empty map")
	}

	// Configured case must not matter; the gate looks names up lowercased.
	got = parseGatedTools("Run_SQL, EXEC_SHELL=false")
	if !got["run_sql"] {
		t.Error("Run_SQL did not normalize to run_sql")
	}
	if v, ok := got["exec_shell"]; !ok || v {
		t.Error("EXEC_SHELL=false did not normalize to exec_shell=false")
	}
}
