// Package config holds the service configuration surface.
//
// Values come from environment variables prefixed PATCHWORK_, optionally
// overlaid on a YAML config file. Flag binding happens in cmd.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved service configuration.
type Config struct {
	// Transport.
	ListenAddr string `yaml:"listen_addr"`

	// Control loop.
	MaxRounds      int           `yaml:"max_rounds"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	ValidateTests  bool          `yaml:"validate_tests"`

	// Environment provisioning.
	ReadyTimeout  time.Duration `yaml:"ready_timeout"`
	BaseDomain    string        `yaml:"base_domain"`
	PreviewScheme string        `yaml:"preview_scheme"`
	EnvPrefix     string        `yaml:"env_prefix"`
	SandboxImage  string        `yaml:"sandbox_image"`
	DockerNetwork string        `yaml:"docker_network"`
	IdleStopAfter time.Duration `yaml:"idle_stop_after"`

	// Additional gated tool names beyond the always-gated kinds.
	GatedTools map[string]bool `yaml:"gated_tools"`

	// Durable state.
	StateDir string `yaml:"state_dir"`

	// Persistence sync (best-effort).
	GitHubToken string `yaml:"github_token"`
	GitRemote   string `yaml:"git_remote"`

	// Logging.
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Load resolves configuration from the environment and an optional YAML file.
func Load(file string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PATCHWORK")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8377")
	v.SetDefault("max_rounds", 2)
	v.SetDefault("command_timeout", "600s")
	v.SetDefault("validate_tests", false)
	v.SetDefault("ready_timeout", "180s")
	v.SetDefault("preview_scheme", "https")
	v.SetDefault("env_prefix", "pw-")
	v.SetDefault("sandbox_image", "patchwork-sandbox:latest")
	v.SetDefault("idle_stop_after", "30m")
	v.SetDefault("state_dir", ".patchwork")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")

	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	cfg := &Config{
		ListenAddr:     v.GetString("listen_addr"),
		MaxRounds:      v.GetInt("max_rounds"),
		CommandTimeout: v.GetDuration("command_timeout"),
		ValidateTests:  v.GetBool("validate_tests"),
		ReadyTimeout:   v.GetDuration("ready_timeout"),
		BaseDomain:     v.GetString("base_domain"),
		PreviewScheme:  v.GetString("preview_scheme"),
		EnvPrefix:      v.GetString("env_prefix"),
		SandboxImage:   v.GetString("sandbox_image"),
		DockerNetwork:  v.GetString("docker_network"),
		IdleStopAfter:  v.GetDuration("idle_stop_after"),
		GatedTools:     parseGatedTools(v.GetString("gated_tools")),
		StateDir:       v.GetString("state_dir"),
		GitHubToken:    v.GetString("github_token"),
		GitRemote:      v.GetString("git_remote"),
		LogLevel:       v.GetString("log_level"),
		LogFormat:      v.GetString("log_format"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.MaxRounds < 0 {
		return fmt.Errorf("max_rounds must be >= 0, got %d", c.MaxRounds)
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command_timeout must be positive, got %s", c.CommandTimeout)
	}
	if c.ReadyTimeout <= 0 {
		return fmt.Errorf("ready_timeout must be positive, got %s", c.ReadyTimeout)
	}
	if c.BaseDomain == "" {
		return fmt.Errorf("base_domain is required")
	}
	return nil
}

// parseGatedTools parses a comma-separated list of tool names. A name may be
// suffixed "=false" to explicitly un-gate a previously gated name. Names are
// lowercased to match the gate's lookup.
func parseGatedTools(raw string) map[string]bool {
	out := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, val := part, true
		if i := strings.IndexByte(part, '='); i >= 0 {
			name = strings.TrimSpace(part[:i])
			val = strings.TrimSpace(part[i+1:]) != "false"
		}
		if name != "" {
			out[strings.ToLower(name)] = val
		}
	}
	return out
}
