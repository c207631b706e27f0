package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"elara/internal/policy"
)

// Config models elara.yml.
type Config struct {
	Tools struct {
		Allowlist []string `yaml:"allowlist"`
	} `yaml:"tools"`
	Execution struct {
		MaxDelegations int `yaml:"max_delegations"`
	} `yaml:"execution"`
	Memory struct {
		TopK             int    `yaml:"top_k"`
		CompanionAgentID string `yaml:"companion_agent_id"`
	} `yaml:"memory"`
	Auth struct {
		JWTSecret               string `yaml:"jwt_secret"`
		AllowLegacyActorHeaders bool   `yaml:"allow_legacy_actor_headers"`
	} `yaml:"auth"`
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.Tools.Allowlist = policy.DefaultToolAllowlist()
	cfg.Execution.MaxDelegations = 2
	cfg.Memory.TopK = 3
	cfg.Memory.CompanionAgentID = "companion_primary"
	cfg.Auth.AllowLegacyActorHeaders = true
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Tools.Allowlist) == 0 {
		return fmt.Errorf("config.tools.allowlist is required")
	}
	for _, tool := range c.Tools.Allowlist {
		if tool == "" {
			return fmt.Errorf("config.tools.allowlist contains an empty entry")
		}
	}
	if c.Execution.MaxDelegations < 1 {
		return fmt.Errorf("config.execution.max_delegations must be >= 1")
	}
	if c.Memory.TopK < 1 {
		return fmt.Errorf("config.memory.top_k must be >= 1")
	}
	if c.Memory.CompanionAgentID == "" {
		return fmt.Errorf("config.memory.companion_agent_id is required")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "elara.yml")
}

// FromYAML parses and validates config from raw YAML bytes. Unset sections
// keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOptional returns the workspace config, or the default when no
// elara.yml exists.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}
