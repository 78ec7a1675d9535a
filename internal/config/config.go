// Package config loads the substrate's deployment configuration from a
// TOML file with environment-variable overrides for secrets.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	reploid "github.com/clocksmith/reploid"
	"github.com/clocksmith/reploid/caps"
)

type Config struct {
	LLM       LLMConfig                `toml:"llm"`
	Embedding EmbeddingConfig          `toml:"embedding"`
	Agent     AgentConfig              `toml:"agent"`
	Context   ContextConfig            `toml:"context"`
	Memory    MemoryConfig             `toml:"memory"`
	Workers   WorkersConfig            `toml:"workers"`
	Sandbox   SandboxConfig            `toml:"sandbox"`
	Audit     AuditConfig              `toml:"audit"`
	Caps      map[string]ProfileConfig `toml:"caps"`
	Observer  ObserverConfig           `toml:"observer"`
}

type LLMConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
	Endpoint string `toml:"endpoint"`
}

type EmbeddingConfig struct {
	Provider   string `toml:"provider"`
	Model      string `toml:"model"`
	Dimensions int    `toml:"dimensions"`
	APIKey     string `toml:"api_key"`
}

type AgentConfig struct {
	MaxIterations int    `toml:"max_iterations"`
	ApprovalMode  string `toml:"approval_mode"` // "autonomous" or "interactive"
	ArenaGating   bool   `toml:"arena_gating"`
}

type ContextConfig struct {
	// Models maps a model-id prefix to its limit triple. When any entry
	// is present, these entries replace the stock table; prefixes not
	// listed here resolve to the defaults.
	Models   map[string]reploid.Limits `toml:"models"`
	Defaults reploid.Limits            `toml:"defaults"`
}

type MemoryConfig struct {
	WorkingTokenLimit int    `toml:"working_token_limit"`
	SemanticDir       string `toml:"semantic_dir"`
}

type WorkersConfig struct {
	// Roles maps a model role (orchestrator, fast, code, local) to a
	// model id.
	Roles         map[string]string `toml:"roles"`
	FallbackModel string            `toml:"fallback_model"`
}

type SandboxConfig struct {
	// Binary is the sandboxd executable; empty selects the in-process
	// runner.
	Binary       string   `toml:"binary"`
	TimeoutSecs  int      `toml:"timeout_secs"`
	AllowedHosts []string `toml:"allowed_hosts"`
}

type AuditConfig struct {
	// Backend selects "sqlite", "postgres", or "" (slog only).
	Backend string `toml:"backend"`
	Path    string `toml:"path"` // sqlite file
	DSN     string `toml:"dsn"`  // postgres connection string
}

type ProfileConfig struct {
	Allowed    []string `toml:"allowed"`
	Forbidden  []string `toml:"forbidden"`
	CanNetwork bool     `toml:"can_network"`
	CanEval    bool     `toml:"can_eval"`
	CanFS      bool     `toml:"can_fs"`
	CanProcess bool     `toml:"can_process"`
	Privileged bool     `toml:"privileged"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Load reads the config file at path. A missing file yields the zero
// config (all defaults). Environment variables REPLOID_API_KEY and
// REPLOID_EMBEDDING_API_KEY override the corresponding file values so
// secrets stay out of checked-in configs.
func Load(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(&cfg)
			return cfg, nil
		}
		return cfg, err
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	applyEnv(&cfg)
	return cfg, nil
}

// DefaultPath returns the conventional config location:
// $REPLOID_CONFIG, else ./reploid.toml.
func DefaultPath() string {
	if p := os.Getenv("REPLOID_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(".", "reploid.toml")
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("REPLOID_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("REPLOID_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
}

// CapabilityMatrix builds the runtime matrix: the stock defaults with
// any configured profiles overlaid per prefix.
func (c Config) CapabilityMatrix() *caps.Matrix {
	if len(c.Caps) == 0 {
		return caps.DefaultMatrix()
	}
	profiles := caps.DefaultMatrix().Profiles()
	for prefix, p := range c.Caps {
		profiles[prefix] = caps.Profile{
			Allowed:    p.Allowed,
			Forbidden:  p.Forbidden,
			CanNetwork: p.CanNetwork,
			CanEval:    p.CanEval,
			CanFS:      p.CanFS,
			CanProcess: p.CanProcess,
			Privileged: p.Privileged,
		}
	}
	return caps.NewMatrix(profiles)
}

// ModelLimitRules converts the configured model table to ordered rules,
// longest prefix first so overlapping entries resolve deterministically.
func (c Config) ModelLimitRules() []reploid.ModelLimitRule {
	if len(c.Context.Models) == 0 {
		return nil
	}
	rules := make([]reploid.ModelLimitRule, 0, len(c.Context.Models))
	for prefix, limits := range c.Context.Models {
		rules = append(rules, reploid.ModelLimitRule{Prefix: prefix, Limits: limits})
	}
	return reploid.SortRulesByPrefixLen(rules)
}

// ModelRoles converts the configured role map to model configs.
func (c Config) ModelRoles() map[string]reploid.ModelConfig {
	out := make(map[string]reploid.ModelConfig, len(c.Workers.Roles))
	for role, model := range c.Workers.Roles {
		out[role] = reploid.ModelConfig{Model: model}
	}
	return out
}
