// Package config loads engine configuration: defaults, then a TOML file,
// then ENSEMBLE_* environment variables (env wins).
package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	LLM      LLMConfig      `toml:"llm"`
	Engine   EngineConfig   `toml:"engine"`
	Database DatabaseConfig `toml:"database"`
	Observer ObserverConfig `toml:"observer"`
}

type LLMConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
	// ClassifierModel is the (usually cheaper) model the chat router uses
	// for domain classification. Empty means Model.
	ClassifierModel string `toml:"classifier_model"`
}

type EngineConfig struct {
	// StepBudget bounds node invocations per task.
	StepBudget int `toml:"step_budget"`
	// NodeRounds bounds tool-call rounds inside one node.
	NodeRounds int `toml:"node_rounds"`
	// CallTimeoutSeconds bounds each LLM call.
	CallTimeoutSeconds int `toml:"call_timeout_seconds"`
	// MaxRevisions caps paper revision loopbacks.
	MaxRevisions int `toml:"max_revisions"`
	// MinReferences is the minimum literature yield before advancing.
	MinReferences int `toml:"min_references"`
	// MaxConsecutiveFailures terminates a task after this many failing
	// nodes in a row.
	MaxConsecutiveFailures int `toml:"max_consecutive_failures"`
}

type DatabaseConfig struct {
	Driver string `toml:"driver"` // "sqlite" or "postgres"
	Path   string `toml:"path"`   // sqlite file path
	DSN    string `toml:"dsn"`    // postgres connection string
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
	// Detailed logs full prompts and responses on call traces; otherwise
	// only lengths and hashes are recorded.
	Detailed bool `toml:"detailed"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		LLM: LLMConfig{Provider: "gemini", Model: "gemini-2.5-flash"},
		Engine: EngineConfig{
			StepBudget:             40,
			NodeRounds:             8,
			CallTimeoutSeconds:     30,
			MaxRevisions:           3,
			MinReferences:          10,
			MaxConsecutiveFailures: 3,
		},
		Database: DatabaseConfig{Driver: "sqlite", Path: "ensemble.db"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "ensemble.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("ENSEMBLE_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("ENSEMBLE_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("ENSEMBLE_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("ENSEMBLE_CLASSIFIER_MODEL"); v != "" {
		cfg.LLM.ClassifierModel = v
	}
	if v := os.Getenv("ENSEMBLE_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("ENSEMBLE_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("ENSEMBLE_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v, ok := envInt("ENSEMBLE_STEP_BUDGET"); ok {
		cfg.Engine.StepBudget = v
	}
	if v, ok := envInt("ENSEMBLE_NODE_ROUNDS"); ok {
		cfg.Engine.NodeRounds = v
	}
	if v, ok := envInt("ENSEMBLE_CALL_TIMEOUT_SECONDS"); ok {
		cfg.Engine.CallTimeoutSeconds = v
	}
	if v, ok := envInt("ENSEMBLE_MAX_REVISIONS"); ok {
		cfg.Engine.MaxRevisions = v
	}
	if v, ok := envInt("ENSEMBLE_MIN_REFERENCES"); ok {
		cfg.Engine.MinReferences = v
	}
	if v := os.Getenv("ENSEMBLE_OBSERVER_ENABLED"); v != "" {
		cfg.Observer.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("ENSEMBLE_OBSERVER_DETAILED"); v != "" {
		cfg.Observer.Detailed = v == "true" || v == "1"
	}

	return cfg
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
