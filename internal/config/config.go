// Package config loads the process-wide startup configuration.
// Source priority (highest to lowest):
//  1. Environment variables (ANTHROPIC_API_KEY, OPENAI_API_KEY, MONGO_URI,
//     PG_USER/PG_PASSWORD/PG_DB/DB_HOST, ...)
//  2. .env in the working directory
//  3. Config file path given via --config, or ~/.config/deskhand/config.yaml
//  4. Built-in defaults
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Error is a startup configuration failure. It is fatal and unrecoverable.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// ProviderConfig holds the credentials and model selection for one provider.
type ProviderConfig struct {
	APIKey string `yaml:"api_key"`
	// BaseURL overrides the endpoint for OpenAI-compatible APIs.
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	// MaxTokens caps the response length (Anthropic requires a value).
	MaxTokens int `yaml:"max_tokens"`
	// TimeoutSeconds bounds one generate call; 0 means no adapter timeout.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// TranscriptConfig selects and configures the document store backend.
type TranscriptConfig struct {
	// Backend: "mongo" (default) | "memory"
	Backend  string `yaml:"backend"`
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// IndexConfig selects and configures the relational store backend.
type IndexConfig struct {
	// Backend: "postgres" | "sqlite" (default)
	Backend string `yaml:"backend"`
	// DSN for postgres; composed from PG_* environment variables when unset.
	DSN string `yaml:"dsn"`
	// Path for sqlite; defaults to ~/.local/share/deskhand/sessions.db.
	Path string `yaml:"path"`
}

// LogConfig controls console level and the rotating trace file.
type LogConfig struct {
	// Level: trace|debug|info|warn|error (default info)
	Level string `yaml:"level"`
	// File is the trace file path; empty disables the file sink.
	File string `yaml:"file"`
}

// Config is the complete startup configuration. It is constructed once and
// passed explicitly into the components that need it.
type Config struct {
	// Provider is the active provider name: "anthropic" or "openai".
	Provider string `yaml:"provider"`

	// ContextWindow is the number of recent turns supplied to the provider.
	ContextWindow int `yaml:"context_window"`

	Providers  map[string]*ProviderConfig `yaml:"providers"`
	Transcript TranscriptConfig           `yaml:"transcript"`
	Index      IndexConfig                `yaml:"index"`
	Log        LogConfig                  `yaml:"log"`
}

func DefaultConfig() *Config {
	return &Config{
		ContextWindow: 40,
		Providers: map[string]*ProviderConfig{
			"anthropic": {},
			"openai":    {},
		},
		Transcript: TranscriptConfig{Backend: "mongo", Database: "deskhand"},
		Index:      IndexConfig{Backend: "sqlite"},
		Log:        LogConfig{Level: "info", File: filepath.Join("logs", "deskhand.log")},
	}
}

// GetProviderConfig returns the config block for name, creating an empty one
// if the file did not mention it.
func (c *Config) GetProviderConfig(name string) *ProviderConfig {
	if c.Providers == nil {
		c.Providers = make(map[string]*ProviderConfig)
	}
	pc, ok := c.Providers[name]
	if !ok {
		pc = &ProviderConfig{}
		c.Providers[name] = pc
	}
	return pc
}

// Load builds the configuration from defaults, the config file, .env and the
// environment. Validation happens separately (after CLI flag overrides).
func Load(path string) (*Config, error) {
	// .env before reading the environment, mirroring the original deployment.
	_ = godotenv.Load()

	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, ".config", "deskhand", "config.yaml")
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, &Error{Field: "file", Reason: fmt.Sprintf("parse %s: %v", path, err)}
			}
		case explicit:
			return nil, &Error{Field: "file", Reason: fmt.Sprintf("read %s: %v", path, err)}
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DESKHAND_PROVIDER"); v != "" {
		c.Provider = v
	}
	if v := os.Getenv("DESKHAND_CONTEXT_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.ContextWindow = n
		}
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.GetProviderConfig("anthropic").APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.GetProviderConfig("openai").APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		c.GetProviderConfig("openai").BaseURL = v
	}

	if v := os.Getenv("MONGO_URI"); v != "" {
		c.Transcript.URI = v
	}
	if v := os.Getenv("MONGO_DB"); v != "" {
		c.Transcript.Database = v
	}

	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		c.Index.DSN = v
	} else if dsn := pgDSNFromParts(); dsn != "" {
		c.Index.DSN = dsn
	}
}

// pgDSNFromParts composes the Postgres DSN from the same variables the
// original deployment used.
func pgDSNFromParts() string {
	user := os.Getenv("PG_USER")
	password := os.Getenv("PG_PASSWORD")
	db := os.Getenv("PG_DB")
	host := os.Getenv("DB_HOST")
	if user == "" || password == "" || db == "" || host == "" {
		return ""
	}
	return fmt.Sprintf("postgresql://%s:%s@%s/%s", user, password, host, db)
}

// Validate checks that every value the selected provider and backends require
// is present. Called after CLI flags have been applied.
func (c *Config) Validate() error {
	switch c.Provider {
	case "anthropic", "openai":
	case "":
		return &Error{Field: "provider", Reason: "required; pass --provider or set DESKHAND_PROVIDER"}
	default:
		return &Error{Field: "provider", Reason: fmt.Sprintf("unsupported provider %q (anthropic or openai)", c.Provider)}
	}

	if c.GetProviderConfig(c.Provider).APIKey == "" {
		envName := "OPENAI_API_KEY"
		if c.Provider == "anthropic" {
			envName = "ANTHROPIC_API_KEY"
		}
		return &Error{
			Field:  fmt.Sprintf("providers.%s.api_key", c.Provider),
			Reason: fmt.Sprintf("required; set %s or providers.%s.api_key", envName, c.Provider),
		}
	}

	if c.ContextWindow <= 0 {
		return &Error{Field: "context_window", Reason: "must be positive"}
	}

	switch c.Transcript.Backend {
	case "mongo":
		if c.Transcript.URI == "" {
			return &Error{Field: "transcript.uri", Reason: "required for the mongo backend; set MONGO_URI"}
		}
		if c.Transcript.Database == "" {
			return &Error{Field: "transcript.database", Reason: "required for the mongo backend; set MONGO_DB"}
		}
	case "memory":
	default:
		return &Error{Field: "transcript.backend", Reason: fmt.Sprintf("unsupported backend %q (mongo or memory)", c.Transcript.Backend)}
	}

	switch c.Index.Backend {
	case "postgres":
		if c.Index.DSN == "" {
			return &Error{Field: "index.dsn", Reason: "required for the postgres backend; set POSTGRES_DSN or PG_USER/PG_PASSWORD/PG_DB/DB_HOST"}
		}
	case "sqlite":
	default:
		return &Error{Field: "index.backend", Reason: fmt.Sprintf("unsupported backend %q (postgres or sqlite)", c.Index.Backend)}
	}

	return nil
}
