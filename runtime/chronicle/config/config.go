// Package config loads Chronicle's process configuration from environment
// variables, following the ENV/flag-light style visible across the pack's
// cmd/ packages: no heavyweight config framework, a single Load() that reads
// a handful of well-known names.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config is the resolved process configuration for `chronicle serve`.
type Config struct {
	// DatabaseURL selects the dialect: a postgres:// or postgresql:// URL
	// opens PostgreSQL through pgx; any other value is opened as a SQLite
	// DSN (a file path, or ":memory:").
	DatabaseURL string
	Host        string
	Port        string
	Env         string
	Insecure    bool

	// ProxyURL is this process's own externally-reachable base URL, used
	// to default the event-queue's POST target when no override is set.
	ProxyURL string

	// ProviderAPIKeys maps a well-known provider name to the environment
	// variable value read for its default key, per spec §6.
	ProviderAPIKeys map[string]string
}

// envProviderKeys names the environment variables the external interface
// contract (§6) lists as provider API key defaults.
var envProviderKeys = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"groq":      "GROQ_API_KEY",
	"ollama":    "OLLAMA_API_KEY",
}

// Load reads Config from the process environment. Missing values fall back
// to development-friendly defaults; the only error is an INSECURE value that
// strconv.ParseBool rejects. This matches the
// teacher's own cmd/ packages which treat configuration as best-effort flags
// rather than a validated schema.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:     getenv("DATABASE_URL", "chronicle.db"),
		Host:            getenv("HOST", "localhost"),
		Port:            getenv("PORT", "8080"),
		Env:             getenv("ENV", "development"),
		ProxyURL:        os.Getenv("CHRONICLE_PROXY_URL"),
		ProviderAPIKeys: make(map[string]string),
	}

	insecure, err := strconv.ParseBool(getenv("INSECURE", "false"))
	if err != nil {
		return nil, fmt.Errorf("config: INSECURE: %w", err)
	}
	cfg.Insecure = insecure

	for provider, envVar := range envProviderKeys {
		if v, ok := os.LookupEnv(envVar); ok {
			cfg.ProviderAPIKeys[provider] = v
		}
	}
	return cfg, nil
}

func getenv(name, fallback string) string {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v
	}
	return fallback
}

// Addr is the host:port the HTTP server binds to.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}
