package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Providers: ProvidersConfig{
			OpenAI: ProviderConfig{
				BaseURL: "https://api.openai.com/v1",
			},
			OpenRouter: ProviderConfig{
				BaseURL: "https://openrouter.ai/api/v1",
			},
			DefaultProvider: "openai",
			DefaultModel:    "gpt-4o",
		},
		Storage: StorageConfig{
			Driver:     "sqlite",
			SQLitePath: "openfork.db",
		},
		Tools: ToolsConfig{
			RestrictToWorkspace: true,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("OPENFORK_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("OPENFORK_OPENROUTER_API_KEY", &c.Providers.OpenRouter.APIKey)
	envStr("OPENFORK_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("OPENFORK_DEFAULT_MODEL", &c.Providers.DefaultModel)
	envStr("OPENFORK_POSTGRES_DSN", &c.Storage.PostgresDSN)
	envStr("OPENFORK_OTLP_ENDPOINT", &c.Tracing.Endpoint)

	if c.Storage.PostgresDSN != "" {
		c.Storage.Driver = "postgres"
	}
	if v := os.Getenv("OPENFORK_CONTEXT_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Providers.ContextWindow = n
		}
	}
	if c.Tracing.Endpoint != "" {
		c.Tracing.Enabled = true
	}
}
