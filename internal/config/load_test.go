package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Providers.DefaultProvider != "openai" {
		t.Errorf("default provider = %q", cfg.Providers.DefaultProvider)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("default driver = %q", cfg.Storage.Driver)
	}
}

func TestLoadParsesJSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "openfork.json")
	content := `{
		// local dev setup
		providers: {
			default_model: "gpt-4o-mini",
			openai: {api_key: "sk-test", requests_per_minute: 30},
		},
		agents: [
			{slug: "explore", max_iterations: 5},
		],
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Providers.DefaultModel != "gpt-4o-mini" {
		t.Errorf("model = %q", cfg.Providers.DefaultModel)
	}
	if cfg.Providers.OpenAI.RequestsPerMinute != 30 {
		t.Errorf("rpm = %d", cfg.Providers.OpenAI.RequestsPerMinute)
	}
	if len(cfg.Agents) != 1 || cfg.Agents[0].Slug != "explore" {
		t.Errorf("agents = %+v", cfg.Agents)
	}
	// Defaults survive a partial file.
	if cfg.Providers.OpenAI.BaseURL == "" {
		t.Error("base url default lost")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OPENFORK_OPENAI_API_KEY", "sk-env")
	t.Setenv("OPENFORK_POSTGRES_DSN", "postgres://localhost/openfork")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Providers.OpenAI.APIKey != "sk-env" {
		t.Errorf("api key = %q", cfg.Providers.OpenAI.APIKey)
	}
	if cfg.Storage.Driver != "postgres" {
		t.Errorf("driver = %q, want postgres when a DSN is set", cfg.Storage.Driver)
	}
}
