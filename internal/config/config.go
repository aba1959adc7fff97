// Package config holds the application configuration: provider
// credentials, storage backends, agent overrides and runtime knobs.
// Files are JSON5 so they can carry comments.
package config

import (
	"os"
	"path/filepath"
)

// Config is the root configuration document.
type Config struct {
	Providers ProvidersConfig `json:"providers"`
	Storage   StorageConfig   `json:"storage"`
	Agents    []AgentOverride `json:"agents,omitempty"`
	Tools     ToolsConfig     `json:"tools"`
	Tracing   TracingConfig   `json:"tracing"`
}

// ProvidersConfig configures chat providers and model defaults.
type ProvidersConfig struct {
	OpenAI     ProviderConfig `json:"openai"`
	OpenRouter ProviderConfig `json:"openrouter"`

	// DefaultProvider and DefaultModel select the model used when an
	// agent does not name one. Compaction summaries also run here.
	DefaultProvider string `json:"default_provider"`
	DefaultModel    string `json:"default_model"`
	// ContextWindow overrides the default context size for the default
	// model.
	ContextWindow int `json:"context_window,omitempty"`
}

// ProviderConfig is one provider endpoint.
type ProviderConfig struct {
	APIKey            string `json:"api_key,omitempty"`
	BaseURL           string `json:"base_url,omitempty"`
	RequestsPerMinute int    `json:"requests_per_minute,omitempty"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Driver is "sqlite", "postgres" or "memory".
	Driver      string `json:"driver"`
	PostgresDSN string `json:"postgres_dsn,omitempty"`
	SQLitePath  string `json:"sqlite_path,omitempty"`
}

// AgentOverride overlays or adds an agent catalog entry. Entries merge
// with the built-ins by slug.
type AgentOverride struct {
	Slug                   string   `json:"slug"`
	Name                   string   `json:"name,omitempty"`
	Category               string   `json:"category,omitempty"`
	ProviderID             string   `json:"provider_id,omitempty"`
	ModelID                string   `json:"model_id,omitempty"`
	Temperature            float64  `json:"temperature,omitempty"`
	MaxTokens              int      `json:"max_tokens,omitempty"`
	SystemPrompt           string   `json:"system_prompt,omitempty"`
	ExecutionMode          string   `json:"execution_mode,omitempty"`
	MaxIterations          int      `json:"max_iterations,omitempty"`
	MaxConcurrentInstances int      `json:"max_concurrent_instances,omitempty"`
	CanSpawnSubagents      bool     `json:"can_spawn_subagents,omitempty"`
	AllowedSubagentSlugs   []string `json:"allowed_subagent_slugs,omitempty"`
	ToolMode               string   `json:"tool_mode,omitempty"`
	ToolList               []string `json:"tool_list,omitempty"`
}

// ToolsConfig configures tool execution.
type ToolsConfig struct {
	// Workspace is the directory tools operate in. Empty means the
	// current directory.
	Workspace string `json:"workspace,omitempty"`
	// RestrictToWorkspace keeps file tools inside the workspace.
	RestrictToWorkspace bool `json:"restrict_to_workspace"`
	// SpillDir receives full copies of truncated tool outputs.
	SpillDir string `json:"spill_dir,omitempty"`
	// PipelineDir holds *.tool.json pipeline tool definitions.
	PipelineDir string `json:"pipeline_dir,omitempty"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint,omitempty"` // OTLP/HTTP, host:port
}

// SpillDir returns the configured spill directory or its default under
// the user cache dir.
func (c *Config) SpillDir() string {
	if c.Tools.SpillDir != "" {
		return c.Tools.SpillDir
	}
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "openfork", "spill")
}

// Workspace returns the configured workspace or the current directory.
func (c *Config) Workspace() string {
	if c.Tools.Workspace != "" {
		return c.Tools.Workspace
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
