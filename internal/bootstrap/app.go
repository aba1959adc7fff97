// Package bootstrap assembles the application: storage, providers,
// agent catalog, tool registry, hooks and the agent loop, wired from
// configuration.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openfork/openfork/internal/agent"
	"github.com/openfork/openfork/internal/bus"
	"github.com/openfork/openfork/internal/config"
	"github.com/openfork/openfork/internal/hooks"
	"github.com/openfork/openfork/internal/permissions"
	"github.com/openfork/openfork/internal/prompt"
	"github.com/openfork/openfork/internal/providers"
	"github.com/openfork/openfork/internal/sessions"
	"github.com/openfork/openfork/internal/store"
	"github.com/openfork/openfork/internal/store/pg"
	"github.com/openfork/openfork/internal/store/sqlite"
	"github.com/openfork/openfork/internal/subagents"
	"github.com/openfork/openfork/internal/tokens"
	"github.com/openfork/openfork/internal/tools"
	"github.com/openfork/openfork/internal/tracing"
)

// App bundles the wired runtime.
type App struct {
	Config    *config.Config
	Stores    *store.Stores
	Events    *bus.Bus
	Resolver  *providers.Resolver
	Agents    *agent.Registry
	Tools     *tools.Registry
	Hooks     *hooks.Pipeline
	Loop      *agent.Loop
	Subagents *subagents.Service
	Sessions  *sessions.Manager

	hooksPath   string
	stopTracing func(context.Context) error
	logger      *slog.Logger
}

// New builds the application from config. prompter handles permission
// prompts; pass prompt.BusService for headless surfaces or a terminal
// prompter for the CLI.
func New(ctx context.Context, cfg *config.Config, prompter prompt.Service, version string) (*App, error) {
	app := &App{
		Config: cfg,
		logger: slog.Default().With("component", "bootstrap"),
	}

	stopTracing, err := tracing.Init(ctx, tracing.Options{
		Enabled:  cfg.Tracing.Enabled,
		Endpoint: cfg.Tracing.Endpoint,
		Version:  version,
	})
	if err != nil {
		return nil, err
	}
	app.stopTracing = stopTracing

	if app.Stores, err = OpenStores(cfg); err != nil {
		return nil, err
	}
	app.Events = bus.New()
	app.Sessions = sessions.NewManager(app.Stores)

	app.Resolver = providers.NewResolver()
	registerProviders(app.Resolver, cfg)

	if app.Agents, err = BuildCatalog(cfg); err != nil {
		return nil, err
	}

	workspace := cfg.Workspace()
	app.Tools = tools.NewRegistry()
	app.Tools.MustRegister(&tools.ReadTool{WorkDir: workspace, Restrict: cfg.Tools.RestrictToWorkspace})
	app.Tools.MustRegister(&tools.WriteTool{WorkDir: workspace, Restrict: cfg.Tools.RestrictToWorkspace})
	app.Tools.MustRegister(&tools.EditTool{WorkDir: workspace, Restrict: cfg.Tools.RestrictToWorkspace})
	app.Tools.MustRegister(&tools.ListTool{WorkDir: workspace, Restrict: cfg.Tools.RestrictToWorkspace})
	app.Tools.MustRegister(&tools.GrepTool{WorkDir: workspace, Restrict: cfg.Tools.RestrictToWorkspace})
	app.Tools.MustRegister(&tools.GlobTool{WorkDir: workspace, Restrict: cfg.Tools.RestrictToWorkspace})
	app.Tools.MustRegister(&tools.BashTool{WorkDir: workspace})

	app.Hooks = hooks.NewPipeline()
	if app.hooksPath = hooks.FindConfig(workspace); app.hooksPath != "" {
		loaded, err := hooks.LoadFile(app.hooksPath)
		if err != nil {
			return nil, err
		}
		app.Hooks.Replace(loaded)
		app.logger.Info("hooks loaded", "path", app.hooksPath, "count", len(loaded))
	}

	engine := permissions.NewEngine(prompter, app.Stores.Permissions)

	defProvider, defModel, err := app.Resolver.Default()
	if err != nil {
		return nil, fmt.Errorf("no chat provider configured: %w", err)
	}
	compactor := tokens.NewCompactor(defProvider, defModel.ID,
		app.Stores.Messages, app.Stores.Parts, app.Events)

	app.Loop = agent.NewLoop(agent.LoopOptions{
		Resolver:    app.Resolver,
		Stores:      app.Stores,
		Tools:       app.Tools,
		Permissions: engine,
		Hooks:       app.Hooks,
		Truncator:   tokens.NewTruncator(cfg.SpillDir()),
		Compactor:   compactor,
		Events:      app.Events,
	})

	app.Subagents = subagents.NewService(app.Stores, app.Agents, app.Loop, app.Events)
	app.Tools.MustRegister(subagents.NewTaskTool(app.Subagents, app.Agents))

	if cfg.Tools.PipelineDir != "" {
		n, err := tools.LoadPipelineTools(cfg.Tools.PipelineDir, app.Tools, app.runAgentStep)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			app.logger.Info("pipeline tools loaded", "dir", cfg.Tools.PipelineDir, "count", n)
		}
	}
	return app, nil
}

// WatchHooks reloads the hooks file on change until ctx ends. No-op
// when no hooks file exists.
func (a *App) WatchHooks(ctx context.Context) error {
	if a.hooksPath == "" {
		<-ctx.Done()
		return ctx.Err()
	}
	return hooks.Watch(ctx, a.hooksPath, a.Hooks)
}

// Close flushes and releases all resources.
func (a *App) Close(ctx context.Context) error {
	if a.Events != nil {
		a.Events.Close()
	}
	var firstErr error
	if a.Stores != nil {
		firstErr = a.Stores.Close()
	}
	if a.stopTracing != nil {
		if err := a.stopTracing(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// runAgentStep runs one agent to completion for a pipeline tool step.
func (a *App) runAgentStep(ctx context.Context, slug, input string) (string, error) {
	def, err := a.Agents.Get(slug)
	if err != nil {
		return "", err
	}
	sess, err := a.Sessions.Open(ctx, a.Config.Workspace(), slug)
	if err != nil {
		return "", err
	}
	res, err := a.Loop.Run(ctx, agent.RunRequest{Session: sess, Agent: def, Input: input})
	if err != nil {
		return "", err
	}
	return res.Output, nil
}

// OpenStores opens the configured storage backend, running migrations
// for the SQL drivers.
func OpenStores(cfg *config.Config) (*store.Stores, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		return pg.Open(cfg.Storage.PostgresDSN)
	case "sqlite", "":
		return sqlite.Open(cfg.Storage.SQLitePath)
	case "memory":
		return store.NewMemoryStores(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func registerProviders(r *providers.Resolver, cfg *config.Config) {
	if cfg.Providers.OpenAI.APIKey != "" {
		r.Register(providers.NewOpenAIProvider(providers.OpenAIOptions{
			Name:              "openai",
			BaseURL:           cfg.Providers.OpenAI.BaseURL,
			APIKey:            cfg.Providers.OpenAI.APIKey,
			RequestsPerMinute: float64(cfg.Providers.OpenAI.RequestsPerMinute),
		}))
	}
	if cfg.Providers.OpenRouter.APIKey != "" {
		r.Register(providers.NewOpenAIProvider(providers.OpenAIOptions{
			Name:              "openrouter",
			BaseURL:           cfg.Providers.OpenRouter.BaseURL,
			APIKey:            cfg.Providers.OpenRouter.APIKey,
			RequestsPerMinute: float64(cfg.Providers.OpenRouter.RequestsPerMinute),
		}))
	}
	window := cfg.Providers.ContextWindow
	if window <= 0 {
		window = providers.DefaultContextWindow
	}
	r.RegisterModel(providers.Model{ID: cfg.Providers.DefaultModel, ContextWindow: window})
	r.SetDefault(cfg.Providers.DefaultProvider, cfg.Providers.DefaultModel)
}

// BuildCatalog merges config agent overrides onto the built-ins. An
// override naming a built-in slug changes only the fields it sets.
func BuildCatalog(cfg *config.Config) (*agent.Registry, error) {
	builtins := make(map[string]*agent.Definition)
	for _, d := range agent.Builtins() {
		builtins[d.Slug] = d
	}

	var merged []*agent.Definition
	for _, ov := range cfg.Agents {
		base, ok := builtins[ov.Slug]
		if !ok {
			base = &agent.Definition{
				Slug:          ov.Slug,
				Category:      agent.CategorySubagent,
				ExecutionMode: agent.ModeAgentic,
				MaxIterations: agent.DefaultMaxIterations,
				ToolConfig:    tools.FilterConfig{Mode: tools.FilterAll},
				Permissions:   permissions.Ruleset{Name: ov.Slug, DefaultAction: permissions.ActionAsk},
				Visible:       true,
			}
		}
		merged = append(merged, applyOverride(base, ov))
	}
	return agent.NewRegistry(merged...)
}

func applyOverride(base *agent.Definition, ov config.AgentOverride) *agent.Definition {
	d := *base
	if ov.Name != "" {
		d.Name = ov.Name
	}
	if ov.Category != "" {
		d.Category = agent.Category(ov.Category)
	}
	if ov.ProviderID != "" {
		d.ProviderID = ov.ProviderID
	}
	if ov.ModelID != "" {
		d.ModelID = ov.ModelID
	}
	if ov.Temperature != 0 {
		d.Temperature = ov.Temperature
	}
	if ov.MaxTokens != 0 {
		d.MaxTokens = ov.MaxTokens
	}
	if ov.SystemPrompt != "" {
		d.SystemPrompt = ov.SystemPrompt
	}
	if ov.ExecutionMode != "" {
		d.ExecutionMode = agent.ExecutionMode(ov.ExecutionMode)
	}
	if ov.MaxIterations != 0 {
		d.MaxIterations = ov.MaxIterations
	}
	if ov.MaxConcurrentInstances != 0 {
		d.MaxConcurrentInstances = ov.MaxConcurrentInstances
	}
	if ov.CanSpawnSubagents {
		d.CanSpawnSubagents = true
	}
	if len(ov.AllowedSubagentSlugs) > 0 {
		d.AllowedSubagentSlugs = ov.AllowedSubagentSlugs
	}
	if ov.ToolMode != "" {
		d.ToolConfig = tools.FilterConfig{
			Mode: tools.FilterMode(ov.ToolMode),
			List: ov.ToolList,
		}
	}
	return &d
}
