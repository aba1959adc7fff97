// Package agent defines the agent catalog and the agent loop: the
// iteration engine that drives a chat provider, executes tool calls
// under permission and hook control, and manages the session's token
// budget.
package agent

import (
	"fmt"

	"github.com/openfork/openfork/internal/permissions"
	"github.com/openfork/openfork/internal/tools"
)

// Category classifies how an agent may be used.
type Category string

const (
	// CategoryPrimary agents are user-facing and may spawn subagents.
	CategoryPrimary Category = "primary"
	// CategorySubagent agents run as child executions and never spawn
	// further subagents.
	CategorySubagent Category = "subagent"
	// CategoryHidden agents are internal and never enumerated to the user.
	CategoryHidden Category = "hidden"
)

// ExecutionMode selects the loop strategy for an agent.
type ExecutionMode string

const (
	// ModeAgentic iterates tool calls until the model stops asking.
	ModeAgentic ExecutionMode = "agentic"
	// ModeSingleShot performs one request with no tool loop.
	ModeSingleShot ExecutionMode = "single_shot"
	// ModeStreaming is single-shot with streamed deltas.
	ModeStreaming ExecutionMode = "streaming"
	// ModePlanning is agentic but restricted to read-only tools.
	ModePlanning ExecutionMode = "planning"
)

// Definition is one catalog entry. Definitions are assembled at startup
// and never mutated afterwards.
type Definition struct {
	Slug     string   `json:"slug"`
	Name     string   `json:"name"`
	Category Category `json:"category"`

	ProviderID  string  `json:"provider_id,omitempty"`
	ModelID     string  `json:"model_id,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`

	SystemPrompt  string        `json:"system_prompt"`
	ExecutionMode ExecutionMode `json:"execution_mode"`
	MaxIterations int           `json:"max_iterations"`

	// MaxConcurrentInstances caps parallel subagent executions of this
	// slug. Zero means unlimited.
	MaxConcurrentInstances int `json:"max_concurrent_instances"`

	CanSpawnSubagents bool `json:"can_spawn_subagents"`
	// AllowedSubagentSlugs restricts which subagents this agent may
	// spawn. Empty means all registered subagents.
	AllowedSubagentSlugs []string `json:"allowed_subagent_slugs,omitempty"`

	ToolConfig  tools.FilterConfig  `json:"tool_config"`
	Permissions permissions.Ruleset `json:"permissions"`

	Visible      bool `json:"visible"`
	DisplayOrder int  `json:"display_order"`
}

// Validate checks catalog invariants for one definition.
func (d *Definition) Validate() error {
	if d.Slug == "" {
		return fmt.Errorf("agent definition missing slug")
	}
	switch d.Category {
	case CategoryPrimary, CategorySubagent, CategoryHidden:
	default:
		return fmt.Errorf("agent %q: unknown category %q", d.Slug, d.Category)
	}
	if d.Category == CategorySubagent && d.CanSpawnSubagents {
		return fmt.Errorf("agent %q: subagents cannot spawn subagents", d.Slug)
	}
	if d.MaxIterations < 0 {
		return fmt.Errorf("agent %q: negative max_iterations", d.Slug)
	}
	return nil
}

// CanSpawn reports whether this agent is allowed to delegate to the
// given subagent slug. An empty allow-list permits every subagent.
func (d *Definition) CanSpawn(slug string) bool {
	if !d.CanSpawnSubagents {
		return false
	}
	if len(d.AllowedSubagentSlugs) == 0 {
		return true
	}
	for _, s := range d.AllowedSubagentSlugs {
		if s == slug {
			return true
		}
	}
	return false
}

// DefaultMaxIterations bounds agent definitions that do not set a cap.
const DefaultMaxIterations = 25

// Builtins returns the built-in agent definitions. Config entries with
// the same slug override these at registry build time.
func Builtins() []*Definition {
	return []*Definition{
		{
			Slug:              "main",
			Name:              "Main",
			Category:          CategoryPrimary,
			SystemPrompt:      mainSystemPrompt,
			ExecutionMode:     ModeAgentic,
			MaxIterations:     DefaultMaxIterations,
			CanSpawnSubagents: true,
			ToolConfig:        tools.FilterConfig{Mode: tools.FilterAll},
			Permissions: permissions.Ruleset{
				Name:          "main",
				DefaultAction: permissions.ActionAsk,
				Rules: []permissions.Rule{
					{Pattern: "read:*", Action: permissions.ActionAllow, Priority: 10},
					{Pattern: "grep:*", Action: permissions.ActionAllow, Priority: 10},
					{Pattern: "glob:*", Action: permissions.ActionAllow, Priority: 10},
					{Pattern: "list:*", Action: permissions.ActionAllow, Priority: 10},
					{Pattern: "task:*", Action: permissions.ActionAllow, Priority: 10},
				},
			},
			Visible:      true,
			DisplayOrder: 1,
		},
		{
			Slug:                   "explore",
			Name:                   "Explore",
			Category:               CategorySubagent,
			SystemPrompt:           exploreSystemPrompt,
			ExecutionMode:          ModeAgentic,
			MaxIterations:          15,
			MaxConcurrentInstances: 3,
			ToolConfig: tools.FilterConfig{
				Mode: tools.FilterOnlyThese,
				List: []string{"read", "grep", "glob", "list"},
			},
			Permissions: permissions.Ruleset{
				Name:          "explore",
				DefaultAction: permissions.ActionDeny,
				Rules: []permissions.Rule{
					{Pattern: "read:*", Action: permissions.ActionAllow, Priority: 10},
					{Pattern: "grep:*", Action: permissions.ActionAllow, Priority: 10},
					{Pattern: "glob:*", Action: permissions.ActionAllow, Priority: 10},
					{Pattern: "list:*", Action: permissions.ActionAllow, Priority: 10},
				},
			},
			Visible:      true,
			DisplayOrder: 2,
		},
		{
			Slug:          "plan",
			Name:          "Plan",
			Category:      CategorySubagent,
			SystemPrompt:  planSystemPrompt,
			ExecutionMode: ModePlanning,
			MaxIterations: 10,
			ToolConfig: tools.FilterConfig{
				Mode: tools.FilterOnlyThese,
				List: []string{"read", "grep", "glob", "list"},
			},
			Permissions: permissions.Ruleset{
				Name:          "plan",
				DefaultAction: permissions.ActionDeny,
				Rules: []permissions.Rule{
					{Pattern: "read:*", Action: permissions.ActionAllow, Priority: 10},
					{Pattern: "grep:*", Action: permissions.ActionAllow, Priority: 10},
					{Pattern: "glob:*", Action: permissions.ActionAllow, Priority: 10},
					{Pattern: "list:*", Action: permissions.ActionAllow, Priority: 10},
				},
			},
			Visible:      true,
			DisplayOrder: 3,
		},
		{
			Slug:          "compaction",
			Name:          "Compaction",
			Category:      CategoryHidden,
			SystemPrompt:  "",
			ExecutionMode: ModeSingleShot,
			MaxIterations: 1,
			ToolConfig:    tools.FilterConfig{Mode: tools.FilterNone},
			Permissions: permissions.Ruleset{
				Name:          "compaction",
				DefaultAction: permissions.ActionDeny,
			},
		},
	}
}

const mainSystemPrompt = `You are a capable coding assistant operating inside the user's project.
Use the available tools to read, search and modify files and to run commands.
Delegate research-heavy work to subagents via the task tool. Be direct and
concise; report what you changed and why.`

const exploreSystemPrompt = `You are a read-only exploration agent. Investigate the codebase with the
read, grep, glob and list tools and report your findings. Never attempt to
modify files or run commands. Finish with a concise summary of what you found,
including exact file paths.`

const planSystemPrompt = `You are a planning agent. Study the codebase with read-only tools and
produce a concrete step-by-step implementation plan. Do not make changes.
Name the files to touch and the order to touch them in.`
