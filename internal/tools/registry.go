package tools

import (
	"fmt"
	"sort"
	"sync"
)

// FilterMode selects how an agent's tool list is derived.
type FilterMode string

const (
	FilterAll       FilterMode = "all"
	FilterNone      FilterMode = "none"
	FilterOnlyThese FilterMode = "only_these"
	FilterAllExcept FilterMode = "all_except"
)

// FilterConfig is an agent's view of the registry.
type FilterConfig struct {
	Mode FilterMode `json:"mode"`
	List []string   `json:"list,omitempty"`
}

// TaskToolName is the tool that spawns subagents; it is stripped from
// agents that may not spawn.
const TaskToolName = "task"

// Registry holds every registered tool. Registration happens during
// startup and is append-only; lookups are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Duplicate names are rejected.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

// MustRegister panics on duplicate registration. Startup wiring only.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// All returns every tool in registration order.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Names returns registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	sort.Strings(names)
	return names
}

// Filtered returns the tools visible under cfg. When allowTask is false
// the task tool is excluded regardless of the filter.
func (r *Registry) Filtered(cfg FilterConfig, allowTask bool) []Tool {
	if cfg.Mode == FilterNone {
		return nil
	}
	listed := make(map[string]bool, len(cfg.List))
	for _, name := range cfg.List {
		listed[name] = true
	}

	var out []Tool
	for _, t := range r.All() {
		name := t.Name()
		if name == TaskToolName && !allowTask {
			continue
		}
		switch cfg.Mode {
		case FilterOnlyThese:
			if !listed[name] {
				continue
			}
		case FilterAllExcept:
			if listed[name] {
				continue
			}
		}
		out = append(out, t)
	}
	return out
}
