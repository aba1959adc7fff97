package agent

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the read-only agent catalog, built once at startup from
// built-in definitions merged with configured ones.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Definition
}

// NewRegistry builds a catalog from the built-ins plus overrides,
// merged by slug with overrides winning. Every definition is validated.
func NewRegistry(overrides ...*Definition) (*Registry, error) {
	agents := make(map[string]*Definition)
	for _, d := range Builtins() {
		agents[d.Slug] = d
	}
	for _, d := range overrides {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		agents[d.Slug] = d
	}
	for _, d := range agents {
		if err := d.Validate(); err != nil {
			return nil, err
		}
	}
	return &Registry{agents: agents}, nil
}

// Get returns the definition for a slug.
func (r *Registry) Get(slug string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.agents[slug]
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", slug)
	}
	return d, nil
}

// List returns all non-hidden agents ordered by display order then slug.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.agents))
	for _, d := range r.agents {
		if d.Category == CategoryHidden {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayOrder != out[j].DisplayOrder {
			return out[i].DisplayOrder < out[j].DisplayOrder
		}
		return out[i].Slug < out[j].Slug
	})
	return out
}

// Subagents returns the spawnable subagent definitions.
func (r *Registry) Subagents() []*Definition {
	var out []*Definition
	for _, d := range r.List() {
		if d.Category == CategorySubagent {
			out = append(out, d)
		}
	}
	return out
}

// Authorize checks that parent may spawn the subagent identified by
// slug and returns its definition.
func (r *Registry) Authorize(parent *Definition, slug string) (*Definition, error) {
	child, err := r.Get(slug)
	if err != nil {
		return nil, err
	}
	if child.Category != CategorySubagent {
		return nil, fmt.Errorf("agent %q is not a subagent", slug)
	}
	if !parent.CanSpawn(slug) {
		return nil, fmt.Errorf("agent %q may not spawn %q", parent.Slug, slug)
	}
	return child, nil
}
