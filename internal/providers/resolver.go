package providers

import (
	"fmt"
	"sort"
	"sync"
)

// Model describes a model's limits as known to the runtime.
type Model struct {
	ID            string
	MaxTokens     int // max output tokens per call
	ContextWindow int // total context budget
}

// DefaultContextWindow is assumed when a model's window is unknown.
const DefaultContextWindow = 128000

// Resolver maps provider keys to Provider instances and model ids to
// their limits. It is safe for concurrent use after registration.
type Resolver struct {
	mu        sync.RWMutex
	providers map[string]Provider
	models    map[string]Model
	defKey    string
	defModel  string
}

// NewResolver creates an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{
		providers: make(map[string]Provider),
		models:    make(map[string]Model),
	}
}

// Register adds a provider under its Name(). The first registered provider
// becomes the default.
func (r *Resolver) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	if r.defKey == "" {
		r.defKey = p.Name()
	}
}

// RegisterModel records a model's limits. The first registered model becomes
// the default.
func (r *Resolver) RegisterModel(m Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[m.ID] = m
	if r.defModel == "" {
		r.defModel = m.ID
	}
}

// SetDefault pins the default provider key and model id.
func (r *Resolver) SetDefault(providerKey, modelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if providerKey != "" {
		r.defKey = providerKey
	}
	if modelID != "" {
		r.defModel = modelID
	}
}

// Resolve returns the provider for key, or the default when key is empty.
func (r *Resolver) Resolve(key string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if key == "" {
		key = r.defKey
	}
	p, ok := r.providers[key]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q (registered: %v)", key, r.keysLocked())
	}
	return p, nil
}

// ResolveModel returns the limits for modelID, or the default model when
// empty. Unknown models get the default context window and no output cap.
func (r *Resolver) ResolveModel(modelID string) Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if modelID == "" {
		modelID = r.defModel
	}
	if m, ok := r.models[modelID]; ok {
		return m
	}
	return Model{ID: modelID, ContextWindow: DefaultContextWindow}
}

// Default returns the default provider and model limits.
func (r *Resolver) Default() (Provider, Model, error) {
	p, err := r.Resolve("")
	if err != nil {
		return nil, Model{}, err
	}
	return p, r.ResolveModel(""), nil
}

func (r *Resolver) keysLocked() []string {
	keys := make([]string, 0, len(r.providers))
	for k := range r.providers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
