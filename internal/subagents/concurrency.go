package subagents

import (
	"context"
	"sync"
)

// SlugStatus is a point-in-time view of one agent slug's execution state.
type SlugStatus struct {
	Capacity int `json:"capacity"`
	Running  int `json:"running"`
	Queued   int `json:"queued"`
}

type slugState struct {
	capacity int
	running  int
	waiters  []chan struct{}
}

// ConcurrencyManager caps parallel subagent executions per agent slug.
// Capacity 0 means unlimited; executions are still counted. Waiters are
// served strictly FIFO: a released slot is handed directly to the
// longest-waiting execution.
type ConcurrencyManager struct {
	mu    sync.Mutex
	slugs map[string]*slugState
}

// NewConcurrencyManager creates an empty manager.
func NewConcurrencyManager() *ConcurrencyManager {
	return &ConcurrencyManager{slugs: make(map[string]*slugState)}
}

func (c *ConcurrencyManager) state(slug string, capacity int) *slugState {
	st, ok := c.slugs[slug]
	if !ok {
		st = &slugState{capacity: capacity}
		c.slugs[slug] = st
	}
	st.capacity = capacity
	return st
}

// TryAcquire takes a slot without waiting. Returns false when the slug
// is at capacity.
func (c *ConcurrencyManager) TryAcquire(slug string, capacity int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(slug, capacity)
	if st.capacity > 0 && st.running >= st.capacity {
		return false
	}
	st.running++
	return true
}

// Wait blocks until a slot is available or ctx is cancelled. Callers
// that give up are removed from the queue.
func (c *ConcurrencyManager) Wait(ctx context.Context, slug string, capacity int) error {
	c.mu.Lock()
	st := c.state(slug, capacity)
	if st.capacity == 0 || st.running < st.capacity {
		st.running++
		c.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	st.waiters = append(st.waiters, ready)
	c.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		for i, w := range st.waiters {
			if w == ready {
				st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
				c.mu.Unlock()
				return ctx.Err()
			}
		}
		c.mu.Unlock()
		// The slot was granted concurrently with cancellation; give it
		// back so the count stays correct.
		c.Release(slug)
		return ctx.Err()
	}
}

// Release frees a slot and wakes the next queued waiter, if any. The
// slot transfers directly so the waiter keeps its queue position.
func (c *ConcurrencyManager) Release(slug string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.slugs[slug]
	if !ok || st.running == 0 {
		return
	}
	if len(st.waiters) > 0 {
		next := st.waiters[0]
		st.waiters = st.waiters[1:]
		close(next)
		return
	}
	st.running--
}

// Snapshot reports the current state of every slug.
func (c *ConcurrencyManager) Snapshot() map[string]SlugStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]SlugStatus, len(c.slugs))
	for slug, st := range c.slugs {
		out[slug] = SlugStatus{
			Capacity: st.capacity,
			Running:  st.running,
			Queued:   len(st.waiters),
		}
	}
	return out
}
