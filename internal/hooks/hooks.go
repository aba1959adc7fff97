// Package hooks runs ordered pre/post hook chains around tool execution
// and agent lifecycle points. Pre-stage hooks may cancel the action;
// post-stage hooks observe and annotate.
package hooks

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Trigger identifies a pipeline attachment point.
type Trigger string

const (
	PreTool       Trigger = "pre_tool"
	PostTool      Trigger = "post_tool"
	PreEdit       Trigger = "pre_edit"
	PostEdit      Trigger = "post_edit"
	PreCommand    Trigger = "pre_command"
	PostCommand   Trigger = "post_command"
	PreMessage    Trigger = "pre_message"
	PostMessage   Trigger = "post_message"
	SessionStart  Trigger = "session_start"
	SessionEnd    Trigger = "session_end"
	OnError       Trigger = "on_error"
	OnWarning     Trigger = "on_warning"
	PreAgentLoop  Trigger = "pre_agent_loop"
	PostAgentLoop Trigger = "post_agent_loop"
	MaxIterations Trigger = "max_iterations"
)

// IsPre reports whether a non-continue result from this trigger aborts
// the surrounding action.
func (t Trigger) IsPre() bool {
	return strings.HasPrefix(string(t), "pre_")
}

// Context is the mutable carrier shared by all hooks in one chain.
type Context struct {
	SessionID uuid.UUID
	MessageID uuid.UUID
	AgentSlug string

	ToolName   string
	ToolInput  map[string]any
	ToolOutput string

	StartedAt time.Time
	Duration  time.Duration
	Err       error

	// Data is a free-form bag shared between hooks in one chain.
	Data map[string]string
}

// Clone deep-copies the context so hooks can propose replacements.
func (c *Context) Clone() *Context {
	cp := *c
	cp.ToolInput = make(map[string]any, len(c.ToolInput))
	for k, v := range c.ToolInput {
		cp.ToolInput[k] = v
	}
	cp.Data = make(map[string]string, len(c.Data))
	for k, v := range c.Data {
		cp.Data[k] = v
	}
	return &cp
}

// Result is one hook's verdict.
type Result struct {
	Success         bool
	Continue        bool
	Reason          string
	ModifiedContext *Context
	Err             error
	Data            map[string]string
}

// Hook is one registered handler.
type Hook interface {
	ID() string
	Name() string
	Trigger() Trigger
	Priority() int
	ContinueOnError() bool
	Execute(ctx context.Context, hc *Context) Result
}

// Outcome summarizes one chain run.
type Outcome struct {
	Aborted bool
	Reason  string
	Context *Context
	Results []Result
}

// Pipeline dispatches hooks by trigger. Hook sets are replaced wholesale
// on config reload; execution works on a snapshot.
type Pipeline struct {
	mu     sync.RWMutex
	hooks  map[Trigger][]Hook
	logger *slog.Logger
}

// NewPipeline creates an empty pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{
		hooks:  make(map[Trigger][]Hook),
		logger: slog.Default().With("component", "hooks"),
	}
}

// Register adds a hook to its trigger chain.
func (p *Pipeline) Register(h Hook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks[h.Trigger()] = append(p.hooks[h.Trigger()], h)
}

// Replace swaps the complete hook set, keeping only enabled hooks.
func (p *Pipeline) Replace(hooks []Hook) {
	next := make(map[Trigger][]Hook)
	for _, h := range hooks {
		next[h.Trigger()] = append(next[h.Trigger()], h)
	}
	p.mu.Lock()
	p.hooks = next
	p.mu.Unlock()
}

func (p *Pipeline) chain(t Trigger) []Hook {
	p.mu.RLock()
	defer p.mu.RUnlock()
	chain := make([]Hook, len(p.hooks[t]))
	copy(chain, p.hooks[t])
	sort.SliceStable(chain, func(i, j int) bool { return chain[i].Priority() < chain[j].Priority() })
	return chain
}

// Execute runs the trigger's hooks in ascending priority order. For pre
// triggers a non-continue result aborts the chain and the caller's
// action; for post triggers it is recorded only. Panics and errors are
// contained per hook; the chain proceeds unless the hook is marked
// continue_on_error=false.
func (p *Pipeline) Execute(ctx context.Context, trigger Trigger, hc *Context) Outcome {
	if hc.Data == nil {
		hc.Data = make(map[string]string)
	}
	out := Outcome{Context: hc}

	for _, h := range p.chain(trigger) {
		res := p.runHook(ctx, h, hc)
		out.Results = append(out.Results, res)

		if res.ModifiedContext != nil {
			hc = res.ModifiedContext
			out.Context = hc
		}
		for k, v := range res.Data {
			hc.Data[k] = v
		}

		if !res.Success && res.Err != nil {
			p.logger.Warn("hook failed", "hook", h.Name(), "trigger", trigger, "error", res.Err)
			if !h.ContinueOnError() {
				if trigger.IsPre() {
					out.Aborted = true
					out.Reason = reasonOf(res, h)
				}
				return out
			}
			continue
		}

		if !res.Continue {
			if trigger.IsPre() {
				out.Aborted = true
				out.Reason = reasonOf(res, h)
				return out
			}
			p.logger.Debug("post hook requested stop", "hook", h.Name(), "trigger", trigger)
		}
	}
	return out
}

func (p *Pipeline) runHook(ctx context.Context, h Hook, hc *Context) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("hook panicked", "hook", h.Name(), "panic", r)
			res = Result{Success: false, Continue: h.ContinueOnError()}
		}
	}()
	return h.Execute(ctx, hc)
}

func reasonOf(res Result, h Hook) string {
	if res.Reason != "" {
		return res.Reason
	}
	if res.Err != nil {
		return res.Err.Error()
	}
	return "cancelled by hook " + h.Name()
}

// FuncHook adapts a function to the Hook interface. Used by built-in
// hooks and tests.
type FuncHook struct {
	HookID     string
	HookName   string
	On         Trigger
	Prio       int
	ContinueOE bool
	Fn         func(ctx context.Context, hc *Context) Result
}

func (f *FuncHook) ID() string            { return f.HookID }
func (f *FuncHook) Name() string          { return f.HookName }
func (f *FuncHook) Trigger() Trigger      { return f.On }
func (f *FuncHook) Priority() int         { return f.Prio }
func (f *FuncHook) ContinueOnError() bool { return f.ContinueOE }
func (f *FuncHook) Execute(ctx context.Context, hc *Context) Result {
	return f.Fn(ctx, hc)
}
