package permissions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfork/openfork/internal/bus"
	"github.com/openfork/openfork/internal/prompt"
	"github.com/openfork/openfork/internal/store"
)

// RememberScope controls how long a user decision is kept.
type RememberScope string

const (
	ThisCall    RememberScope = "this_call"
	ThisSession RememberScope = "this_session"
	ThisPattern RememberScope = "this_pattern"
	Always      RememberScope = "always"
)

// CategoryFor maps a tool name to its permission category. The edit
// family shares one category; everything else maps to itself.
func CategoryFor(tool string) string {
	switch strings.ToLower(tool) {
	case "edit", "multiedit", "write":
		return "edit"
	default:
		return strings.ToLower(tool)
	}
}

// ResourceFor extracts the guarded resource from a tool's arguments.
func ResourceFor(tool string, args map[string]any) string {
	key := ""
	switch strings.ToLower(tool) {
	case "bash":
		key = "command"
	case "read", "edit", "multiedit", "write", "list", "glob", "grep":
		key = "path"
	case "task":
		key = "subagent_type"
	case "webfetch":
		key = "url"
	default:
		return "*"
	}
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return "*"
}

// CheckRequest describes one tool call awaiting a permission decision.
type CheckRequest struct {
	SessionID uuid.UUID
	AgentSlug string
	Tool      string
	Args      map[string]any
	Ruleset   Ruleset
}

// Engine evaluates permission checks against the agent ruleset merged
// with session-scoped and persisted remembered rules, prompting the user
// when the outcome is Ask.
type Engine struct {
	prompter prompt.Service
	rules    store.PermissionRuleRepo
	timeout  time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	session map[uuid.UUID][]Rule
}

// NewEngine wires an engine. rules may be nil when no durable store is
// configured; Always-scope decisions then degrade to session scope.
func NewEngine(prompter prompt.Service, rules store.PermissionRuleRepo) *Engine {
	return &Engine{
		prompter: prompter,
		rules:    rules,
		timeout:  prompt.DefaultTimeout,
		logger:   slog.Default().With("component", "permissions"),
		session:  make(map[uuid.UUID][]Rule),
	}
}

// SetPromptTimeout overrides the Ask prompt timeout.
func (e *Engine) SetPromptTimeout(d time.Duration) { e.timeout = d }

// Check evaluates one tool call. Ask outcomes block on the prompt service;
// timeout and cancellation both deny.
func (e *Engine) Check(ctx context.Context, req CheckRequest) (Decision, error) {
	category := CategoryFor(req.Tool)
	resource := ResourceFor(req.Tool, req.Args)

	merged := Merge(req.Ruleset, e.sessionRuleset(req.SessionID))
	if persisted, err := e.persistedRuleset(ctx, req.AgentSlug); err != nil {
		e.logger.Warn("loading persisted permission rules failed", "error", err)
	} else {
		merged = Merge(merged, persisted)
	}

	dec := merged.Evaluate(category, resource)
	if dec.Action != ActionAsk {
		return dec, nil
	}
	return e.ask(ctx, req, dec)
}

func (e *Engine) ask(ctx context.Context, req CheckRequest, dec Decision) (Decision, error) {
	pattern := dec.Tool + ":" + dec.Resource
	resp, err := e.prompter.Prompt(ctx, prompt.Request{
		ID:      uuid.New(),
		Title:   "Permission Required",
		Message: fmt.Sprintf("Agent wants to run %s on %q. Allow?", req.Tool, dec.Resource),
		Options: []bus.PromptOption{
			{Key: "y", Label: "Allow once"},
			{Key: "n", Label: "Deny"},
			{Key: "a", Label: "Always allow " + pattern},
			{Key: "s", Label: "Allow for this session"},
		},
		DefaultKey: "n",
		Timeout:    e.timeout,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("permission prompt: %w", err)
	}
	if resp.TimedOut || resp.Cancelled {
		dec.Action = ActionDeny
		dec.Reason = "permission prompt timed out"
		if resp.Cancelled {
			dec.Reason = "permission prompt cancelled"
		}
		return dec, nil
	}

	switch resp.Key {
	case "y":
		dec.Action = ActionAllow
		dec.Reason = "allowed by user"
		e.remember(ctx, req, pattern, ActionAllow, ThisCall)
	case "a":
		dec.Action = ActionAllow
		dec.Reason = "allowed by user (remembered)"
		e.remember(ctx, req, pattern, ActionAllow, Always)
	case "s":
		dec.Action = ActionAllow
		dec.Reason = "allowed by user (session)"
		e.remember(ctx, req, pattern, ActionAllow, ThisSession)
	default:
		dec.Action = ActionDeny
		dec.Reason = "denied by user"
	}
	return dec, nil
}

// remember records a user decision at the given scope.
func (e *Engine) remember(ctx context.Context, req CheckRequest, pattern string, action Action, scope RememberScope) {
	rule := Rule{Pattern: pattern, Action: action, Priority: 1000, Reason: "remembered user decision"}

	switch scope {
	case ThisCall:
		// No state change.
	case ThisSession:
		e.mu.Lock()
		e.session[req.SessionID] = append(e.session[req.SessionID], rule)
		e.mu.Unlock()
	case ThisPattern, Always:
		if e.rules == nil {
			e.mu.Lock()
			e.session[req.SessionID] = append(e.session[req.SessionID], rule)
			e.mu.Unlock()
			return
		}
		err := e.rules.Save(ctx, &store.PermissionRule{
			AgentSlug: req.AgentSlug,
			Pattern:   pattern,
			Action:    string(action),
			Priority:  rule.Priority,
		})
		if err != nil {
			e.logger.Error("persisting permission rule failed", "pattern", pattern, "error", err)
		}
	}
}

// ForgetSession drops session-scoped remembered rules.
func (e *Engine) ForgetSession(sessionID uuid.UUID) {
	e.mu.Lock()
	delete(e.session, sessionID)
	e.mu.Unlock()
}

func (e *Engine) sessionRuleset(sessionID uuid.UUID) Ruleset {
	e.mu.Lock()
	defer e.mu.Unlock()
	rules := make([]Rule, len(e.session[sessionID]))
	copy(rules, e.session[sessionID])
	return Ruleset{Name: "session", Rules: rules, DefaultAction: ActionAllow}
}

func (e *Engine) persistedRuleset(ctx context.Context, slug string) (Ruleset, error) {
	rs := Ruleset{Name: "persisted", DefaultAction: ActionAllow}
	if e.rules == nil {
		return rs, nil
	}
	saved, err := e.rules.ListForAgent(ctx, slug)
	if err != nil {
		return rs, err
	}
	for _, r := range saved {
		rs.Rules = append(rs.Rules, Rule{
			Pattern:  r.Pattern,
			Action:   Action(r.Action),
			Priority: r.Priority,
		})
	}
	return rs, nil
}
