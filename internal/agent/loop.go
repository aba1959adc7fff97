package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openfork/openfork/internal/bus"
	"github.com/openfork/openfork/internal/hooks"
	"github.com/openfork/openfork/internal/permissions"
	"github.com/openfork/openfork/internal/providers"
	"github.com/openfork/openfork/internal/store"
	"github.com/openfork/openfork/internal/tokens"
	"github.com/openfork/openfork/internal/tools"
	"github.com/openfork/openfork/internal/tracing"
)

// prunePreflightRatio is the context fraction that triggers Layer 2
// pruning before a request; Layer 3 compaction triggers at
// tokens.CompactionThreshold.
const prunePreflightRatio = 0.85

// continuationPrompt nudges the model after an output-limit truncation.
const continuationPrompt = "Your response was cut off. Please continue from where you left off."

// Callbacks surface loop progress to the caller. Any field may be nil.
type Callbacks struct {
	// OnDelta receives streamed content in arrival order. done is true
	// exactly once per turn, on the final call.
	OnDelta func(content string, done bool)
	// OnToolExecution reports each tool call with its original arguments
	// and the (possibly truncated) output.
	OnToolExecution func(name string, args map[string]any, output string, isError bool)
}

func (c Callbacks) delta(content string, done bool) {
	if c.OnDelta != nil {
		c.OnDelta(content, done)
	}
}

func (c Callbacks) toolExecution(name string, args map[string]any, output string, isError bool) {
	if c.OnToolExecution != nil {
		c.OnToolExecution(name, args, output, isError)
	}
}

// RunRequest describes one user turn.
type RunRequest struct {
	Session *store.Session
	Agent   *Definition
	// Input is the user message opening this turn. Empty means resume
	// from existing history.
	Input string
	// MaxIterations overrides the agent's cap when positive.
	MaxIterations int
	Callbacks     Callbacks
}

// RunResult is the outcome of one completed turn.
type RunResult struct {
	Output           string
	Iterations       int
	HitIterationCap  bool
	PromptTokens     int
	CompletionTokens int
}

// Loop runs agent turns: it streams provider responses, executes tool
// calls under permission and hook control, and keeps the session inside
// its token budget.
type Loop struct {
	resolver  *providers.Resolver
	stores    *store.Stores
	tools     *tools.Registry
	perms     *permissions.Engine
	hooks     *hooks.Pipeline
	truncator *tokens.Truncator
	compactor *tokens.Compactor
	events    *bus.Bus
	retry     RetryPolicy
	logger    *slog.Logger
}

// LoopOptions wires a Loop. Hooks, Events, Truncator and Compactor may
// be nil; the corresponding stages become no-ops.
type LoopOptions struct {
	Resolver    *providers.Resolver
	Stores      *store.Stores
	Tools       *tools.Registry
	Permissions *permissions.Engine
	Hooks       *hooks.Pipeline
	Truncator   *tokens.Truncator
	Compactor   *tokens.Compactor
	Events      *bus.Bus
	Retry       *RetryPolicy
}

// NewLoop creates a loop from its dependencies.
func NewLoop(o LoopOptions) *Loop {
	retry := DefaultRetryPolicy()
	if o.Retry != nil {
		retry = *o.Retry
	}
	hp := o.Hooks
	if hp == nil {
		hp = hooks.NewPipeline()
	}
	return &Loop{
		resolver:  o.Resolver,
		stores:    o.Stores,
		tools:     o.Tools,
		perms:     o.Permissions,
		hooks:     hp,
		truncator: o.Truncator,
		compactor: o.Compactor,
		events:    o.Events,
		retry:     retry,
		logger:    slog.Default().With("component", "agent_loop"),
	}
}

// Run executes one user turn to completion or to the iteration cap.
// Cancellation abandons the in-flight stream without committing the
// assistant message.
func (l *Loop) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	def := req.Agent
	sess := req.Session

	ctx, span := tracing.Start(ctx, "agent.run",
		attribute.String("agent.slug", def.Slug),
		attribute.String("session.id", sess.ID.String()))
	defer span.End()

	provider, err := l.resolver.Resolve(def.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("resolve provider: %w", err)
	}
	model := l.resolver.ResolveModel(def.ModelID)

	maxIterations := req.MaxIterations
	if maxIterations <= 0 {
		maxIterations = def.MaxIterations
	}

	hctx := &hooks.Context{SessionID: sess.ID, AgentSlug: def.Slug}
	if out := l.hooks.Execute(ctx, hooks.PreAgentLoop, hctx); out.Aborted {
		return nil, fmt.Errorf("agent loop blocked by hook: %s", out.Reason)
	}

	if req.Input != "" {
		if err := l.appendUserMessage(ctx, sess.ID, req.Input); err != nil {
			return nil, err
		}
	}

	filtered := l.tools.Filtered(def.ToolConfig, def.CanSpawnSubagents)
	defs := tools.Definitions(filtered)
	byName := make(map[string]tools.Tool, len(filtered))
	for _, t := range filtered {
		byName[t.Name()] = t
	}

	l.publishRun("run.started", def.Slug, sess.ID, nil)

	res := &RunResult{}
	// contText accumulates text across continuation requests so fence
	// balance is judged over the whole response, not one chunk.
	var contText string
	continuations := 0
	for iteration := 1; ; {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		msgs, promptEstimate, err := l.assembleRequest(ctx, sess.ID, def, model, defs)
		if err != nil {
			return res, err
		}
		res.PromptTokens += promptEstimate

		asm, err := l.stream(ctx, provider, providers.ChatRequest{
			Model:       model.ID,
			Messages:    msgs,
			Tools:       defs,
			MaxTokens:   def.MaxTokens,
			Temperature: def.Temperature,
			Stream:      true,
		}, req.Callbacks)
		if err != nil {
			l.publishRun("run.failed", def.Slug, sess.ID, map[string]any{"error": err.Error()})
			l.hooks.Execute(ctx, hooks.OnError, &hooks.Context{
				SessionID: sess.ID, AgentSlug: def.Slug, Err: err,
			})
			return res, err
		}
		if err := ctx.Err(); err != nil {
			// Cancelled mid-stream: nothing from this iteration is committed.
			return res, err
		}

		content := asm.text()
		res.CompletionTokens += tokens.EstimateText(content)

		// Output-limit truncation: commit the partial text, ask the model
		// to continue, and do not spend an iteration. Continuations count
		// against the retry budget.
		whole := contText + content
		if len(asm.calls) == 0 && continuations < l.retry.MaxAttempts &&
			(truncatedFinish(asm.finishReason) || hasUnclosedFence(whole)) {
			if err := l.commitAssistant(ctx, sess.ID, content, nil); err != nil {
				return res, err
			}
			if err := l.appendUserMessage(ctx, sess.ID, continuationPrompt); err != nil {
				return res, err
			}
			res.Output += content
			contText = whole
			continuations++
			continue
		}
		contText = ""

		if len(asm.calls) == 0 {
			if err := l.commitAssistant(ctx, sess.ID, content, nil); err != nil {
				return res, err
			}
			res.Output += content
			res.Iterations = iteration
			req.Callbacks.delta("", true)
			l.finish(ctx, sess, def, res)
			return res, nil
		}

		if err := l.commitAssistant(ctx, sess.ID, content, asm.calls); err != nil {
			return res, err
		}
		if content != "" {
			res.Output += content
		}

		for _, call := range asm.calls {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			l.runToolCall(ctx, sess, def, byName, call, req.Callbacks)
		}

		iteration++
		if maxIterations > 0 && iteration > maxIterations {
			warning := fmt.Sprintf("\n\n[Stopped: reached the maximum of %d iterations]", maxIterations)
			req.Callbacks.delta(warning, false)
			res.Output += warning
			res.Iterations = maxIterations
			res.HitIterationCap = true
			l.hooks.Execute(ctx, hooks.MaxIterations, &hooks.Context{
				SessionID: sess.ID, AgentSlug: def.Slug,
			})
			req.Callbacks.delta("", true)
			l.finish(ctx, sess, def, res)
			return res, nil
		}
	}
}

// assembleRequest loads history (honoring compaction boundaries),
// applies preflight pruning and compaction, and converts to wire
// messages with the system prompt in front.
func (l *Loop) assembleRequest(ctx context.Context, sessionID uuid.UUID, def *Definition, model providers.Model, defs []providers.ToolDefinition) ([]providers.Message, int, error) {
	history, err := tokens.LoadWithBoundary(ctx, l.stores.Messages, l.stores.Parts, sessionID)
	if err != nil {
		return nil, 0, fmt.Errorf("load history: %w", err)
	}

	limit := model.ContextWindow
	wire := l.toWire(def, history)
	estimate := tokens.EstimateRequest(wire, defs)

	if float64(estimate) >= float64(limit)*prunePreflightRatio {
		saved, err := l.pruneParts(ctx, sessionID, estimate, limit)
		if err != nil {
			l.logger.Warn("pruning failed", "session_id", sessionID, "error", err)
		}
		estimate -= saved
	}

	if l.compactor != nil && tokens.ShouldCompact(estimate, limit) {
		active, err := l.stores.Messages.ListActive(ctx, sessionID)
		if err != nil {
			return nil, 0, fmt.Errorf("load active messages: %w", err)
		}
		cres, err := l.compactor.Compact(ctx, sessionID, active, estimate, limit)
		if err != nil {
			l.logger.Warn("compaction failed", "session_id", sessionID, "error", err)
		} else if cres.WasCompacted {
			history, err = tokens.LoadWithBoundary(ctx, l.stores.Messages, l.stores.Parts, sessionID)
			if err != nil {
				return nil, 0, fmt.Errorf("reload history: %w", err)
			}
			wire = l.toWire(def, history)
			estimate = tokens.EstimateRequest(wire, defs)
		}
	}

	return wire, estimate, nil
}

func (l *Loop) pruneParts(ctx context.Context, sessionID uuid.UUID, estimate, limit int) (int, error) {
	parts, err := l.stores.Parts.ListBySession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	pres := tokens.PruneParts(parts, estimate, limit)
	if !pres.WasPruned {
		return 0, nil
	}
	for _, p := range pres.Parts {
		if !p.IsPruned {
			continue
		}
		if err := l.stores.Parts.Update(ctx, p); err != nil {
			return 0, err
		}
	}
	l.logger.Info("pruned tool outputs",
		"session_id", sessionID, "parts", pres.PartsPruned,
		"tokens_saved", pres.TokensBefore-pres.TokensAfter)
	return pres.TokensBefore - pres.TokensAfter, nil
}

func (l *Loop) toWire(def *Definition, history []*store.Message) []providers.Message {
	out := make([]providers.Message, 0, len(history)+1)
	if def.SystemPrompt != "" {
		out = append(out, providers.Message{Role: "system", Content: def.SystemPrompt})
	}
	for _, m := range history {
		wm := providers.Message{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		if m.ToolCallsJSON != "" {
			// Malformed stored tool calls degrade to a plain message.
			_ = json.Unmarshal([]byte(m.ToolCallsJSON), &wm.ToolCalls)
		}
		out = append(out, wm)
	}
	return out
}

// stream opens the provider stream, retrying transient failures with
// fresh per-attempt buffers so no partial state leaks across attempts.
func (l *Loop) stream(ctx context.Context, provider providers.Provider, req providers.ChatRequest, cb Callbacks) (*assembler, error) {
	var asm *assembler
	err := l.retry.Do(ctx, func(attempt int) error {
		if attempt > 1 {
			l.logger.Info("retrying provider stream", "attempt", attempt)
		}
		asm = newAssembler()
		return provider.StreamChat(ctx, req, func(chunk providers.Chunk) {
			asm.add(chunk)
			if chunk.Content != "" {
				cb.delta(chunk.Content, false)
			}
		})
	})
	if err != nil {
		return nil, err
	}
	return asm, nil
}

// runToolCall drives one tool call through permission check, hooks,
// execution and truncation, then appends the tool-result message.
// Failures are reported back to the model; they never abort the turn.
func (l *Loop) runToolCall(ctx context.Context, sess *store.Session, def *Definition, byName map[string]tools.Tool, call providers.ToolCall, cb Callbacks) {
	ctx, span := tracing.Start(ctx, "tool.execute",
		attribute.String("tool.name", call.Name))
	defer span.End()

	args, err := call.ParseArguments()
	if err != nil {
		l.writeToolResult(ctx, sess.ID, def, call, args, fmt.Sprintf("Invalid tool arguments: %v", err), true, cb)
		return
	}

	l.publishRun("tool.call", def.Slug, sess.ID, map[string]any{
		"tool": call.Name, "call_id": call.ID,
	})

	tool, ok := byName[call.Name]
	if !ok {
		l.writeToolResult(ctx, sess.ID, def, call, args, fmt.Sprintf("Unknown tool: %s", call.Name), true, cb)
		return
	}

	if l.perms != nil {
		dec, err := l.perms.Check(ctx, permissions.CheckRequest{
			SessionID: sess.ID,
			AgentSlug: def.Slug,
			Tool:      call.Name,
			Args:      args,
			Ruleset:   def.Permissions,
		})
		if err != nil {
			l.writeToolResult(ctx, sess.ID, def, call, args, fmt.Sprintf("Permission check failed: %v", err), true, cb)
			return
		}
		if dec.Action != permissions.ActionAllow {
			l.writeToolResult(ctx, sess.ID, def, call, args, "Permission denied: "+dec.Reason, true, cb)
			return
		}
	}

	hctx := &hooks.Context{
		SessionID: sess.ID,
		AgentSlug: def.Slug,
		ToolName:  call.Name,
		ToolInput: args,
		StartedAt: time.Now(),
	}
	if out := l.hooks.Execute(ctx, hooks.PreTool, hctx); out.Aborted {
		l.writeToolResult(ctx, sess.ID, def, call, args, "Blocked by hook: "+out.Reason, true, cb)
		return
	} else if out.Context != nil {
		hctx = out.Context
	}
	execArgs := hctx.ToolInput

	part := &store.MessagePart{
		SessionID:  sess.ID,
		Kind:       store.PartTool,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		ToolInput:  call.Arguments,
		ToolState:  store.ToolRunning,
	}
	now := time.Now().UTC()
	part.StartedAt = &now
	if err := l.stores.Parts.Append(ctx, part); err != nil {
		l.logger.Warn("tool part write failed", "tool", call.Name, "error", err)
	}

	execCtx := tools.WithInvocation(ctx, tools.Invocation{
		SessionID: sess.ID,
		AgentSlug: def.Slug,
	})
	result := tool.Execute(execCtx, execArgs)
	tracing.RecordError(span, result.Err)
	hctx.ToolOutput = result.Output
	hctx.Duration = time.Since(hctx.StartedAt)
	hctx.Err = result.Err
	l.hooks.Execute(ctx, hooks.PostTool, hctx)

	output := result.Output
	if l.truncator != nil && !result.IsError {
		tres, terr := l.truncator.Truncate(call.Name, output)
		if terr != nil {
			l.logger.Warn("truncation failed", "tool", call.Name, "error", terr)
		} else {
			output = tres.Output
			part.SpillPath = tres.SpillPath
		}
	}

	part.ToolOutput = output
	done := time.Now().UTC()
	part.CompletedAt = &done
	if result.IsError {
		part.ToolState = store.ToolError
		part.ErrorCode = "tool_failed"
	} else {
		part.ToolState = store.ToolCompleted
	}
	if err := l.stores.Parts.Update(ctx, part); err != nil {
		l.logger.Warn("tool part update failed", "tool", call.Name, "error", err)
	}

	l.appendToolMessage(ctx, sess.ID, call.ID, output)
	l.publishRun("tool.result", def.Slug, sess.ID, map[string]any{
		"tool": call.Name, "call_id": call.ID, "is_error": result.IsError,
	})
	cb.toolExecution(call.Name, args, output, result.IsError)
}

// writeToolResult records a failed or denied call so the model sees the
// outcome on the next iteration.
func (l *Loop) writeToolResult(ctx context.Context, sessionID uuid.UUID, def *Definition, call providers.ToolCall, args map[string]any, output string, isError bool, cb Callbacks) {
	part := &store.MessagePart{
		SessionID:  sessionID,
		Kind:       store.PartTool,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		ToolInput:  call.Arguments,
		ToolOutput: output,
		ToolState:  store.ToolError,
		ErrorCode:  "rejected",
	}
	if err := l.stores.Parts.Append(ctx, part); err != nil {
		l.logger.Warn("tool part write failed", "tool", call.Name, "error", err)
	}
	l.appendToolMessage(ctx, sessionID, call.ID, output)
	cb.toolExecution(call.Name, args, output, isError)
}

func (l *Loop) appendUserMessage(ctx context.Context, sessionID uuid.UUID, content string) error {
	m := &store.Message{SessionID: sessionID, Role: store.RoleUser, Content: content}
	if err := l.stores.Messages.Append(ctx, m); err != nil {
		return fmt.Errorf("append user message: %w", err)
	}
	return nil
}

func (l *Loop) commitAssistant(ctx context.Context, sessionID uuid.UUID, content string, calls []providers.ToolCall) error {
	m := &store.Message{SessionID: sessionID, Role: store.RoleAssistant, Content: content}
	if len(calls) > 0 {
		raw, err := json.Marshal(calls)
		if err != nil {
			return fmt.Errorf("encode tool calls: %w", err)
		}
		m.ToolCallsJSON = string(raw)
	}
	if err := l.stores.Messages.Append(ctx, m); err != nil {
		return fmt.Errorf("append assistant message: %w", err)
	}
	if content != "" {
		part := &store.MessagePart{
			MessageID: m.ID,
			SessionID: sessionID,
			Kind:      store.PartText,
			Text:      content,
		}
		if err := l.stores.Parts.Append(ctx, part); err != nil {
			l.logger.Warn("text part write failed", "error", err)
		}
	}
	return nil
}

func (l *Loop) appendToolMessage(ctx context.Context, sessionID uuid.UUID, callID, content string) {
	m := &store.Message{
		SessionID:  sessionID,
		Role:       store.RoleTool,
		Content:    content,
		ToolCallID: callID,
	}
	if err := l.stores.Messages.Append(ctx, m); err != nil {
		l.logger.Warn("append tool message failed", "error", err)
	}
}

func (l *Loop) finish(ctx context.Context, sess *store.Session, def *Definition, res *RunResult) {
	if err := l.stores.Sessions.AddUsage(ctx, sess.ID, res.PromptTokens, res.CompletionTokens); err != nil {
		l.logger.Warn("usage update failed", "session_id", sess.ID, "error", err)
	}
	l.hooks.Execute(ctx, hooks.PostAgentLoop, &hooks.Context{
		SessionID: sess.ID, AgentSlug: def.Slug,
	})
	l.publishRun("run.completed", def.Slug, sess.ID, map[string]any{
		"iterations": res.Iterations,
	})
}

func (l *Loop) publishRun(eventType, slug string, sessionID uuid.UUID, payload map[string]any) {
	if l.events == nil {
		return
	}
	l.events.Publish(bus.RunEvent{
		Type:      eventType,
		AgentSlug: slug,
		SessionID: sessionID,
		Payload:   payload,
	})
}
