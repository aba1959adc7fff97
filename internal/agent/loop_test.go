package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/openfork/openfork/internal/hooks"
	"github.com/openfork/openfork/internal/permissions"
	"github.com/openfork/openfork/internal/prompt"
	"github.com/openfork/openfork/internal/providers"
	"github.com/openfork/openfork/internal/store"
	"github.com/openfork/openfork/internal/tools"
)

type scriptedStream struct {
	chunks []providers.Chunk
	err    error
}

type fakeStreamProvider struct {
	streams []scriptedStream
	calls   int
}

func (f *fakeStreamProvider) Name() string { return "fake" }

func (f *fakeStreamProvider) Chat(_ context.Context, _ providers.ChatRequest) (*providers.ChatResponse, error) {
	return &providers.ChatResponse{Content: "summary", FinishReason: "stop"}, nil
}

func (f *fakeStreamProvider) StreamChat(_ context.Context, _ providers.ChatRequest, onChunk func(providers.Chunk)) error {
	if f.calls >= len(f.streams) {
		return fmt.Errorf("unexpected stream call %d", f.calls+1)
	}
	s := f.streams[f.calls]
	f.calls++
	for _, c := range s.chunks {
		onChunk(c)
	}
	return s.err
}

func text(s string) providers.Chunk { return providers.Chunk{Content: s} }

func openCall(id, name, frag string) providers.Chunk {
	return providers.Chunk{ToolCalls: []providers.ToolCallDelta{
		{ID: id, Name: name, ArgumentsFragment: frag},
	}}
}

func finish(reason string) providers.Chunk { return providers.Chunk{FinishReason: reason} }

type recordingTool struct {
	name   string
	log    *[]string
	result *tools.Result
}

func (r *recordingTool) Name() string        { return r.name }
func (r *recordingTool) Description() string { return "test tool" }
func (r *recordingTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
func (r *recordingTool) Execute(_ context.Context, _ map[string]any) *tools.Result {
	*r.log = append(*r.log, r.name)
	if r.result != nil {
		return r.result
	}
	return tools.NewResult(r.name + " output")
}

type silentPrompter struct{}

func (silentPrompter) Prompt(_ context.Context, _ prompt.Request) (prompt.Response, error) {
	return prompt.Response{TimedOut: true}, nil
}

type loopEnv struct {
	loop     *Loop
	stores   *store.Stores
	session  *store.Session
	def      *Definition
	registry *tools.Registry
	provider *fakeStreamProvider
	deltas   []string
	doneSeen int
	toolRuns []string
}

func newLoopEnv(t *testing.T, streams []scriptedStream) *loopEnv {
	t.Helper()
	env := &loopEnv{
		provider: &fakeStreamProvider{streams: streams},
		stores:   store.NewMemoryStores(),
		registry: tools.NewRegistry(),
	}

	resolver := providers.NewResolver()
	resolver.Register(env.provider)
	resolver.RegisterModel(providers.Model{ID: "test-model", ContextWindow: 128000})

	env.session = &store.Session{ID: store.NewID(), AgentSlug: "main"}
	if err := env.stores.Sessions.Create(context.Background(), env.session); err != nil {
		t.Fatal(err)
	}

	env.def = &Definition{
		Slug:          "main",
		Category:      CategoryPrimary,
		ProviderID:    "fake",
		ModelID:       "test-model",
		SystemPrompt:  "You are a test agent.",
		ExecutionMode: ModeAgentic,
		MaxIterations: 10,
		ToolConfig:    tools.FilterConfig{Mode: tools.FilterAll},
		Permissions:   permissions.Ruleset{Name: "main", DefaultAction: permissions.ActionAllow},
	}

	retry := DefaultRetryPolicy()
	retry.Sleep = func(context.Context, time.Duration) error { return nil }
	env.loop = NewLoop(LoopOptions{
		Resolver: resolver,
		Stores:   env.stores,
		Tools:    env.registry,
		Retry:    &retry,
	})
	return env
}

func (e *loopEnv) callbacks() Callbacks {
	return Callbacks{
		OnDelta: func(content string, done bool) {
			if done {
				e.doneSeen++
				return
			}
			e.deltas = append(e.deltas, content)
		},
		OnToolExecution: func(name string, _ map[string]any, _ string, _ bool) {
			e.toolRuns = append(e.toolRuns, name)
		},
	}
}

func (e *loopEnv) history(t *testing.T) []*store.Message {
	t.Helper()
	msgs, err := e.stores.Messages.ListActive(context.Background(), e.session.ID)
	if err != nil {
		t.Fatal(err)
	}
	return msgs
}

func TestRunSimpleTextTurn(t *testing.T) {
	env := newLoopEnv(t, []scriptedStream{
		{chunks: []providers.Chunk{text("Hello"), text(" world"), finish("stop")}},
	})

	res, err := env.loop.Run(context.Background(), RunRequest{
		Session: env.session, Agent: env.def, Input: "hi", Callbacks: env.callbacks(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "Hello world" {
		t.Errorf("output = %q", res.Output)
	}
	if res.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", res.Iterations)
	}
	if env.doneSeen != 1 {
		t.Errorf("done emitted %d times, want exactly once", env.doneSeen)
	}
	if len(env.deltas) != 2 || env.deltas[0] != "Hello" {
		t.Errorf("deltas = %v", env.deltas)
	}

	msgs := env.history(t)
	if len(msgs) != 2 {
		t.Fatalf("history = %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != store.RoleUser || msgs[1].Role != store.RoleAssistant {
		t.Errorf("roles = %s, %s", msgs[0].Role, msgs[1].Role)
	}
	if msgs[1].Content != "Hello world" {
		t.Errorf("assistant content = %q", msgs[1].Content)
	}
}

func TestRunToolCallsExecuteInEmittedOrder(t *testing.T) {
	env := newLoopEnv(t, []scriptedStream{
		{chunks: []providers.Chunk{
			openCall("call_1", "alpha", "{}"),
			openCall("call_2", "beta", "{}"),
			openCall("call_3", "gamma", "{}"),
			finish("tool_calls"),
		}},
		{chunks: []providers.Chunk{text("done"), finish("stop")}},
	})
	var log []string
	for _, name := range []string{"alpha", "beta", "gamma"} {
		env.registry.MustRegister(&recordingTool{name: name, log: &log})
	}

	res, err := env.loop.Run(context.Background(), RunRequest{
		Session: env.session, Agent: env.def, Input: "go", Callbacks: env.callbacks(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", res.Iterations)
	}
	if strings.Join(log, ",") != "alpha,beta,gamma" {
		t.Errorf("execution order = %v", log)
	}
	if strings.Join(env.toolRuns, ",") != "alpha,beta,gamma" {
		t.Errorf("callback order = %v", env.toolRuns)
	}

	// Tool-result messages appear in emitted order in the history.
	msgs := env.history(t)
	var callIDs []string
	for _, m := range msgs {
		if m.Role == store.RoleTool {
			callIDs = append(callIDs, m.ToolCallID)
		}
	}
	if strings.Join(callIDs, ",") != "call_1,call_2,call_3" {
		t.Errorf("tool message order = %v", callIDs)
	}
}

func TestRunDeniedToolReportsToModel(t *testing.T) {
	env := newLoopEnv(t, []scriptedStream{
		{chunks: []providers.Chunk{
			openCall("call_1", "bash", `{"command": "rm -rf /"}`),
			finish("tool_calls"),
		}},
		{chunks: []providers.Chunk{text("understood"), finish("stop")}},
	})
	var log []string
	env.registry.MustRegister(&recordingTool{name: "bash", log: &log})
	env.def.Permissions.Rules = []permissions.Rule{
		{Pattern: "bash:*", Action: permissions.ActionDeny, Reason: "no shell access", Priority: 10},
	}
	env.loop.perms = permissions.NewEngine(silentPrompter{}, env.stores.Permissions)

	if _, err := env.loop.Run(context.Background(), RunRequest{
		Session: env.session, Agent: env.def, Input: "wipe it", Callbacks: env.callbacks(),
	}); err != nil {
		t.Fatal(err)
	}
	if len(log) != 0 {
		t.Error("denied tool must not execute")
	}

	var toolMsg *store.Message
	for _, m := range env.history(t) {
		if m.Role == store.RoleTool {
			toolMsg = m
		}
	}
	if toolMsg == nil {
		t.Fatal("no tool-result message written")
	}
	if !strings.Contains(toolMsg.Content, "Permission denied: no shell access") {
		t.Errorf("tool message = %q", toolMsg.Content)
	}
}

func TestRunPreToolHookBlocksExecution(t *testing.T) {
	env := newLoopEnv(t, []scriptedStream{
		{chunks: []providers.Chunk{
			openCall("call_1", "alpha", "{}"),
			finish("tool_calls"),
		}},
		{chunks: []providers.Chunk{text("ok"), finish("stop")}},
	})
	var log []string
	env.registry.MustRegister(&recordingTool{name: "alpha", log: &log})
	env.loop.hooks.Register(&hooks.FuncHook{
		HookID: "gate", HookName: "gate", On: hooks.PreTool, Prio: 1,
		Fn: func(context.Context, *hooks.Context) hooks.Result {
			return hooks.Result{Success: true, Continue: false, Reason: "not today"}
		},
	})

	if _, err := env.loop.Run(context.Background(), RunRequest{
		Session: env.session, Agent: env.def, Input: "try", Callbacks: env.callbacks(),
	}); err != nil {
		t.Fatal(err)
	}
	if len(log) != 0 {
		t.Error("blocked tool must not execute")
	}
	found := false
	for _, m := range env.history(t) {
		if m.Role == store.RoleTool && strings.Contains(m.Content, "Blocked by hook: not today") {
			found = true
		}
	}
	if !found {
		t.Error("hook denial not reported to the model")
	}
}

func TestRunTruncationContinuation(t *testing.T) {
	env := newLoopEnv(t, []scriptedStream{
		{chunks: []providers.Chunk{text("fn foo() { ```rust\nlet x"), finish("length")}},
		{chunks: []providers.Chunk{text(" = 1;\n```"), finish("stop")}},
	})

	res, err := env.loop.Run(context.Background(), RunRequest{
		Session: env.session, Agent: env.def, Input: "write foo", Callbacks: env.callbacks(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if env.provider.calls != 2 {
		t.Errorf("stream calls = %d, want 2", env.provider.calls)
	}
	// A continuation does not consume an iteration.
	if res.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", res.Iterations)
	}

	foundContinuation := false
	for _, m := range env.history(t) {
		if m.Role == store.RoleUser && strings.Contains(m.Content, "cut off") {
			foundContinuation = true
		}
	}
	if !foundContinuation {
		t.Error("synthetic continuation prompt not appended")
	}
	if !strings.Contains(res.Output, "let x = 1;") {
		t.Errorf("output = %q", res.Output)
	}
}

func TestRunContinuationFenceBalancedAcrossChunks(t *testing.T) {
	env := newLoopEnv(t, []scriptedStream{
		{chunks: []providers.Chunk{text("```go\nx := 1"), finish("stop")}},
		{chunks: []providers.Chunk{text("\n```"), finish("stop")}},
	})

	res, err := env.loop.Run(context.Background(), RunRequest{
		Session: env.session, Agent: env.def, Input: "show x", Callbacks: env.callbacks(),
	})
	if err != nil {
		t.Fatal(err)
	}
	// The second chunk closes the fence opened by the first; its own odd
	// backtick count must not trigger another continuation.
	if env.provider.calls != 2 {
		t.Errorf("stream calls = %d, want 2", env.provider.calls)
	}
	if res.Output != "```go\nx := 1\n```" {
		t.Errorf("output = %q", res.Output)
	}
}

func TestRunContinuationBudgetBounded(t *testing.T) {
	truncated := scriptedStream{chunks: []providers.Chunk{text("more "), finish("length")}}
	streams := make([]scriptedStream, 6)
	for i := range streams {
		streams[i] = truncated
	}
	env := newLoopEnv(t, streams)

	res, err := env.loop.Run(context.Background(), RunRequest{
		Session: env.session, Agent: env.def, Input: "go on forever", Callbacks: env.callbacks(),
	})
	if err != nil {
		t.Fatal(err)
	}
	// One initial response plus at most MaxAttempts continuations.
	want := 1 + env.loop.retry.MaxAttempts
	if env.provider.calls != want {
		t.Errorf("stream calls = %d, want %d", env.provider.calls, want)
	}
	if res.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", res.Iterations)
	}
	if env.doneSeen != 1 {
		t.Errorf("done emitted %d times, want exactly once", env.doneSeen)
	}
}

func TestRunRetryDiscardsPartialAttempt(t *testing.T) {
	env := newLoopEnv(t, []scriptedStream{
		{chunks: []providers.Chunk{text("GARBAGE")}, err: errors.New("connection reset by peer")},
		{chunks: []providers.Chunk{text("clean answer"), finish("stop")}},
	})

	res, err := env.loop.Run(context.Background(), RunRequest{
		Session: env.session, Agent: env.def, Input: "hi", Callbacks: env.callbacks(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "clean answer" {
		t.Errorf("output = %q, want retried attempt only", res.Output)
	}
	for _, m := range env.history(t) {
		if strings.Contains(m.Content, "GARBAGE") {
			t.Error("failed attempt content leaked into committed history")
		}
	}
}

func TestRunNonRetryableErrorFailsTurn(t *testing.T) {
	env := newLoopEnv(t, []scriptedStream{
		{err: errors.New("HTTP 401: invalid api key")},
	})

	_, err := env.loop.Run(context.Background(), RunRequest{
		Session: env.session, Agent: env.def, Input: "hi", Callbacks: env.callbacks(),
	})
	if err == nil {
		t.Fatal("expected turn failure")
	}
	if env.provider.calls != 1 {
		t.Errorf("stream calls = %d, want 1 (no retry)", env.provider.calls)
	}
}

func TestRunIterationCap(t *testing.T) {
	loopStream := scriptedStream{chunks: []providers.Chunk{
		openCall("call_x", "alpha", "{}"),
		finish("tool_calls"),
	}}
	env := newLoopEnv(t, []scriptedStream{loopStream, loopStream})
	var log []string
	env.registry.MustRegister(&recordingTool{name: "alpha", log: &log})
	env.def.MaxIterations = 2

	capHookFired := false
	env.loop.hooks.Register(&hooks.FuncHook{
		HookID: "cap", HookName: "cap", On: hooks.MaxIterations, Prio: 1,
		Fn: func(context.Context, *hooks.Context) hooks.Result {
			capHookFired = true
			return hooks.Result{Success: true, Continue: true}
		},
	})

	res, err := env.loop.Run(context.Background(), RunRequest{
		Session: env.session, Agent: env.def, Input: "loop forever", Callbacks: env.callbacks(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.HitIterationCap {
		t.Error("cap not reported")
	}
	if !strings.Contains(res.Output, "maximum of 2 iterations") {
		t.Errorf("output missing warning: %q", res.Output)
	}
	if len(log) != 2 {
		t.Errorf("tool ran %d times, want 2", len(log))
	}
	if !capHookFired {
		t.Error("max_iterations hook chain not executed")
	}
	if env.doneSeen != 1 {
		t.Errorf("done emitted %d times, want exactly once", env.doneSeen)
	}
}

func TestRunCancellationDoesNotCommitAssistant(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	env := newLoopEnv(t, nil)
	env.provider.streams = []scriptedStream{
		{chunks: []providers.Chunk{text("partial")}, err: nil},
	}
	// Cancel while the stream is being consumed.
	env.provider.streams[0].chunks = []providers.Chunk{text("partial")}
	first := true
	env.loop.retry.Sleep = func(context.Context, time.Duration) error { return context.Canceled }
	cb := Callbacks{OnDelta: func(string, bool) {
		if first {
			first = false
			cancel()
		}
	}}

	_, err := env.loop.Run(ctx, RunRequest{
		Session: env.session, Agent: env.def, Input: "hi", Callbacks: cb,
	})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	for _, m := range env.history(t) {
		if m.Role == store.RoleAssistant {
			t.Error("cancelled turn committed an assistant message")
		}
	}
}
