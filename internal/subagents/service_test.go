package subagents

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/openfork/openfork/internal/agent"
	"github.com/openfork/openfork/internal/bus"
	"github.com/openfork/openfork/internal/permissions"
	"github.com/openfork/openfork/internal/store"
	"github.com/openfork/openfork/internal/tools"
)

// fakeRunner blocks each run on a per-prompt gate when one is set.
type fakeRunner struct {
	mu    sync.Mutex
	gates map[string]chan struct{}
	runs  []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{gates: make(map[string]chan struct{})}
}

func (f *fakeRunner) gate(prompt string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[prompt] = ch
	return ch
}

func (f *fakeRunner) Run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
	f.mu.Lock()
	f.runs = append(f.runs, req.Input)
	gate := f.gates[req.Input]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &agent.RunResult{Output: "report: " + req.Input, Iterations: 1}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []bus.SubSessionEvent
}

func (r *recorder) handle(e bus.Event) {
	se, ok := e.(bus.SubSessionEvent)
	if !ok {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, se)
	r.mu.Unlock()
}

func (r *recorder) list() []bus.SubSessionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bus.SubSessionEvent, len(r.events))
	copy(out, r.events)
	return out
}

type testEnv struct {
	svc    *Service
	stores *store.Stores
	runner *fakeRunner
	events *bus.Bus
	rec    *recorder
	parent *store.Session
	main   *agent.Definition
}

func newTestEnv(t *testing.T, overrides ...*agent.Definition) *testEnv {
	t.Helper()
	registry, err := agent.NewRegistry(overrides...)
	if err != nil {
		t.Fatal(err)
	}
	env := &testEnv{
		stores: store.NewMemoryStores(),
		runner: newFakeRunner(),
		events: bus.NewWithInterval(time.Millisecond),
		rec:    &recorder{},
	}
	t.Cleanup(env.events.Close)
	env.events.Subscribe(bus.TopicSubSession, env.rec.handle)

	env.parent = &store.Session{ID: store.NewID(), AgentSlug: "main"}
	if err := env.stores.Sessions.Create(context.Background(), env.parent); err != nil {
		t.Fatal(err)
	}
	env.main, err = registry.Get("main")
	if err != nil {
		t.Fatal(err)
	}
	env.svc = NewService(env.stores, registry, env.runner, env.events)
	return env
}

func (e *testEnv) create(t *testing.T, slug, prompt string) *store.SubSession {
	t.Helper()
	sub, err := e.svc.Create(context.Background(), CreateRequest{
		ParentSessionID: e.parent.ID,
		ParentAgent:     e.main,
		AgentSlug:       slug,
		Prompt:          prompt,
	})
	if err != nil {
		t.Fatal(err)
	}
	return sub
}

func (e *testEnv) waitStatus(t *testing.T, id uuid.UUID, want store.SubSessionStatus) {
	t.Helper()
	waitUntil(t, func() bool {
		sub, err := e.stores.SubSessions.Get(context.Background(), id)
		return err == nil && sub.Status == want
	})
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.svc.Create(ctx, CreateRequest{
		ParentSessionID: env.parent.ID, ParentAgent: env.main,
		AgentSlug: "nonexistent", Prompt: "x",
	}); err == nil {
		t.Error("unknown slug accepted")
	}
	if _, err := env.svc.Create(ctx, CreateRequest{
		ParentSessionID: env.parent.ID, ParentAgent: env.main,
		AgentSlug: "main", Prompt: "x",
	}); err == nil {
		t.Error("primary agent accepted as subagent")
	}
	if _, err := env.svc.Create(ctx, CreateRequest{
		ParentSessionID: env.parent.ID, ParentAgent: env.main,
		AgentSlug: "explore",
	}); err == nil {
		t.Error("empty prompt accepted")
	}
}

func TestCreateCapsIterationsAtAgentLimit(t *testing.T) {
	env := newTestEnv(t)
	sub, err := env.svc.Create(context.Background(), CreateRequest{
		ParentSessionID: env.parent.ID, ParentAgent: env.main,
		AgentSlug: "explore", Prompt: "look around", MaxIterations: 500,
	})
	if err != nil {
		t.Fatal(err)
	}
	explore, _ := env.svc.agents.Get("explore")
	if sub.MaxIterations != explore.MaxIterations {
		t.Errorf("max_iterations = %d, want agent cap %d", sub.MaxIterations, explore.MaxIterations)
	}
}

func TestCreateSnapshotsEffectivePermissions(t *testing.T) {
	env := newTestEnv(t)
	sub := env.create(t, "explore", "look around")

	stored, err := env.stores.SubSessions.Get(context.Background(), sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.EffectivePermissionsJSON == "" {
		t.Fatal("permissions snapshot not persisted")
	}

	var rs permissions.Ruleset
	if err := json.Unmarshal([]byte(stored.EffectivePermissionsJSON), &rs); err != nil {
		t.Fatal(err)
	}
	explore, _ := env.svc.agents.Get("explore")
	if rs.DefaultAction != explore.Permissions.DefaultAction {
		t.Errorf("default action = %s, want %s", rs.DefaultAction, explore.Permissions.DefaultAction)
	}
	if len(rs.Rules) != len(explore.Permissions.Rules) {
		t.Errorf("rules = %d, want %d", len(rs.Rules), len(explore.Permissions.Rules))
	}
}

func TestExecuteCompletesAndStoresResult(t *testing.T) {
	env := newTestEnv(t)
	sub := env.create(t, "explore", "find the config loader")

	if err := env.svc.Execute(context.Background(), sub.ID); err != nil {
		t.Fatal(err)
	}
	final, err := env.svc.Get(context.Background(), sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != store.SubCompleted {
		t.Fatalf("status = %s", final.Status)
	}
	if final.Result != "report: find the config loader" {
		t.Errorf("result = %q", final.Result)
	}
	if final.ChildSessionID == uuid.Nil {
		t.Error("child session not recorded")
	}
	if final.FinishedAt == nil {
		t.Error("finished_at not set")
	}
}

func TestExecuteQueuesAtCapacity(t *testing.T) {
	env := newTestEnv(t, &agent.Definition{
		Slug: "explore", Name: "Explore", Category: agent.CategorySubagent,
		ExecutionMode: agent.ModeAgentic, MaxIterations: 15,
		MaxConcurrentInstances: 1,
		ToolConfig:             tools.FilterConfig{Mode: tools.FilterOnlyThese, List: []string{"read"}},
	})
	ctx := context.Background()

	subA := env.create(t, "explore", "task A")
	subB := env.create(t, "explore", "task B")
	gateA := env.runner.gate("task A")
	gateB := env.runner.gate("task B")

	doneA := make(chan error, 1)
	go func() { doneA <- env.svc.Execute(ctx, subA.ID) }()
	env.waitStatus(t, subA.ID, store.SubRunning)

	doneB := make(chan error, 1)
	go func() { doneB <- env.svc.Execute(ctx, subB.ID) }()
	env.waitStatus(t, subB.ID, store.SubQueued)

	close(gateA)
	if err := <-doneA; err != nil {
		t.Fatal(err)
	}
	env.waitStatus(t, subB.ID, store.SubRunning)
	close(gateB)
	if err := <-doneB; err != nil {
		t.Fatal(err)
	}
	env.waitStatus(t, subB.ID, store.SubCompleted)

	// B entered the queue before running, and only started after A
	// finished.
	waitUntil(t, func() bool { return len(env.rec.list()) >= 7 })
	var bQueuedIdx, aCompletedIdx, bRunningIdx = -1, -1, -1
	for i, e := range env.rec.list() {
		switch {
		case e.SubSessionID == subB.ID && e.ToStatus == string(store.SubQueued):
			bQueuedIdx = i
		case e.SubSessionID == subA.ID && e.Type == bus.SubSessionCompleted:
			aCompletedIdx = i
		case e.SubSessionID == subB.ID && e.ToStatus == string(store.SubRunning):
			bRunningIdx = i
		}
	}
	if bQueuedIdx == -1 || aCompletedIdx == -1 || bRunningIdx == -1 {
		t.Fatalf("missing transitions in %v", env.rec.list())
	}
	if !(bQueuedIdx < aCompletedIdx && aCompletedIdx < bRunningIdx) {
		t.Errorf("event order: queued=%d completed(A)=%d running(B)=%d",
			bQueuedIdx, aCompletedIdx, bRunningIdx)
	}
}

func TestCancelPendingSubSession(t *testing.T) {
	env := newTestEnv(t)
	sub := env.create(t, "explore", "never runs")

	if err := env.svc.Cancel(context.Background(), sub.ID); err != nil {
		t.Fatal(err)
	}
	final, _ := env.svc.Get(context.Background(), sub.ID)
	if final.Status != store.SubCancelled {
		t.Errorf("status = %s, want cancelled", final.Status)
	}
}

func TestCancelRunningSubSession(t *testing.T) {
	env := newTestEnv(t)
	sub := env.create(t, "explore", "long task")
	env.runner.gate("long task")

	done := make(chan error, 1)
	go func() { done <- env.svc.Execute(context.Background(), sub.ID) }()
	env.waitStatus(t, sub.ID, store.SubRunning)

	if err := env.svc.Cancel(context.Background(), sub.ID); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatalf("cancelled execution returned error: %v", err)
	}
	env.waitStatus(t, sub.ID, store.SubCancelled)
}

func TestTaskToolRunsSubagent(t *testing.T) {
	env := newTestEnv(t)
	registry := env.svc.agents
	tool := NewTaskTool(env.svc, registry)

	ctx := tools.WithInvocation(context.Background(), tools.Invocation{
		SessionID: env.parent.ID,
		AgentSlug: "main",
	})
	res := tool.Execute(ctx, map[string]any{
		"subagent_type": "explore",
		"prompt":        "map the repo",
		"description":   "repo survey",
	})
	if res.IsError {
		t.Fatalf("task failed: %s", res.Output)
	}
	if res.Output != "report: map the repo" {
		t.Errorf("output = %q", res.Output)
	}
	if res.Title != "repo survey" {
		t.Errorf("title = %q", res.Title)
	}
}

func TestTaskToolRejectsMissingInvocation(t *testing.T) {
	env := newTestEnv(t)
	tool := NewTaskTool(env.svc, env.svc.agents)

	res := tool.Execute(context.Background(), map[string]any{
		"subagent_type": "explore", "prompt": "x",
	})
	if !res.IsError {
		t.Fatal("expected error without invocation context")
	}
	if !strings.Contains(res.Output, "outside an agent loop") {
		t.Errorf("output = %q", res.Output)
	}
}
