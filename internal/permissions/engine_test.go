package permissions

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/openfork/openfork/internal/prompt"
	"github.com/openfork/openfork/internal/store"
)

type scriptedPrompter struct {
	keys  []string
	calls int
}

func (s *scriptedPrompter) Prompt(_ context.Context, _ prompt.Request) (prompt.Response, error) {
	if s.calls >= len(s.keys) {
		return prompt.Response{TimedOut: true}, nil
	}
	key := s.keys[s.calls]
	s.calls++
	return prompt.Response{Key: key}, nil
}

func allowAll() Ruleset {
	return Ruleset{DefaultAction: ActionAsk, Rules: []Rule{{Pattern: "list:*", Action: ActionAllow}}}
}

func TestCheckAllowWithoutPrompt(t *testing.T) {
	p := &scriptedPrompter{}
	e := NewEngine(p, nil)

	dec, err := e.Check(context.Background(), CheckRequest{
		SessionID: uuid.New(),
		AgentSlug: "main",
		Tool:      "list",
		Args:      map[string]any{"path": "/tmp"},
		Ruleset:   allowAll(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if dec.Action != ActionAllow {
		t.Errorf("action = %s, want Allow", dec.Action)
	}
	if p.calls != 0 {
		t.Error("prompt fired for a pre-allowed call")
	}
}

func TestCheckDenyRule(t *testing.T) {
	e := NewEngine(&scriptedPrompter{}, nil)
	rs := Ruleset{DefaultAction: ActionAllow, Rules: []Rule{
		{Pattern: "list:/tmp", Action: ActionDeny, Priority: 100, Reason: "blocked"},
	}}

	dec, err := e.Check(context.Background(), CheckRequest{
		SessionID: uuid.New(),
		Tool:      "list",
		Args:      map[string]any{"path": "/tmp"},
		Ruleset:   rs,
	})
	if err != nil {
		t.Fatal(err)
	}
	if dec.Action != ActionDeny || dec.Reason != "blocked" {
		t.Errorf("got %s/%q, want Deny/blocked", dec.Action, dec.Reason)
	}
}

func TestCheckAskSessionScope(t *testing.T) {
	ctx := context.Background()
	p := &scriptedPrompter{keys: []string{"s"}}
	e := NewEngine(p, nil)
	sessionID := uuid.New()

	req := CheckRequest{
		SessionID: sessionID,
		AgentSlug: "main",
		Tool:      "bash",
		Args:      map[string]any{"command": "ls"},
		Ruleset:   Ruleset{DefaultAction: ActionAsk},
	}

	dec, err := e.Check(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Action != ActionAllow {
		t.Fatalf("first check = %s, want Allow", dec.Action)
	}
	if p.calls != 1 {
		t.Fatalf("prompt calls = %d, want 1", p.calls)
	}

	// Second identical check is covered by the session-scoped rule.
	dec, err = e.Check(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Action != ActionAllow {
		t.Errorf("second check = %s, want Allow from remembered rule", dec.Action)
	}
	if p.calls != 1 {
		t.Errorf("prompt calls = %d, want still 1", p.calls)
	}

	// Other sessions are unaffected.
	other := req
	other.SessionID = uuid.New()
	dec, err = e.Check(ctx, other)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Action != ActionDeny {
		t.Errorf("other session = %s, want Deny (prompt exhausted times out)", dec.Action)
	}
}

func TestCheckAskAlwaysPersists(t *testing.T) {
	ctx := context.Background()
	stores := store.NewMemoryStores()
	p := &scriptedPrompter{keys: []string{"a"}}
	e := NewEngine(p, stores.Permissions)

	req := CheckRequest{
		SessionID: uuid.New(),
		AgentSlug: "main",
		Tool:      "bash",
		Args:      map[string]any{"command": "go test"},
		Ruleset:   Ruleset{DefaultAction: ActionAsk},
	}
	dec, err := e.Check(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Action != ActionAllow {
		t.Fatalf("action = %s, want Allow", dec.Action)
	}

	saved, err := stores.Permissions.ListForAgent(ctx, "main")
	if err != nil {
		t.Fatal(err)
	}
	if len(saved) != 1 {
		t.Fatalf("got %d persisted rules, want 1", len(saved))
	}
	if saved[0].Pattern != "bash:go test" || saved[0].Action != string(ActionAllow) {
		t.Errorf("persisted rule = %+v", saved[0])
	}

	// A fresh engine sharing the store sees the remembered rule.
	e2 := NewEngine(&scriptedPrompter{}, stores.Permissions)
	req.SessionID = uuid.New()
	dec, err = e2.Check(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Action != ActionAllow {
		t.Errorf("fresh engine action = %s, want Allow", dec.Action)
	}
}

func TestCheckAskTimeoutDenies(t *testing.T) {
	e := NewEngine(&scriptedPrompter{}, nil)
	e.SetPromptTimeout(time.Millisecond)

	dec, err := e.Check(context.Background(), CheckRequest{
		SessionID: uuid.New(),
		Tool:      "bash",
		Args:      map[string]any{"command": "ls"},
		Ruleset:   Ruleset{DefaultAction: ActionAsk},
	})
	if err != nil {
		t.Fatal(err)
	}
	if dec.Action != ActionDeny {
		t.Errorf("action = %s, want Deny on timeout", dec.Action)
	}
}
