package store

import (
	"context"
	"errors"
	"testing"
)

func TestMarkCompactedFlagsOlderMessages(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStores()

	sess := &Session{AgentSlug: "main"}
	if err := s.Sessions.Create(ctx, sess); err != nil {
		t.Fatal(err)
	}

	var msgs []*Message
	for i := 0; i < 5; i++ {
		m := &Message{SessionID: sess.ID, Role: RoleUser, Content: "m"}
		if err := s.Messages.Append(ctx, m); err != nil {
			t.Fatal(err)
		}
		msgs = append(msgs, m)
	}

	n, err := s.Messages.MarkCompacted(ctx, sess.ID, msgs[3].ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("marked %d messages, want 3", n)
	}

	active, err := s.Messages.ListActive(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 {
		t.Fatalf("got %d active messages, want 2", len(active))
	}
	if active[0].ID != msgs[3].ID {
		t.Errorf("first active message = %s, want boundary %s", active[0].ID, msgs[3].ID)
	}

	all, err := s.Messages.ListAll(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Fatalf("got %d total messages, want 5", len(all))
	}
}

func TestMostRecentCompaction(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStores()

	sess := &Session{AgentSlug: "main"}
	if err := s.Sessions.Create(ctx, sess); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Parts.MostRecentCompaction(ctx, sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before any compaction, got %v", err)
	}

	msg := &Message{SessionID: sess.ID, Role: RoleUser}
	if err := s.Messages.Append(ctx, msg); err != nil {
		t.Fatal(err)
	}
	first := &MessagePart{MessageID: msg.ID, SessionID: sess.ID, Kind: PartCompaction, Summary: "old"}
	second := &MessagePart{MessageID: msg.ID, SessionID: sess.ID, Kind: PartCompaction, Summary: "new"}
	for _, p := range []*MessagePart{first, second} {
		if err := s.Parts.Append(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Parts.MostRecentCompaction(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Summary != "new" {
		t.Errorf("summary = %q, want %q", got.Summary, "new")
	}
}

func TestPermissionRuleOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStores()

	rules := []*PermissionRule{
		{AgentSlug: "", Pattern: "*", Action: "ask", Priority: 0},
		{AgentSlug: "main", Pattern: "edit:*", Action: "allow", Priority: 10},
		{AgentSlug: "other", Pattern: "bash:*", Action: "deny", Priority: 5},
		{AgentSlug: "main", Pattern: "bash:rm *", Action: "deny", Priority: 5},
	}
	for _, r := range rules {
		if err := s.Permissions.Save(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Permissions.ListForAgent(ctx, "main")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d rules, want 3", len(got))
	}
	wantPatterns := []string{"*", "bash:rm *", "edit:*"}
	for i, r := range got {
		if r.Pattern != wantPatterns[i] {
			t.Errorf("rule %d pattern = %q, want %q", i, r.Pattern, wantPatterns[i])
		}
	}
}

func TestSessionUsageAccumulates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStores()

	sess := &Session{AgentSlug: "main"}
	if err := s.Sessions.Create(ctx, sess); err != nil {
		t.Fatal(err)
	}
	if err := s.Sessions.AddUsage(ctx, sess.ID, 100, 20); err != nil {
		t.Fatal(err)
	}
	if err := s.Sessions.AddUsage(ctx, sess.ID, 50, 10); err != nil {
		t.Fatal(err)
	}

	got, err := s.Sessions.Get(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.PromptTokens != 150 || got.CompletionTokens != 30 {
		t.Errorf("usage = %d/%d, want 150/30", got.PromptTokens, got.CompletionTokens)
	}
}
