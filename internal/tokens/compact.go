package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openfork/openfork/internal/bus"
	"github.com/openfork/openfork/internal/providers"
	"github.com/openfork/openfork/internal/store"
)

// Layer 3 thresholds.
const (
	// CompactionThreshold is the context fraction that triggers compaction.
	CompactionThreshold = 0.90
	// CompactionTargetPercent is the context fraction to shrink down to.
	CompactionTargetPercent = 50
	// SummaryMaxTokens caps the generated summary.
	SummaryMaxTokens = 2000
)

const summarySystemPrompt = `You are a conversation summarizer. Produce a structured summary of the conversation below with these sections:

## Context
What the conversation is about and what the user is trying to achieve.

## Key Decisions
Decisions made and their rationale.

## Changes Made
Concrete changes applied (files, commands, state).

## Current State
Where things stand now.

## Pending Items
Work that remains or questions still open.

Be specific and concise. Preserve file paths, identifiers and exact values.`

const (
	summaryHeader = "=== CONVERSATION SUMMARY (earlier messages compacted) ==="
	summaryFooter = "=== END SUMMARY ==="
)

// CompactResult reports the outcome of one compaction attempt.
type CompactResult struct {
	WasCompacted      bool
	BoundaryMessageID uuid.UUID
	MessagesCompacted int
	TokensAfter       int
}

// Compactor implements conversation compaction: it summarizes the oldest
// messages through a cheap model, writes a boundary part and retires the
// summarized prefix. Summarization always uses the process-default model,
// not the active turn's.
type Compactor struct {
	provider providers.Provider
	model    string
	messages store.MessageRepo
	parts    store.PartRepo
	events   *bus.Bus
	logger   *slog.Logger
}

// NewCompactor wires a compactor. events may be nil.
func NewCompactor(p providers.Provider, model string, messages store.MessageRepo, parts store.PartRepo, events *bus.Bus) *Compactor {
	return &Compactor{
		provider: p,
		model:    model,
		messages: messages,
		parts:    parts,
		events:   events,
		logger:   slog.Default().With("component", "compactor"),
	}
}

// ShouldCompact reports whether the current estimate crosses the
// compaction threshold.
func ShouldCompact(currentTokens, contextLimit int) bool {
	return float64(currentTokens) >= float64(contextLimit)*CompactionThreshold
}

// Compact summarizes and retires the oldest messages of a session. msgs
// must be the session's active messages in id order. Returns
// WasCompacted=false when under threshold or too little history exists.
func (c *Compactor) Compact(ctx context.Context, sessionID uuid.UUID, msgs []*store.Message, currentTokens, contextLimit int) (CompactResult, error) {
	res := CompactResult{TokensAfter: currentTokens}
	if !ShouldCompact(currentTokens, contextLimit) {
		return res, nil
	}

	target := currentTokens - contextLimit*CompactionTargetPercent/100
	boundaryIdx := selectPrefix(msgs, target)
	if boundaryIdx >= len(msgs) {
		boundaryIdx = len(msgs) - 1
	}

	// The boundary must be a user or system message so replay starts at a
	// natural point; shrink the prefix when it lands elsewhere.
	for boundaryIdx > 0 {
		role := msgs[boundaryIdx].Role
		if role == store.RoleUser || role == store.RoleSystem {
			break
		}
		boundaryIdx--
	}
	if boundaryIdx < 2 {
		return res, nil
	}
	prefix := msgs[:boundaryIdx]
	boundary := msgs[boundaryIdx]

	removed := 0
	for _, m := range prefix {
		removed += EstimateStoredMessage(m)
	}

	summary := c.summarize(ctx, prefix)

	part := &store.MessagePart{
		MessageID:      boundary.ID,
		SessionID:      sessionID,
		Kind:           store.PartCompaction,
		Summary:        summary,
		CompactedCount: len(prefix),
		TokensBefore:   removed,
	}
	if err := c.parts.Append(ctx, part); err != nil {
		return res, fmt.Errorf("write compaction part: %w", err)
	}
	n, err := c.messages.MarkCompacted(ctx, sessionID, boundary.ID)
	if err != nil {
		return res, fmt.Errorf("mark compacted: %w", err)
	}

	res.WasCompacted = true
	res.BoundaryMessageID = boundary.ID
	res.MessagesCompacted = n
	res.TokensAfter = currentTokens - removed + EstimateText(summary)

	c.logger.Info("compacted session history",
		"session_id", sessionID, "messages", n, "tokens_removed", removed)
	if c.events != nil {
		c.events.Publish(bus.MessageCompacted{
			SessionID:         sessionID,
			BoundaryMessageID: boundary.ID,
			MessageCount:      n,
			TokenCount:        removed,
			CompactedAt:       time.Now().UTC(),
		})
	}
	return res, nil
}

// selectPrefix picks the shortest prefix of compactable messages whose
// estimates sum to at least target tokens. System messages stop the scan:
// they are never compacted.
func selectPrefix(msgs []*store.Message, target int) int {
	idx, acc := 0, 0
	for i, m := range msgs {
		if m.Role == store.RoleSystem {
			break
		}
		acc += EstimateStoredMessage(m)
		idx = i + 1
		if acc >= target {
			break
		}
	}
	return idx
}

func (c *Compactor) summarize(ctx context.Context, msgs []*store.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&sb, "[%s]\n%s\n", strings.ToUpper(string(m.Role)), m.Content)
	}

	resp, err := c.provider.Chat(ctx, providers.ChatRequest{
		Model: c.model,
		Messages: []providers.Message{
			{Role: "system", Content: summarySystemPrompt},
			{Role: "user", Content: sb.String()},
		},
		MaxTokens: SummaryMaxTokens,
	})
	if err != nil {
		c.logger.Warn("summary generation failed", "error", err)
		return fmt.Sprintf("Summary unavailable (error: %v). %d earlier messages were compacted.", err, len(msgs))
	}
	return resp.Content
}

// SyntheticSummaryID marks the synthetic system message produced when
// loading a compacted session.
var SyntheticSummaryID = uuid.Nil

// LoadWithBoundary returns session history honoring the most recent
// compaction: a synthetic system message carrying the stored summary,
// followed by messages with id strictly greater than the boundary message
// id. Sessions never compacted get their plain active history.
func LoadWithBoundary(ctx context.Context, messages store.MessageRepo, parts store.PartRepo, sessionID uuid.UUID) ([]*store.Message, error) {
	comp, err := parts.MostRecentCompaction(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return messages.ListActive(ctx, sessionID)
	}
	if err != nil {
		return nil, err
	}

	after, err := messages.ListAfter(ctx, sessionID, comp.MessageID)
	if err != nil {
		return nil, err
	}
	synthetic := &store.Message{
		ID:        SyntheticSummaryID,
		SessionID: sessionID,
		Role:      store.RoleSystem,
		Content:   summaryHeader + "\n" + comp.Summary + "\n" + summaryFooter,
		CreatedAt: comp.CreatedAt,
	}
	return append([]*store.Message{synthetic}, after...), nil
}
