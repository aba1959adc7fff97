// Package tokens implements the three-layer context budget: per-tool
// output truncation with disk spillover, pruning of old tool outputs, and
// LLM-generated conversation compaction with a persistent boundary.
//
// Estimation is a coarse heuristic (4 chars per token) and never promises
// tokenizer fidelity.
package tokens

import (
	"encoding/json"

	"github.com/openfork/openfork/internal/providers"
	"github.com/openfork/openfork/internal/store"
)

const (
	charsPerToken         = 4
	messageOverheadTokens = 4
)

// EstimateText estimates tokens in a string.
func EstimateText(s string) int {
	return (len(s) + charsPerToken - 1) / charsPerToken
}

// EstimateMessage estimates one message including structural overhead and
// any serialized tool calls.
func EstimateMessage(m providers.Message) int {
	n := messageOverheadTokens + EstimateText(m.Content)
	for _, tc := range m.ToolCalls {
		n += EstimateText(tc.Name) + EstimateText(tc.Arguments)
	}
	return n
}

// EstimateRequest estimates a full chat request: all messages plus the
// serialized tool schemas.
func EstimateRequest(msgs []providers.Message, tools []providers.ToolDefinition) int {
	n := 0
	for _, m := range msgs {
		n += EstimateMessage(m)
	}
	for _, t := range tools {
		raw, err := json.Marshal(t)
		if err != nil {
			continue
		}
		n += EstimateText(string(raw))
	}
	return n
}

// EstimateStoredMessage estimates a persisted message.
func EstimateStoredMessage(m *store.Message) int {
	return messageOverheadTokens + EstimateText(m.Content) + EstimateText(m.ToolCallsJSON)
}

// EstimatePart estimates a message part by its dominant payload.
func EstimatePart(p *store.MessagePart) int {
	switch p.Kind {
	case store.PartTool:
		return EstimateText(p.ToolInput) + EstimateText(p.ToolOutput)
	case store.PartCompaction:
		return EstimateText(p.Summary)
	default:
		return EstimateText(p.Text)
	}
}
