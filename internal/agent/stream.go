package agent

import (
	"strings"

	"github.com/openfork/openfork/internal/providers"
)

// assembler accumulates one streamed response. Tool-call fragments are
// keyed by arrival order: a fragment carrying an id opens a new call,
// later fragments append arguments to the newest open call. Fragment
// indexes are ignored since providers disagree on them.
type assembler struct {
	content      strings.Builder
	reasoning    strings.Builder
	calls        []providers.ToolCall
	finishReason string
}

func newAssembler() *assembler {
	return &assembler{}
}

func (a *assembler) add(chunk providers.Chunk) {
	a.content.WriteString(chunk.Content)
	a.reasoning.WriteString(chunk.Reasoning)
	for _, d := range chunk.ToolCalls {
		if d.ID != "" {
			a.calls = append(a.calls, providers.ToolCall{
				ID:        d.ID,
				Name:      d.Name,
				Arguments: d.ArgumentsFragment,
			})
			continue
		}
		if len(a.calls) == 0 {
			// Orphan fragment before any call opened; drop it.
			continue
		}
		last := &a.calls[len(a.calls)-1]
		if d.Name != "" && last.Name == "" {
			last.Name = d.Name
		}
		last.Arguments += d.ArgumentsFragment
	}
	if chunk.FinishReason != "" {
		a.finishReason = chunk.FinishReason
	}
}

func (a *assembler) text() string { return a.content.String() }

// truncatedFinish reports finish reasons indicating the model ran out
// of output budget mid-response.
func truncatedFinish(reason string) bool {
	switch reason {
	case "length", "max_tokens", "max_output_tokens":
		return true
	}
	return false
}

// hasUnclosedFence reports whether the text ends inside a fenced code
// block (odd number of triple-backtick markers).
func hasUnclosedFence(s string) bool {
	return strings.Count(s, "```")%2 == 1
}
