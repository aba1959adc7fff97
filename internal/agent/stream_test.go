package agent

import (
	"testing"

	"github.com/openfork/openfork/internal/providers"
)

func TestAssemblerCollectsContentAndCalls(t *testing.T) {
	asm := newAssembler()
	asm.add(providers.Chunk{Content: "Let me "})
	asm.add(providers.Chunk{Content: "look."})
	asm.add(providers.Chunk{ToolCalls: []providers.ToolCallDelta{
		{ID: "call_1", Name: "read", ArgumentsFragment: `{"file_`},
	}})
	asm.add(providers.Chunk{ToolCalls: []providers.ToolCallDelta{
		{ArgumentsFragment: `path": "main.go"}`},
	}})
	asm.add(providers.Chunk{ToolCalls: []providers.ToolCallDelta{
		{ID: "call_2", Name: "grep", ArgumentsFragment: `{"pattern": "TODO"}`},
	}})
	asm.add(providers.Chunk{FinishReason: "tool_calls"})

	if asm.text() != "Let me look." {
		t.Errorf("text = %q", asm.text())
	}
	if len(asm.calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(asm.calls))
	}
	if asm.calls[0].ID != "call_1" || asm.calls[0].Arguments != `{"file_path": "main.go"}` {
		t.Errorf("first call = %+v", asm.calls[0])
	}
	if asm.calls[1].Name != "grep" {
		t.Errorf("second call = %+v", asm.calls[1])
	}
	if asm.finishReason != "tool_calls" {
		t.Errorf("finish = %q", asm.finishReason)
	}
}

func TestAssemblerDropsOrphanFragments(t *testing.T) {
	asm := newAssembler()
	asm.add(providers.Chunk{ToolCalls: []providers.ToolCallDelta{
		{ArgumentsFragment: `{"stray": true}`},
	}})
	if len(asm.calls) != 0 {
		t.Errorf("orphan fragment opened a call: %+v", asm.calls)
	}
}

func TestAssemblerLateName(t *testing.T) {
	asm := newAssembler()
	asm.add(providers.Chunk{ToolCalls: []providers.ToolCallDelta{{ID: "call_1"}}})
	asm.add(providers.Chunk{ToolCalls: []providers.ToolCallDelta{
		{Name: "bash", ArgumentsFragment: `{"command": "ls"}`},
	}})
	if asm.calls[0].Name != "bash" {
		t.Errorf("name = %q, want bash", asm.calls[0].Name)
	}
}

func TestTruncatedFinish(t *testing.T) {
	for _, reason := range []string{"length", "max_tokens", "max_output_tokens"} {
		if !truncatedFinish(reason) {
			t.Errorf("truncatedFinish(%q) = false", reason)
		}
	}
	for _, reason := range []string{"stop", "tool_calls", ""} {
		if truncatedFinish(reason) {
			t.Errorf("truncatedFinish(%q) = true", reason)
		}
	}
}

func TestHasUnclosedFence(t *testing.T) {
	if hasUnclosedFence("plain text") {
		t.Error("no fence reported as unclosed")
	}
	if hasUnclosedFence("```go\nfmt.Println()\n```") {
		t.Error("balanced fence reported as unclosed")
	}
	if !hasUnclosedFence("fn foo() { ```rust\nlet x") {
		t.Error("open fence not detected")
	}
}
