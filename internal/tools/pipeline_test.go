package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPipelineToolSequencesStepsWithHandoff(t *testing.T) {
	r := NewRegistry()
	echo := &stubTool{name: "echo"}
	echo.result = NewResult("tool-output")
	if err := r.Register(echo); err != nil {
		t.Fatal(err)
	}

	var agentPrompts []string
	runAgent := func(_ context.Context, slug, prompt string) (string, error) {
		agentPrompts = append(agentPrompts, slug+"|"+prompt)
		return "agent-output", nil
	}

	spec := PipelineSpec{
		Name:        "research",
		Description: "multi step",
		Pipeline: []PipelineStep{
			{Type: "tool", Tool: "echo", Arguments: `{"query": "{{topic}}"}`, Handoff: "none"},
			{Type: "agent", Agent: "plan", Prompt: "Summarize {{_lastOutput}}", Handoff: "last"},
		},
	}
	p, err := NewPipelineTool(spec, r, runAgent)
	if err != nil {
		t.Fatal(err)
	}

	res := p.Execute(context.Background(), map[string]any{"topic": "geese"})
	if res.IsError {
		t.Fatalf("pipeline failed: %s", res.Output)
	}
	if res.Output != "agent-output" {
		t.Errorf("output = %q, want last step's output", res.Output)
	}

	if len(echo.calls) != 1 || echo.calls[0]["query"] != "geese" {
		t.Errorf("tool step args = %v, want query substituted", echo.calls)
	}
	if len(agentPrompts) != 1 {
		t.Fatalf("agent called %d times, want 1", len(agentPrompts))
	}
	if !strings.HasPrefix(agentPrompts[0], "plan|tool-output") {
		t.Errorf("agent prompt missing handoff prefix: %q", agentPrompts[0])
	}
	if !strings.Contains(agentPrompts[0], "Summarize tool-output") {
		t.Errorf("agent prompt missing {{_lastOutput}} substitution: %q", agentPrompts[0])
	}
}

func TestPipelineToolFailureReportsStep(t *testing.T) {
	r := NewRegistry()
	failing := &stubTool{name: "broken", result: ErrorResult("boom")}
	if err := r.Register(failing); err != nil {
		t.Fatal(err)
	}

	spec := PipelineSpec{
		Name: "fragile",
		Pipeline: []PipelineStep{
			{Type: "tool", Tool: "broken", Name: "first"},
			{Type: "agent", Agent: "plan", Prompt: "never reached"},
		},
	}
	p, err := NewPipelineTool(spec, r, func(context.Context, string, string) (string, error) {
		t.Fatal("second step must not run")
		return "", nil
	})
	if err != nil {
		t.Fatal(err)
	}

	res := p.Execute(context.Background(), nil)
	if !res.IsError {
		t.Fatal("expected failure result")
	}
	if !strings.Contains(res.Output, "first") || !strings.Contains(res.Output, "boom") {
		t.Errorf("failure report = %q", res.Output)
	}
}

func TestLoadPipelineTools(t *testing.T) {
	dir := t.TempDir()
	// JSON5: comments and trailing commas are valid.
	content := `{
		// research pipeline
		name: "lookup",
		description: "look things up",
		parameters: {type: "object", properties: {topic: {type: "string"}}},
		pipeline: [
			{type: "agent", agent: "explore", prompt: "Find {{topic}}", handoff: "none"},
		],
	}`
	if err := os.WriteFile(filepath.Join(dir, "lookup.tool.json"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry()
	n, err := LoadPipelineTools(dir, r, func(_ context.Context, slug, prompt string) (string, error) {
		return fmt.Sprintf("%s ran %q", slug, prompt), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("loaded %d tools, want 1", n)
	}

	tool, ok := r.Get("lookup")
	if !ok {
		t.Fatal("pipeline tool not registered")
	}
	res := tool.Execute(context.Background(), map[string]any{"topic": "ducks"})
	if res.IsError {
		t.Fatalf("execute failed: %s", res.Output)
	}
	if !strings.Contains(res.Output, `explore ran "Find ducks"`) {
		t.Errorf("output = %q", res.Output)
	}
}

func TestLoadPipelineToolsMissingDir(t *testing.T) {
	r := NewRegistry()
	n, err := LoadPipelineTools(filepath.Join(t.TempDir(), "absent"), r, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("loaded %d tools from missing dir", n)
	}
}
