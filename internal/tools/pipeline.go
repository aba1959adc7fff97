package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/titanous/json5"
)

// AgentStepRunner executes one agent step of a pipeline: it runs the slug's
// agent over the prompt and returns the final output. Injected by the
// runtime to avoid a dependency cycle with the loop.
type AgentStepRunner func(ctx context.Context, slug, prompt string) (string, error)

// PipelineStep is one stage of a declarative pipeline.
type PipelineStep struct {
	Type      string `json:"type"` // "agent" or "tool"
	Name      string `json:"name,omitempty"`
	Agent     string `json:"agent,omitempty"`
	Tool      string `json:"tool,omitempty"`
	Prompt    string `json:"prompt,omitempty"`    // agent steps: prompt template
	Arguments string `json:"arguments,omitempty"` // tool steps: JSON template
	Handoff   string `json:"handoff,omitempty"`   // "full", "last" or "none"
}

// PipelineSpec is the on-disk shape of a <name>.tool.json file.
type PipelineSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Pipeline    []PipelineStep `json:"pipeline"`
}

// PipelineTool surfaces a multi-step pipeline as a single tool.
type PipelineTool struct {
	spec     PipelineSpec
	registry *Registry
	runAgent AgentStepRunner
}

// NewPipelineTool wires a pipeline tool over the registry and agent runner.
func NewPipelineTool(spec PipelineSpec, registry *Registry, runAgent AgentStepRunner) (*PipelineTool, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("pipeline tool missing name")
	}
	if len(spec.Pipeline) == 0 {
		return nil, fmt.Errorf("pipeline tool %q has no steps", spec.Name)
	}
	for i, step := range spec.Pipeline {
		switch step.Type {
		case "agent":
			if step.Agent == "" {
				return nil, fmt.Errorf("pipeline tool %q step %d: agent slug required", spec.Name, i)
			}
		case "tool":
			if step.Tool == "" {
				return nil, fmt.Errorf("pipeline tool %q step %d: tool name required", spec.Name, i)
			}
		default:
			return nil, fmt.Errorf("pipeline tool %q step %d: unknown type %q", spec.Name, i, step.Type)
		}
	}
	return &PipelineTool{spec: spec, registry: registry, runAgent: runAgent}, nil
}

func (p *PipelineTool) Name() string        { return p.spec.Name }
func (p *PipelineTool) Description() string { return p.spec.Description }

func (p *PipelineTool) Parameters() map[string]any {
	if p.spec.Parameters == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return p.spec.Parameters
}

// Execute runs the steps sequentially. The primary output is the last
// step's output; any step failure fails the pipeline with the accumulated
// step report.
func (p *PipelineTool) Execute(ctx context.Context, args map[string]any) *Result {
	var (
		history    []string
		lastOutput string
		report     strings.Builder
	)

	for i, step := range p.spec.Pipeline {
		label := step.Name
		if label == "" {
			label = fmt.Sprintf("step %d (%s)", i+1, step.Type)
		}

		output, err := p.runStep(ctx, step, args, lastOutput, history)
		if err != nil {
			fmt.Fprintf(&report, "%s: failed: %v\n", label, err)
			return ErrorResult(fmt.Sprintf("pipeline %q failed at %s\n\n%s", p.spec.Name, label, report.String()))
		}
		fmt.Fprintf(&report, "%s: ok (%d bytes)\n", label, len(output))
		history = append(history, output)
		lastOutput = output
	}
	return NewResult(lastOutput).WithTitle(p.spec.Name)
}

func (p *PipelineTool) runStep(ctx context.Context, step PipelineStep, args map[string]any, lastOutput string, history []string) (string, error) {
	prefix := ""
	switch step.Handoff {
	case "full":
		if len(history) > 0 {
			prefix = strings.Join(history, "\n\n---\n\n") + "\n\n"
		}
	case "last":
		if lastOutput != "" {
			prefix = lastOutput + "\n\n"
		}
	}

	switch step.Type {
	case "agent":
		if p.runAgent == nil {
			return "", fmt.Errorf("no agent runner configured")
		}
		prompt := prefix + substitute(step.Prompt, args, lastOutput, history)
		return p.runAgent(ctx, step.Agent, prompt)

	case "tool":
		tool, ok := p.registry.Get(step.Tool)
		if !ok {
			return "", fmt.Errorf("unknown tool %q", step.Tool)
		}
		rendered := substitute(step.Arguments, args, lastOutput, history)
		stepArgs := make(map[string]any)
		if strings.TrimSpace(rendered) != "" {
			if err := json5.Unmarshal([]byte(rendered), &stepArgs); err != nil {
				return "", fmt.Errorf("render arguments: %w", err)
			}
		}
		res := tool.Execute(ctx, stepArgs)
		if res.IsError {
			return "", fmt.Errorf("%s", res.Output)
		}
		return prefix + res.Output, nil
	}
	return "", fmt.Errorf("unknown step type %q", step.Type)
}

// substitute expands {{param}} placeholders from args plus the builtins
// {{_lastOutput}} and {{_fullHistory}}.
func substitute(template string, args map[string]any, lastOutput string, history []string) string {
	out := template
	out = strings.ReplaceAll(out, "{{_lastOutput}}", lastOutput)
	out = strings.ReplaceAll(out, "{{_fullHistory}}", strings.Join(history, "\n\n"))
	for key, val := range args {
		out = strings.ReplaceAll(out, "{{"+key+"}}", fmt.Sprintf("%v", val))
	}
	return out
}

// LoadPipelineTools reads every *.tool.json file under dir and registers
// the resulting tools. Files use JSON5, so comments and trailing commas
// are allowed. A missing directory is not an error.
func LoadPipelineTools(dir string, registry *Registry, runAgent AgentStepRunner) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.tool.json"))
	if err != nil {
		return 0, err
	}
	loaded := 0
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return loaded, fmt.Errorf("read %s: %w", path, err)
		}
		var spec PipelineSpec
		if err := json5.Unmarshal(data, &spec); err != nil {
			return loaded, fmt.Errorf("parse %s: %w", path, err)
		}
		tool, err := NewPipelineTool(spec, registry, runAgent)
		if err != nil {
			return loaded, fmt.Errorf("%s: %w", path, err)
		}
		if err := registry.Register(tool); err != nil {
			return loaded, fmt.Errorf("%s: %w", path, err)
		}
		loaded++
	}
	return loaded, nil
}
