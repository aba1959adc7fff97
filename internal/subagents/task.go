package subagents

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfork/openfork/internal/agent"
	"github.com/openfork/openfork/internal/store"
	"github.com/openfork/openfork/internal/tools"
)

// TaskTool lets an agent delegate work to a subagent. The call blocks
// until the child execution reaches a terminal state and returns its
// result text.
type TaskTool struct {
	service *Service
	agents  *agent.Registry
}

// NewTaskTool builds the task tool over a subagent service.
func NewTaskTool(service *Service, agents *agent.Registry) *TaskTool {
	return &TaskTool{service: service, agents: agents}
}

func (t *TaskTool) Name() string { return tools.TaskToolName }

func (t *TaskTool) Description() string {
	var names []string
	for _, d := range t.agents.Subagents() {
		names = append(names, d.Slug)
	}
	return fmt.Sprintf(
		"Delegate a task to a subagent. Available subagent types: %s. "+
			"The subagent works in its own session and returns a final report.",
		strings.Join(names, ", "))
}

func (t *TaskTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"subagent_type": map[string]any{
				"type":        "string",
				"description": "Slug of the subagent to run",
			},
			"prompt": map[string]any{
				"type":        "string",
				"description": "Task for the subagent, with all necessary context",
			},
			"description": map[string]any{
				"type":        "string",
				"description": "Short human-readable label for the task",
			},
			"max_iterations": map[string]any{
				"type":        "integer",
				"description": "Optional iteration cap for the subagent",
			},
		},
		"required": []string{"subagent_type", "prompt"},
	}
}

func (t *TaskTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	inv, ok := tools.InvocationFrom(ctx)
	if !ok {
		return tools.ErrorResult("task tool called outside an agent loop")
	}
	slug, _ := args["subagent_type"].(string)
	taskPrompt, _ := args["prompt"].(string)
	description, _ := args["description"].(string)
	maxIterations := 0
	if n, ok := args["max_iterations"].(float64); ok {
		maxIterations = int(n)
	}

	parentDef, err := t.agents.Get(inv.AgentSlug)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("unknown calling agent: %v", err))
	}

	sub, err := t.service.Create(ctx, CreateRequest{
		ParentSessionID: inv.SessionID,
		ParentMessageID: inv.MessageID,
		ParentAgent:     parentDef,
		AgentSlug:       slug,
		Prompt:          taskPrompt,
		Description:     description,
		MaxIterations:   maxIterations,
	})
	if err != nil {
		return tools.ErrorResult(err.Error())
	}

	if err := t.service.Execute(ctx, sub.ID); err != nil {
		return tools.ErrorResult(fmt.Sprintf("subagent %s failed: %v", slug, err)).WithError(err)
	}

	final, err := t.service.Get(ctx, sub.ID)
	if err != nil {
		return tools.ErrorResult(err.Error())
	}
	switch final.Status {
	case store.SubCompleted:
		res := tools.NewResult(final.Result)
		if description != "" {
			res = res.WithTitle(description)
		}
		return res
	case store.SubCancelled:
		return tools.ErrorResult(fmt.Sprintf("subagent %s was cancelled", slug))
	default:
		return tools.ErrorResult(fmt.Sprintf("subagent %s failed: %s", slug, final.Error))
	}
}
