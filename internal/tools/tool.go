// Package tools defines the tool capability the agent loop drives, the
// append-only registry with per-agent filtered views, and declarative
// pipeline tools loaded from *.tool.json files.
package tools

import (
	"context"

	"github.com/openfork/openfork/internal/providers"
)

// Tool is a capability the model may invoke.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) *Result
}

// Definition converts a tool to the provider wire schema.
func Definition(t Tool) providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		},
	}
}

// Definitions converts a tool list to provider wire schemas.
func Definitions(list []Tool) []providers.ToolDefinition {
	out := make([]providers.ToolDefinition, 0, len(list))
	for _, t := range list {
		out = append(out, Definition(t))
	}
	return out
}
