package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// resolvePath resolves a path against the working directory and, when
// restricted, rejects anything escaping it after symlink resolution.
func resolvePath(path, workDir string, restrict bool) (string, error) {
	var resolved string
	if filepath.IsAbs(path) {
		resolved = filepath.Clean(path)
	} else {
		resolved = filepath.Clean(filepath.Join(workDir, path))
	}
	if !restrict {
		return resolved, nil
	}

	absWork, _ := filepath.Abs(workDir)
	workReal, err := filepath.EvalSymlinks(absWork)
	if err != nil {
		workReal = absWork
	}

	absResolved, _ := filepath.Abs(resolved)
	real, err := filepath.EvalSymlinks(absResolved)
	if err != nil {
		// Non-existent target: resolve the nearest existing ancestor and
		// re-append the missing suffix.
		ancestor := absResolved
		var suffix string
		for {
			parent := filepath.Dir(ancestor)
			if parent == ancestor {
				return "", fmt.Errorf("access denied: cannot resolve path")
			}
			suffix = filepath.Join(filepath.Base(ancestor), suffix)
			ancestor = parent
			if r, aerr := filepath.EvalSymlinks(ancestor); aerr == nil {
				real = filepath.Join(r, suffix)
				break
			}
		}
	}

	if real != workReal && !strings.HasPrefix(real, workReal+string(filepath.Separator)) {
		return "", fmt.Errorf("access denied: path outside working directory")
	}
	return real, nil
}

// ReadTool reads file contents.
type ReadTool struct {
	WorkDir  string
	Restrict bool
}

func (t *ReadTool) Name() string        { return "read" }
func (t *ReadTool) Description() string { return "Read the contents of a file" }
func (t *ReadTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Path to the file to read"},
		},
		"required": []string{"path"},
	}
}

func (t *ReadTool) Execute(_ context.Context, args map[string]any) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}
	resolved, err := resolvePath(path, t.WorkDir, t.Restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to read file: %v", err))
	}
	return NewResult(string(data)).WithTitle(path)
}

// WriteTool creates or overwrites a file.
type WriteTool struct {
	WorkDir  string
	Restrict bool
}

func (t *WriteTool) Name() string        { return "write" }
func (t *WriteTool) Description() string { return "Write content to a file, creating it if needed" }
func (t *WriteTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "Path to the file to write"},
			"content": map[string]any{"type": "string", "description": "Content to write"},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteTool) Execute(_ context.Context, args map[string]any) *Result {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}
	resolved, err := resolvePath(path, t.WorkDir, t.Restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return ErrorResult(fmt.Sprintf("failed to create directory: %v", err))
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("failed to write file: %v", err))
	}
	return NewResult(fmt.Sprintf("Wrote %d bytes to %s", len(content), path)).WithTitle(path)
}

// EditTool replaces an exact substring in a file.
type EditTool struct {
	WorkDir  string
	Restrict bool
}

func (t *EditTool) Name() string { return "edit" }
func (t *EditTool) Description() string {
	return "Replace an exact string in a file. The old string must appear exactly once."
}
func (t *EditTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":       map[string]any{"type": "string", "description": "Path to the file to edit"},
			"old_string": map[string]any{"type": "string", "description": "Exact text to replace"},
			"new_string": map[string]any{"type": "string", "description": "Replacement text"},
		},
		"required": []string{"path", "old_string", "new_string"},
	}
}

func (t *EditTool) Execute(_ context.Context, args map[string]any) *Result {
	path, _ := args["path"].(string)
	oldStr, _ := args["old_string"].(string)
	newStr, _ := args["new_string"].(string)
	if path == "" || oldStr == "" {
		return ErrorResult("path and old_string are required")
	}
	resolved, err := resolvePath(path, t.WorkDir, t.Restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to read file: %v", err))
	}
	content := string(data)
	switch strings.Count(content, oldStr) {
	case 0:
		return ErrorResult("old_string not found in file")
	case 1:
	default:
		return ErrorResult("old_string appears more than once; provide more context")
	}
	updated := strings.Replace(content, oldStr, newStr, 1)
	if err := os.WriteFile(resolved, []byte(updated), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("failed to write file: %v", err))
	}
	return NewResult(fmt.Sprintf("Edited %s", path)).WithTitle(path)
}

// ListTool lists directory entries.
type ListTool struct {
	WorkDir  string
	Restrict bool
}

func (t *ListTool) Name() string        { return "list" }
func (t *ListTool) Description() string { return "List the entries of a directory" }
func (t *ListTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Directory to list"},
		},
		"required": []string{"path"},
	}
}

func (t *ListTool) Execute(_ context.Context, args map[string]any) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	resolved, err := resolvePath(path, t.WorkDir, t.Restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to list directory: %v", err))
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return NewResult(strings.Join(names, "\n")).WithTitle(path)
}
