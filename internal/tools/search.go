package tools

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// grepMaxMatches caps grep output before tool-level truncation kicks in.
const grepMaxMatches = 200

func skipDir(name string) bool {
	switch name {
	case ".git", "node_modules", "vendor":
		return true
	}
	return false
}

// GrepTool searches file contents with a regular expression.
type GrepTool struct {
	WorkDir  string
	Restrict bool
}

func (t *GrepTool) Name() string { return "grep" }
func (t *GrepTool) Description() string {
	return "Search file contents for a regular expression"
}
func (t *GrepTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{"type": "string", "description": "Regular expression to search for"},
			"path":    map[string]any{"type": "string", "description": "Directory to search, defaults to the working directory"},
			"include": map[string]any{"type": "string", "description": "Glob filter on file names, e.g. *.go"},
		},
		"required": []string{"pattern"},
	}
}

func (t *GrepTool) Execute(_ context.Context, args map[string]any) *Result {
	pattern, _ := args["pattern"].(string)
	if pattern == "" {
		return ErrorResult("pattern is required")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid pattern: %v", err))
	}
	dir, _ := args["path"].(string)
	if dir == "" {
		dir = "."
	}
	include, _ := args["include"].(string)

	root, err := resolvePath(dir, t.WorkDir, t.Restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}

	var lines []string
	capped := false
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, werr error) error {
		if werr != nil {
			return nil
		}
		if d.IsDir() {
			if skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if include != "" {
			if ok, _ := filepath.Match(include, d.Name()); !ok {
				return nil
			}
		}
		data, rerr := os.ReadFile(p)
		if rerr != nil || bytes.IndexByte(data, 0) >= 0 {
			return nil
		}
		rel, _ := filepath.Rel(root, p)
		for i, line := range strings.Split(string(data), "\n") {
			if !re.MatchString(line) {
				continue
			}
			if len(lines) >= grepMaxMatches {
				capped = true
				return filepath.SkipAll
			}
			lines = append(lines, fmt.Sprintf("%s:%d: %s", rel, i+1, line))
		}
		return nil
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("search failed: %v", err))
	}
	if len(lines) == 0 {
		return NewResult("no matches").WithTitle(pattern)
	}
	out := strings.Join(lines, "\n")
	if capped {
		out += fmt.Sprintf("\n... capped at %d matches", grepMaxMatches)
	}
	return NewResult(out).WithTitle(pattern)
}

// GlobTool finds files by name pattern.
type GlobTool struct {
	WorkDir  string
	Restrict bool
}

func (t *GlobTool) Name() string { return "glob" }
func (t *GlobTool) Description() string {
	return "Find files whose relative path or name matches a glob pattern"
}
func (t *GlobTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{"type": "string", "description": "Glob pattern, e.g. *.go or cmd/*.go"},
			"path":    map[string]any{"type": "string", "description": "Directory to search, defaults to the working directory"},
		},
		"required": []string{"pattern"},
	}
}

func (t *GlobTool) Execute(_ context.Context, args map[string]any) *Result {
	pattern, _ := args["pattern"].(string)
	if pattern == "" {
		return ErrorResult("pattern is required")
	}
	dir, _ := args["path"].(string)
	if dir == "" {
		dir = "."
	}
	root, err := resolvePath(dir, t.WorkDir, t.Restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}

	// Match against both the root-relative path and the base name, so a
	// bare "*.go" finds nested files too.
	var found []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, werr error) error {
		if werr != nil {
			return nil
		}
		if d.IsDir() {
			if skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(root, p)
		relOK, merr := filepath.Match(pattern, filepath.ToSlash(rel))
		if merr != nil {
			return merr
		}
		baseOK, _ := filepath.Match(pattern, d.Name())
		if relOK || baseOK {
			found = append(found, rel)
		}
		return nil
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid pattern: %v", err))
	}
	if len(found) == 0 {
		return NewResult("no matches").WithTitle(pattern)
	}
	sort.Strings(found)
	return NewResult(strings.Join(found, "\n")).WithTitle(pattern)
}
