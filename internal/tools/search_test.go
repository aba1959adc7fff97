package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func searchFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"main.go":          "package main\n\nfunc main() {}\n",
		"util/strings.go":  "package util\n\nfunc Upper(s string) string { return s }\n",
		"util/strings.txt": "not go code\nfunc looks like go\n",
		".git/config":      "[core]\n",
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestGrepFindsMatchesWithLineNumbers(t *testing.T) {
	dir := searchFixture(t)
	g := &GrepTool{WorkDir: dir, Restrict: true}

	res := g.Execute(context.Background(), map[string]any{"pattern": `func \w+\(`})
	if res.IsError {
		t.Fatalf("grep failed: %s", res.Output)
	}
	for _, want := range []string{"main.go:3: func main() {}", "strings.go:3:"} {
		if !strings.Contains(res.Output, want) {
			t.Errorf("output missing %q:\n%s", want, res.Output)
		}
	}
	if strings.Contains(res.Output, ".git") {
		t.Errorf("matched inside a skipped directory:\n%s", res.Output)
	}
}

func TestGrepIncludeFiltersFiles(t *testing.T) {
	dir := searchFixture(t)
	g := &GrepTool{WorkDir: dir, Restrict: true}

	res := g.Execute(context.Background(), map[string]any{
		"pattern": "func", "include": "*.go",
	})
	if res.IsError {
		t.Fatalf("grep failed: %s", res.Output)
	}
	if strings.Contains(res.Output, "strings.txt") {
		t.Errorf("include filter not applied:\n%s", res.Output)
	}

	res = g.Execute(context.Background(), map[string]any{"pattern": "no_such_symbol_anywhere"})
	if res.IsError || res.Output != "no matches" {
		t.Errorf("empty result = %+v", res)
	}
}

func TestGrepRejectsBadPattern(t *testing.T) {
	g := &GrepTool{WorkDir: t.TempDir(), Restrict: true}
	res := g.Execute(context.Background(), map[string]any{"pattern": "[unclosed"})
	if !res.IsError || !strings.Contains(res.Output, "invalid pattern") {
		t.Errorf("bad pattern not rejected: %+v", res)
	}
}

func TestGlobMatchesBaseNameAndRelativePath(t *testing.T) {
	dir := searchFixture(t)
	g := &GlobTool{WorkDir: dir, Restrict: true}

	res := g.Execute(context.Background(), map[string]any{"pattern": "*.go"})
	if res.IsError {
		t.Fatalf("glob failed: %s", res.Output)
	}
	got := strings.Split(res.Output, "\n")
	want := []string{"main.go", filepath.Join("util", "strings.go")}
	if len(got) != len(want) {
		t.Fatalf("matches = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("match[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	res = g.Execute(context.Background(), map[string]any{"pattern": "util/*.txt"})
	if res.IsError || !strings.Contains(res.Output, "strings.txt") {
		t.Errorf("path pattern result = %+v", res)
	}
}
