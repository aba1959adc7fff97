package tokens

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Layer 1 limits. Any single trigger fires whole-output truncation.
const (
	MaxOutputLines         = 2000
	MaxOutputBytes         = 51200
	MaxLineLength          = 2000
	DefaultToolOutputLimit = 50000
)

// toolOutputLimits caps output size in characters per tool.
var toolOutputLimits = map[string]int{
	"read":      100000,
	"bash":      50000,
	"grep":      30000,
	"glob":      20000,
	"webfetch":  50000,
	"websearch": 20000,
	"list":      10000,
}

// ToolOutputLimit returns the character cap for a tool name.
func ToolOutputLimit(tool string) int {
	if limit, ok := toolOutputLimits[strings.ToLower(tool)]; ok {
		return limit
	}
	return DefaultToolOutputLimit
}

// TruncateResult reports what happened to one tool output.
type TruncateResult struct {
	Output         string
	WasTruncated   bool
	OriginalLines  int
	OriginalBytes  int
	TruncatedLines int
	TruncatedBytes int
	SpillPath      string
}

// Truncator applies per-tool output limits, writing full output to a spill
// file when truncation fires. Safe for concurrent use: spill names are
// unique per call.
type Truncator struct {
	SpillDir string
}

// NewTruncator creates a truncator spilling under dir.
func NewTruncator(dir string) *Truncator {
	return &Truncator{SpillDir: dir}
}

// Truncate caps output for tool. When any limit is exceeded the full
// original text is written to a spill file and the returned output carries
// a pointer to it. Overlong lines are always shortened, even when the
// output as a whole fits.
func (t *Truncator) Truncate(tool, output string) (TruncateResult, error) {
	lines := strings.Split(output, "\n")
	res := TruncateResult{
		Output:        output,
		OriginalLines: len(lines),
		OriginalBytes: len(output),
	}

	limit := ToolOutputLimit(tool)
	triggered := len(lines) > MaxOutputLines || len(output) > MaxOutputBytes || len(output) > limit

	longLine := false
	for i, line := range lines {
		if len(line) > MaxLineLength {
			lines[i] = cutString(line, MaxLineLength) + "… (line truncated)"
			longLine = true
		}
	}

	if !triggered {
		if longLine {
			res.Output = strings.Join(lines, "\n")
			res.TruncatedLines = len(lines)
			res.TruncatedBytes = len(res.Output)
		} else {
			res.TruncatedLines = res.OriginalLines
			res.TruncatedBytes = res.OriginalBytes
		}
		return res, nil
	}

	spillPath, err := t.spill(output)
	if err != nil {
		return res, fmt.Errorf("write spill file: %w", err)
	}
	res.SpillPath = spillPath
	res.WasTruncated = true

	var kept []string
	total := 0
	for _, line := range lines {
		if len(kept) >= MaxOutputLines || total+len(line)+1 > MaxOutputBytes {
			break
		}
		kept = append(kept, line)
		total += len(line) + 1
	}
	body := cutString(strings.Join(kept, "\n"), limit)

	notice := fmt.Sprintf(
		"\n---\n[Output truncated: %d→%d lines, %d→%d bytes]\n[Full output saved to: %s]\n[Use 'read' tool with the path above to see full content]",
		res.OriginalLines, len(kept), res.OriginalBytes, len(body), spillPath)

	res.Output = body + notice
	res.TruncatedLines = len(kept)
	res.TruncatedBytes = len(body)
	return res, nil
}

func (t *Truncator) spill(content string) (string, error) {
	if err := os.MkdirAll(t.SpillDir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s_%s.txt", time.Now().Format("20060102"), uuid.NewString()[:8])
	path := filepath.Join(t.SpillDir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// CleanupSpillOlderThan deletes spill files whose modification time is
// older than maxAge. Returns the number of files removed.
func (t *Truncator) CleanupSpillOlderThan(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(t.SpillDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".txt") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(t.SpillDir, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// cutString truncates s to at most n bytes without splitting a rune.
func cutString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
