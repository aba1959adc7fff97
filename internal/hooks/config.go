package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"

	"github.com/openfork/openfork/internal/permissions"
)

// Config is one hook entry from a hooks file.
type Config struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Trigger         Trigger `json:"trigger"`
	Type            string  `json:"type"` // "Command" or "Webhook"
	Priority        int     `json:"priority"`
	Enabled         bool    `json:"enabled"`
	Command         string  `json:"command,omitempty"`
	WebhookURL      string  `json:"webhook_url,omitempty"`
	Pattern         string  `json:"pattern,omitempty"` // glob on the tool name
	TimeoutSeconds  int     `json:"timeout,omitempty"`
	ContinueOnError bool    `json:"continue_on_error"`
}

func (c Config) timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ConfigFileNames are the recognized hook config locations, relative to
// the working directory, in lookup order.
var ConfigFileNames = []string{
	filepath.Join(".openfork", "hooks.json"),
	"openfork.hooks.json",
}

// FindConfig returns the first existing hooks file under workDir, or "".
func FindConfig(workDir string) string {
	for _, name := range ConfigFileNames {
		path := filepath.Join(workDir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// LoadFile parses a hooks file (JSON5) into executable hooks. Disabled
// entries are dropped.
func LoadFile(path string) ([]Hook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hooks file: %w", err)
	}
	var configs []Config
	if err := json5.Unmarshal(data, &configs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	var out []Hook
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		h, err := build(cfg)
		if err != nil {
			return nil, fmt.Errorf("%s: hook %q: %w", path, cfg.Name, err)
		}
		out = append(out, h)
	}
	return out, nil
}

func build(cfg Config) (Hook, error) {
	switch strings.ToLower(cfg.Type) {
	case "command":
		if cfg.Command == "" {
			return nil, fmt.Errorf("command hook requires a command")
		}
		return &commandHook{cfg: cfg}, nil
	case "webhook":
		if cfg.WebhookURL == "" {
			return nil, fmt.Errorf("webhook hook requires webhook_url")
		}
		return &webhookHook{cfg: cfg, client: &http.Client{Timeout: cfg.timeout()}}, nil
	default:
		return nil, fmt.Errorf("unknown hook type %q", cfg.Type)
	}
}

// payload is the JSON document external hooks receive.
type payload struct {
	Trigger    Trigger           `json:"trigger"`
	SessionID  string            `json:"session_id"`
	AgentSlug  string            `json:"agent_slug"`
	ToolName   string            `json:"tool_name,omitempty"`
	ToolInput  map[string]any    `json:"tool_input,omitempty"`
	ToolOutput string            `json:"tool_output,omitempty"`
	Error      string            `json:"error,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
}

// verdict is the JSON document external hooks may answer with.
type verdict struct {
	Continue *bool             `json:"continue,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	Data     map[string]string `json:"data,omitempty"`
}

func buildPayload(trigger Trigger, hc *Context) payload {
	p := payload{
		Trigger:    trigger,
		SessionID:  hc.SessionID.String(),
		AgentSlug:  hc.AgentSlug,
		ToolName:   hc.ToolName,
		ToolInput:  hc.ToolInput,
		ToolOutput: hc.ToolOutput,
		Data:       hc.Data,
	}
	if hc.Err != nil {
		p.Error = hc.Err.Error()
	}
	return p
}

func applyVerdict(v verdict) Result {
	res := Result{Success: true, Continue: true, Reason: v.Reason, Data: v.Data}
	if v.Continue != nil {
		res.Continue = *v.Continue
	}
	return res
}

// skips reports whether the hook's tool pattern excludes this context.
func (c Config) skips(hc *Context) bool {
	return c.Pattern != "" && !permissions.MatchPattern(c.Pattern, hc.ToolName)
}

// commandHook pipes the context to an external command as JSON on stdin.
// Exit status 0 means success; stdout may carry a verdict document.
type commandHook struct {
	cfg Config
}

func (h *commandHook) ID() string            { return h.cfg.ID }
func (h *commandHook) Name() string          { return h.cfg.Name }
func (h *commandHook) Trigger() Trigger      { return h.cfg.Trigger }
func (h *commandHook) Priority() int         { return h.cfg.Priority }
func (h *commandHook) ContinueOnError() bool { return h.cfg.ContinueOnError }

func (h *commandHook) Execute(ctx context.Context, hc *Context) Result {
	if h.cfg.skips(hc) {
		return Result{Success: true, Continue: true}
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.timeout())
	defer cancel()

	input, err := json.Marshal(buildPayload(h.cfg.Trigger, hc))
	if err != nil {
		return Result{Success: false, Continue: h.cfg.ContinueOnError, Err: err}
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", h.cfg.Command)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Result{
			Success:  false,
			Continue: h.cfg.ContinueOnError,
			Reason:   strings.TrimSpace(stderr.String()),
			Err:      fmt.Errorf("hook command: %w", err),
		}
	}

	var v verdict
	if out := bytes.TrimSpace(stdout.Bytes()); len(out) > 0 {
		if err := json.Unmarshal(out, &v); err != nil {
			// Non-JSON output is informational only.
			return Result{Success: true, Continue: true}
		}
	}
	return applyVerdict(v)
}

// webhookHook POSTs the context to an HTTP endpoint. A 2xx response means
// success; the body may carry a verdict document.
type webhookHook struct {
	cfg    Config
	client *http.Client
}

func (h *webhookHook) ID() string            { return h.cfg.ID }
func (h *webhookHook) Name() string          { return h.cfg.Name }
func (h *webhookHook) Trigger() Trigger      { return h.cfg.Trigger }
func (h *webhookHook) Priority() int         { return h.cfg.Priority }
func (h *webhookHook) ContinueOnError() bool { return h.cfg.ContinueOnError }

func (h *webhookHook) Execute(ctx context.Context, hc *Context) Result {
	if h.cfg.skips(hc) {
		return Result{Success: true, Continue: true}
	}

	body, err := json.Marshal(buildPayload(h.cfg.Trigger, hc))
	if err != nil {
		return Result{Success: false, Continue: h.cfg.ContinueOnError, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return Result{Success: false, Continue: h.cfg.ContinueOnError, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return Result{Success: false, Continue: h.cfg.ContinueOnError, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{
			Success:  false,
			Continue: h.cfg.ContinueOnError,
			Err:      fmt.Errorf("webhook returned HTTP %d", resp.StatusCode),
		}
	}

	var v verdict
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return Result{Success: true, Continue: true}
	}
	return applyVerdict(v)
}

// Watch reloads the hooks file into the pipeline whenever it changes.
// Blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, pipeline *Pipeline) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("hooks watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors often replace the file wholesale.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	logger := slog.Default().With("component", "hooks")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != path || !ev.Op.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			loaded, err := LoadFile(path)
			if err != nil {
				logger.Error("hooks reload failed", "path", path, "error", err)
				continue
			}
			pipeline.Replace(loaded)
			logger.Info("hooks reloaded", "path", path, "count", len(loaded))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("hooks watcher error", "error", err)
		}
	}
}
