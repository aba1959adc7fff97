// Package sessions manages conversation sessions per project working
// directory.
package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/openfork/openfork/internal/store"
)

// Manager creates and looks up sessions.
type Manager struct {
	stores *store.Stores
	logger *slog.Logger
}

// NewManager wires a session manager.
func NewManager(stores *store.Stores) *Manager {
	return &Manager{
		stores: stores,
		logger: slog.Default().With("component", "sessions"),
	}
}

// Open starts a new root session for the project at workDir.
func (m *Manager) Open(ctx context.Context, workDir, agentSlug string) (*store.Session, error) {
	project, err := m.stores.Projects.GetOrCreate(ctx, workDir)
	if err != nil {
		return nil, fmt.Errorf("resolve project: %w", err)
	}
	sess := &store.Session{
		ID:        store.NewID(),
		ProjectID: project.ID,
		AgentSlug: agentSlug,
	}
	if err := m.stores.Sessions.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	m.logger.Info("session opened", "session_id", sess.ID, "agent", agentSlug)
	return sess, nil
}

// Continue returns an existing session by id.
func (m *Manager) Continue(ctx context.Context, id uuid.UUID) (*store.Session, error) {
	return m.stores.Sessions.Get(ctx, id)
}

// Latest returns the most recent root session for workDir, or
// store.ErrNotFound when the project has none.
func (m *Manager) Latest(ctx context.Context, workDir string) (*store.Session, error) {
	roots, err := m.List(ctx, workDir)
	if err != nil {
		return nil, err
	}
	if len(roots) == 0 {
		return nil, store.ErrNotFound
	}
	return roots[0], nil
}

// List returns the project's root sessions, newest first. Subagent
// child sessions are excluded.
func (m *Manager) List(ctx context.Context, workDir string) ([]*store.Session, error) {
	project, err := m.stores.Projects.GetOrCreate(ctx, workDir)
	if err != nil {
		return nil, err
	}
	all, err := m.stores.Sessions.ListByProject(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	var roots []*store.Session
	for _, s := range all {
		if s.ParentID == nil {
			roots = append(roots, s)
		}
	}
	return roots, nil
}

// EnsureTitle derives a session title from the first user input when
// none is set yet.
func (m *Manager) EnsureTitle(ctx context.Context, sess *store.Session, input string) {
	if sess.Title != "" || input == "" {
		return
	}
	title := strings.TrimSpace(input)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	if len(title) > 80 {
		title = title[:80]
	}
	sess.Title = title
	if err := m.stores.Sessions.Update(ctx, sess); err != nil {
		m.logger.Warn("title update failed", "session_id", sess.ID, "error", err)
	}
}
