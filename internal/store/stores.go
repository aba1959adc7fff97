package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// ProjectRepo persists projects keyed by working directory.
type ProjectRepo interface {
	// GetOrCreate returns the project for path, creating it on first use.
	GetOrCreate(ctx context.Context, path string) (*Project, error)
	Get(ctx context.Context, id uuid.UUID) (*Project, error)
}

// SessionRepo persists sessions.
type SessionRepo interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id uuid.UUID) (*Session, error)
	Update(ctx context.Context, s *Session) error
	// ListByProject returns sessions newest first. Child sessions are
	// included; callers filter on ParentID when they want roots only.
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]*Session, error)
	// AddUsage accumulates token usage onto the session counters.
	AddUsage(ctx context.Context, id uuid.UUID, promptTokens, completionTokens int) error
}

// MessageRepo persists messages. Message ids are UUIDv7, so ordering by id
// equals ordering by creation.
type MessageRepo interface {
	Append(ctx context.Context, m *Message) error
	Get(ctx context.Context, id uuid.UUID) (*Message, error)
	// ListActive returns non-compacted messages for a session in id order.
	ListActive(ctx context.Context, sessionID uuid.UUID) ([]*Message, error)
	// ListAll returns every message including compacted ones, in id order.
	ListAll(ctx context.Context, sessionID uuid.UUID) ([]*Message, error)
	// ListAfter returns non-compacted messages with id strictly greater
	// than afterID, in id order.
	ListAfter(ctx context.Context, sessionID, afterID uuid.UUID) ([]*Message, error)
	// MarkCompacted flags all messages with id strictly below boundaryID.
	// Returns the number of messages flagged.
	MarkCompacted(ctx context.Context, sessionID, boundaryID uuid.UUID) (int, error)
}

// PartRepo persists message parts.
type PartRepo interface {
	Append(ctx context.Context, p *MessagePart) error
	Update(ctx context.Context, p *MessagePart) error
	// ListBySession returns parts for a session in id order.
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*MessagePart, error)
	// ListByMessage returns parts for one message in id order.
	ListByMessage(ctx context.Context, messageID uuid.UUID) ([]*MessagePart, error)
	// MostRecentCompaction returns the newest compaction part for a
	// session, or ErrNotFound when the session was never compacted.
	MostRecentCompaction(ctx context.Context, sessionID uuid.UUID) (*MessagePart, error)
}

// SubSessionRepo persists subagent task records.
type SubSessionRepo interface {
	Create(ctx context.Context, s *SubSession) error
	Get(ctx context.Context, id uuid.UUID) (*SubSession, error)
	Update(ctx context.Context, s *SubSession) error
	// ListByParent returns sub-sessions of a parent session, oldest first.
	ListByParent(ctx context.Context, parentID uuid.UUID) ([]*SubSession, error)
}

// PermissionRuleRepo persists remembered permission decisions.
type PermissionRuleRepo interface {
	Save(ctx context.Context, r *PermissionRule) error
	// ListForAgent returns global rules plus rules for slug, in ascending
	// priority then creation order.
	ListForAgent(ctx context.Context, slug string) ([]*PermissionRule, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// Stores bundles every repository behind one handle.
type Stores struct {
	Projects    ProjectRepo
	Sessions    SessionRepo
	Messages    MessageRepo
	Parts       PartRepo
	SubSessions SubSessionRepo
	Permissions PermissionRuleRepo

	closer func() error
}

// Close releases the underlying backend, if any.
func (s *Stores) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
