package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Dialect selects placeholder style for the shared SQL repositories.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

// NewSQLStores wires every repository over db. Queries are written with ?
// placeholders and rewritten to $N for PostgreSQL.
func NewSQLStores(db *sql.DB, dialect Dialect) *Stores {
	b := &sqlBackend{db: db, dialect: dialect}
	return &Stores{
		Projects:    (*sqlProjects)(b),
		Sessions:    (*sqlSessions)(b),
		Messages:    (*sqlMessages)(b),
		Parts:       (*sqlParts)(b),
		SubSessions: (*sqlSubSessions)(b),
		Permissions: (*sqlRules)(b),
		closer:      db.Close,
	}
}

type sqlBackend struct {
	db      *sql.DB
	dialect Dialect
}

func (b *sqlBackend) rebind(query string) string {
	if b.dialect != DialectPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (b *sqlBackend) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return b.db.ExecContext(ctx, b.rebind(query), args...)
}

func (b *sqlBackend) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return b.db.QueryContext(ctx, b.rebind(query), args...)
}

func (b *sqlBackend) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return b.db.QueryRowContext(ctx, b.rebind(query), args...)
}

func scanUUID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}

func nullableID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

// --- projects ---

type sqlProjects sqlBackend

func (b *sqlProjects) GetOrCreate(ctx context.Context, path string) (*Project, error) {
	back := (*sqlBackend)(b)
	now := time.Now().UTC()
	id := NewID()
	_, err := back.exec(ctx, `
		INSERT INTO projects (id, path, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (path) DO NOTHING`,
		id.String(), path, now, now)
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	return b.byPath(ctx, path)
}

func (b *sqlProjects) byPath(ctx context.Context, path string) (*Project, error) {
	back := (*sqlBackend)(b)
	var p Project
	var rawID string
	err := back.queryRow(ctx, `
		SELECT id, path, created_at, updated_at FROM projects WHERE path = ?`, path).
		Scan(&rawID, &p.Path, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.ID = scanUUID(rawID)
	return &p, nil
}

func (b *sqlProjects) Get(ctx context.Context, id uuid.UUID) (*Project, error) {
	back := (*sqlBackend)(b)
	var p Project
	var rawID string
	err := back.queryRow(ctx, `
		SELECT id, path, created_at, updated_at FROM projects WHERE id = ?`, id.String()).
		Scan(&rawID, &p.Path, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.ID = scanUUID(rawID)
	return &p, nil
}

// --- sessions ---

type sqlSessions sqlBackend

func (b *sqlSessions) Create(ctx context.Context, s *Session) error {
	back := (*sqlBackend)(b)
	if s.ID == uuid.Nil {
		s.ID = NewID()
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	_, err := back.exec(ctx, `
		INSERT INTO sessions (id, project_id, parent_id, agent_slug, title,
			prompt_tokens, completion_tokens, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID.String(), s.ProjectID.String(), nullableID(s.ParentID), s.AgentSlug,
		s.Title, s.PromptTokens, s.CompletionTokens, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func scanSession(scan func(...any) error) (*Session, error) {
	var s Session
	var rawID, rawProject string
	var rawParent sql.NullString
	err := scan(&rawID, &rawProject, &rawParent, &s.AgentSlug, &s.Title,
		&s.PromptTokens, &s.CompletionTokens, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.ID = scanUUID(rawID)
	s.ProjectID = scanUUID(rawProject)
	if rawParent.Valid {
		parent := scanUUID(rawParent.String)
		s.ParentID = &parent
	}
	return &s, nil
}

const sessionCols = `id, project_id, parent_id, agent_slug, title,
	prompt_tokens, completion_tokens, created_at, updated_at`

func (b *sqlSessions) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	back := (*sqlBackend)(b)
	row := back.queryRow(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id.String())
	return scanSession(row.Scan)
}

func (b *sqlSessions) Update(ctx context.Context, s *Session) error {
	back := (*sqlBackend)(b)
	s.UpdatedAt = time.Now().UTC()
	res, err := back.exec(ctx, `
		UPDATE sessions SET title = ?, prompt_tokens = ?, completion_tokens = ?, updated_at = ?
		WHERE id = ?`,
		s.Title, s.PromptTokens, s.CompletionTokens, s.UpdatedAt, s.ID.String())
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *sqlSessions) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*Session, error) {
	back := (*sqlBackend)(b)
	rows, err := back.query(ctx, `
		SELECT `+sessionCols+` FROM sessions WHERE project_id = ? ORDER BY id DESC`,
		projectID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (b *sqlSessions) AddUsage(ctx context.Context, id uuid.UUID, promptTokens, completionTokens int) error {
	back := (*sqlBackend)(b)
	res, err := back.exec(ctx, `
		UPDATE sessions
		SET prompt_tokens = prompt_tokens + ?,
			completion_tokens = completion_tokens + ?,
			updated_at = ?
		WHERE id = ?`,
		promptTokens, completionTokens, time.Now().UTC(), id.String())
	if err != nil {
		return fmt.Errorf("add usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- messages ---

type sqlMessages sqlBackend

const messageCols = `id, session_id, role, content, tool_calls, tool_call_id, compacted, created_at`

func (b *sqlMessages) Append(ctx context.Context, m *Message) error {
	back := (*sqlBackend)(b)
	if m.ID == uuid.Nil {
		m.ID = NewID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := back.exec(ctx, `
		INSERT INTO messages (`+messageCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID.String(), m.SessionID.String(), string(m.Role), m.Content,
		m.ToolCallsJSON, m.ToolCallID, m.Compacted, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func scanMessage(scan func(...any) error) (*Message, error) {
	var m Message
	var rawID, rawSession, role string
	err := scan(&rawID, &rawSession, &role, &m.Content, &m.ToolCallsJSON, &m.ToolCallID, &m.Compacted, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.ID = scanUUID(rawID)
	m.SessionID = scanUUID(rawSession)
	m.Role = Role(role)
	return &m, nil
}

func (b *sqlMessages) Get(ctx context.Context, id uuid.UUID) (*Message, error) {
	back := (*sqlBackend)(b)
	row := back.queryRow(ctx, `SELECT `+messageCols+` FROM messages WHERE id = ?`, id.String())
	return scanMessage(row.Scan)
}

func (b *sqlMessages) listWhere(ctx context.Context, where string, args ...any) ([]*Message, error) {
	back := (*sqlBackend)(b)
	rows, err := back.query(ctx, `SELECT `+messageCols+` FROM messages WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (b *sqlMessages) ListActive(ctx context.Context, sessionID uuid.UUID) ([]*Message, error) {
	return b.listWhere(ctx, `session_id = ? AND NOT compacted`, sessionID.String())
}

func (b *sqlMessages) ListAll(ctx context.Context, sessionID uuid.UUID) ([]*Message, error) {
	return b.listWhere(ctx, `session_id = ?`, sessionID.String())
}

func (b *sqlMessages) ListAfter(ctx context.Context, sessionID, afterID uuid.UUID) ([]*Message, error) {
	return b.listWhere(ctx, `session_id = ? AND id > ? AND NOT compacted`,
		sessionID.String(), afterID.String())
}

func (b *sqlMessages) MarkCompacted(ctx context.Context, sessionID, boundaryID uuid.UUID) (int, error) {
	back := (*sqlBackend)(b)
	res, err := back.exec(ctx, `
		UPDATE messages SET compacted = TRUE
		WHERE session_id = ? AND id < ? AND NOT compacted`,
		sessionID.String(), boundaryID.String())
	if err != nil {
		return 0, fmt.Errorf("mark compacted: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- parts ---

type sqlParts sqlBackend

const partCols = `id, message_id, session_id, kind, text, tool_call_id, tool_name, title,
	tool_input, tool_output, tool_state, is_pruned, error_code, spill_path,
	started_at, completed_at, summary, compacted_count, tokens_before,
	created_at, updated_at`

func (b *sqlParts) Append(ctx context.Context, p *MessagePart) error {
	back := (*sqlBackend)(b)
	if p.ID == uuid.Nil {
		p.ID = NewID()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	_, err := back.exec(ctx, `
		INSERT INTO message_parts (`+partCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.MessageID.String(), p.SessionID.String(), string(p.Kind),
		p.Text, p.ToolCallID, p.ToolName, p.Title, p.ToolInput, p.ToolOutput,
		string(p.ToolState), p.IsPruned, p.ErrorCode, p.SpillPath,
		p.StartedAt, p.CompletedAt, p.Summary, p.CompactedCount, p.TokensBefore,
		p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("append part: %w", err)
	}
	return nil
}

func (b *sqlParts) Update(ctx context.Context, p *MessagePart) error {
	back := (*sqlBackend)(b)
	p.UpdatedAt = time.Now().UTC()
	res, err := back.exec(ctx, `
		UPDATE message_parts
		SET text = ?, tool_output = ?, tool_state = ?, is_pruned = ?,
			error_code = ?, spill_path = ?, started_at = ?, completed_at = ?,
			summary = ?, compacted_count = ?, tokens_before = ?, updated_at = ?
		WHERE id = ?`,
		p.Text, p.ToolOutput, string(p.ToolState), p.IsPruned,
		p.ErrorCode, p.SpillPath, p.StartedAt, p.CompletedAt,
		p.Summary, p.CompactedCount, p.TokensBefore, p.UpdatedAt, p.ID.String())
	if err != nil {
		return fmt.Errorf("update part: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPart(scan func(...any) error) (*MessagePart, error) {
	var p MessagePart
	var rawID, rawMessage, rawSession, kind, state string
	var started, completed sql.NullTime
	err := scan(&rawID, &rawMessage, &rawSession, &kind, &p.Text, &p.ToolCallID,
		&p.ToolName, &p.Title, &p.ToolInput, &p.ToolOutput, &state,
		&p.IsPruned, &p.ErrorCode, &p.SpillPath, &started, &completed,
		&p.Summary, &p.CompactedCount, &p.TokensBefore, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.ID = scanUUID(rawID)
	p.MessageID = scanUUID(rawMessage)
	p.SessionID = scanUUID(rawSession)
	p.Kind = PartKind(kind)
	p.ToolState = ToolState(state)
	if started.Valid {
		t := started.Time
		p.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		p.CompletedAt = &t
	}
	return &p, nil
}

func (b *sqlParts) listWhere(ctx context.Context, where, order string, args ...any) ([]*MessagePart, error) {
	back := (*sqlBackend)(b)
	rows, err := back.query(ctx, `SELECT `+partCols+` FROM message_parts WHERE `+where+` ORDER BY `+order, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*MessagePart
	for rows.Next() {
		p, err := scanPart(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (b *sqlParts) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*MessagePart, error) {
	return b.listWhere(ctx, `session_id = ?`, `id`, sessionID.String())
}

func (b *sqlParts) ListByMessage(ctx context.Context, messageID uuid.UUID) ([]*MessagePart, error) {
	return b.listWhere(ctx, `message_id = ?`, `id`, messageID.String())
}

func (b *sqlParts) MostRecentCompaction(ctx context.Context, sessionID uuid.UUID) (*MessagePart, error) {
	parts, err := b.listWhere(ctx, `session_id = ? AND kind = ?`, `id DESC`,
		sessionID.String(), string(PartCompaction))
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, ErrNotFound
	}
	return parts[0], nil
}

// --- sub-sessions ---

type sqlSubSessions sqlBackend

const subCols = `id, parent_session_id, parent_message_id, child_session_id, agent_slug,
	prompt, description, status, result, error, max_iterations, iterations_used,
	effective_permissions, created_at, started_at, finished_at`

func (b *sqlSubSessions) Create(ctx context.Context, s *SubSession) error {
	back := (*sqlBackend)(b)
	if s.ID == uuid.Nil {
		s.ID = NewID()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	_, err := back.exec(ctx, `
		INSERT INTO sub_sessions (`+subCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID.String(), s.ParentSessionID.String(), s.ParentMessageID.String(),
		s.ChildSessionID.String(), s.AgentSlug, s.Prompt, s.Description,
		string(s.Status), s.Result, s.Error, s.MaxIterations, s.IterationsUsed,
		s.EffectivePermissionsJSON, s.CreatedAt, s.StartedAt, s.FinishedAt)
	if err != nil {
		return fmt.Errorf("create sub-session: %w", err)
	}
	return nil
}

func scanSubSession(scan func(...any) error) (*SubSession, error) {
	var s SubSession
	var rawID, rawParent, rawParentMsg, rawChild, status string
	var started, finished sql.NullTime
	err := scan(&rawID, &rawParent, &rawParentMsg, &rawChild, &s.AgentSlug,
		&s.Prompt, &s.Description, &status, &s.Result, &s.Error,
		&s.MaxIterations, &s.IterationsUsed, &s.EffectivePermissionsJSON,
		&s.CreatedAt, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.ID = scanUUID(rawID)
	s.ParentSessionID = scanUUID(rawParent)
	s.ParentMessageID = scanUUID(rawParentMsg)
	s.ChildSessionID = scanUUID(rawChild)
	s.Status = SubSessionStatus(status)
	if started.Valid {
		t := started.Time
		s.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		s.FinishedAt = &t
	}
	return &s, nil
}

func (b *sqlSubSessions) Get(ctx context.Context, id uuid.UUID) (*SubSession, error) {
	back := (*sqlBackend)(b)
	row := back.queryRow(ctx, `SELECT `+subCols+` FROM sub_sessions WHERE id = ?`, id.String())
	return scanSubSession(row.Scan)
}

func (b *sqlSubSessions) Update(ctx context.Context, s *SubSession) error {
	back := (*sqlBackend)(b)
	res, err := back.exec(ctx, `
		UPDATE sub_sessions
		SET status = ?, result = ?, error = ?, iterations_used = ?,
			started_at = ?, finished_at = ?
		WHERE id = ?`,
		string(s.Status), s.Result, s.Error, s.IterationsUsed,
		s.StartedAt, s.FinishedAt, s.ID.String())
	if err != nil {
		return fmt.Errorf("update sub-session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *sqlSubSessions) ListByParent(ctx context.Context, parentID uuid.UUID) ([]*SubSession, error) {
	back := (*sqlBackend)(b)
	rows, err := back.query(ctx, `
		SELECT `+subCols+` FROM sub_sessions WHERE parent_session_id = ? ORDER BY id`,
		parentID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SubSession
	for rows.Next() {
		s, err := scanSubSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// --- permission rules ---

type sqlRules sqlBackend

func (b *sqlRules) Save(ctx context.Context, r *PermissionRule) error {
	back := (*sqlBackend)(b)
	if r.ID == uuid.Nil {
		r.ID = NewID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := back.exec(ctx, `
		INSERT INTO permission_rules (id, agent_slug, pattern, action, priority, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.AgentSlug, r.Pattern, r.Action, r.Priority, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("save permission rule: %w", err)
	}
	return nil
}

func (b *sqlRules) ListForAgent(ctx context.Context, slug string) ([]*PermissionRule, error) {
	back := (*sqlBackend)(b)
	rows, err := back.query(ctx, `
		SELECT id, agent_slug, pattern, action, priority, created_at
		FROM permission_rules
		WHERE agent_slug = '' OR agent_slug = ?
		ORDER BY priority, id`, slug)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PermissionRule
	for rows.Next() {
		var r PermissionRule
		var rawID string
		if err := rows.Scan(&rawID, &r.AgentSlug, &r.Pattern, &r.Action, &r.Priority, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.ID = scanUUID(rawID)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (b *sqlRules) Delete(ctx context.Context, id uuid.UUID) error {
	back := (*sqlBackend)(b)
	res, err := back.exec(ctx, `DELETE FROM permission_rules WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete permission rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
