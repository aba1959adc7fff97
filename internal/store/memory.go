package store

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewMemoryStores returns a fully in-memory Stores. Used by tests and by
// runs started without a configured database.
func NewMemoryStores() *Stores {
	m := &memoryBackend{
		projects:    make(map[uuid.UUID]*Project),
		projectPath: make(map[string]uuid.UUID),
		sessions:    make(map[uuid.UUID]*Session),
		messages:    make(map[uuid.UUID][]*Message),
		parts:       make(map[uuid.UUID][]*MessagePart),
		subs:        make(map[uuid.UUID]*SubSession),
		rules:       make(map[uuid.UUID]*PermissionRule),
	}
	return &Stores{
		Projects:    (*memoryProjects)(m),
		Sessions:    (*memorySessions)(m),
		Messages:    (*memoryMessages)(m),
		Parts:       (*memoryParts)(m),
		SubSessions: (*memorySubSessions)(m),
		Permissions: (*memoryRules)(m),
	}
}

type memoryBackend struct {
	mu          sync.RWMutex
	projects    map[uuid.UUID]*Project
	projectPath map[string]uuid.UUID
	sessions    map[uuid.UUID]*Session
	messages    map[uuid.UUID][]*Message     // keyed by session id
	parts       map[uuid.UUID][]*MessagePart // keyed by session id
	subs        map[uuid.UUID]*SubSession
	rules       map[uuid.UUID]*PermissionRule
}

func lessID(a, b uuid.UUID) bool { return bytes.Compare(a[:], b[:]) < 0 }

// NewID returns a time-ordered UUIDv7, falling back to v4 if the clock
// source fails.
func NewID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// --- projects ---

type memoryProjects memoryBackend

func (m *memoryProjects) GetOrCreate(_ context.Context, path string) (*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.projectPath[path]; ok {
		cp := *m.projects[id]
		return &cp, nil
	}
	now := time.Now().UTC()
	p := &Project{ID: NewID(), Path: path, CreatedAt: now, UpdatedAt: now}
	m.projects[p.ID] = p
	m.projectPath[path] = p.ID
	cp := *p
	return &cp, nil
}

func (m *memoryProjects) Get(_ context.Context, id uuid.UUID) (*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// --- sessions ---

type memorySessions memoryBackend

func (m *memorySessions) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = NewID()
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memorySessions) Get(_ context.Context, id uuid.UUID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memorySessions) Update(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return ErrNotFound
	}
	s.UpdatedAt = time.Now().UTC()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memorySessions) ListByProject(_ context.Context, projectID uuid.UUID) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.ProjectID == projectID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return lessID(out[j].ID, out[i].ID) })
	return out, nil
}

func (m *memorySessions) AddUsage(_ context.Context, id uuid.UUID, promptTokens, completionTokens int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.PromptTokens += promptTokens
	s.CompletionTokens += completionTokens
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// --- messages ---

type memoryMessages memoryBackend

func (m *memoryMessages) Append(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == uuid.Nil {
		msg.ID = NewID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	cp := *msg
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], &cp)
	return nil
}

func (m *memoryMessages) Get(_ context.Context, id uuid.UUID) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, list := range m.messages {
		for _, msg := range list {
			if msg.ID == id {
				cp := *msg
				return &cp, nil
			}
		}
	}
	return nil, ErrNotFound
}

func (m *memoryMessages) list(sessionID uuid.UUID, includeCompacted bool) []*Message {
	var out []*Message
	for _, msg := range m.messages[sessionID] {
		if !includeCompacted && msg.Compacted {
			continue
		}
		cp := *msg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return lessID(out[i].ID, out[j].ID) })
	return out
}

func (m *memoryMessages) ListActive(_ context.Context, sessionID uuid.UUID) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list(sessionID, false), nil
}

func (m *memoryMessages) ListAll(_ context.Context, sessionID uuid.UUID) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list(sessionID, true), nil
}

func (m *memoryMessages) ListAfter(_ context.Context, sessionID, afterID uuid.UUID) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Message
	for _, msg := range m.list(sessionID, false) {
		if lessID(afterID, msg.ID) {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *memoryMessages) MarkCompacted(_ context.Context, sessionID, boundaryID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.messages[sessionID] {
		if lessID(msg.ID, boundaryID) && !msg.Compacted {
			msg.Compacted = true
			n++
		}
	}
	return n, nil
}

// --- parts ---

type memoryParts memoryBackend

func (m *memoryParts) Append(_ context.Context, p *MessagePart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = NewID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	m.parts[p.SessionID] = append(m.parts[p.SessionID], p.Clone())
	return nil
}

func (m *memoryParts) Update(_ context.Context, p *MessagePart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.parts[p.SessionID] {
		if existing.ID == p.ID {
			m.parts[p.SessionID][i] = p.Clone()
			return nil
		}
	}
	return ErrNotFound
}

func (m *memoryParts) ListBySession(_ context.Context, sessionID uuid.UUID) ([]*MessagePart, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*MessagePart, 0, len(m.parts[sessionID]))
	for _, p := range m.parts[sessionID] {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return lessID(out[i].ID, out[j].ID) })
	return out, nil
}

func (m *memoryParts) ListByMessage(_ context.Context, messageID uuid.UUID) ([]*MessagePart, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*MessagePart
	for _, list := range m.parts {
		for _, p := range list {
			if p.MessageID == messageID {
				out = append(out, p.Clone())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return lessID(out[i].ID, out[j].ID) })
	return out, nil
}

func (m *memoryParts) MostRecentCompaction(_ context.Context, sessionID uuid.UUID) (*MessagePart, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var newest *MessagePart
	for _, p := range m.parts[sessionID] {
		if p.Kind != PartCompaction {
			continue
		}
		if newest == nil || lessID(newest.ID, p.ID) {
			newest = p
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	return newest.Clone(), nil
}

// --- sub-sessions ---

type memorySubSessions memoryBackend

func (m *memorySubSessions) Create(_ context.Context, s *SubSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = NewID()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	cp := *s
	m.subs[s.ID] = &cp
	return nil
}

func (m *memorySubSessions) Get(_ context.Context, id uuid.UUID) (*SubSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memorySubSessions) Update(_ context.Context, s *SubSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[s.ID]; !ok {
		return ErrNotFound
	}
	cp := *s
	m.subs[s.ID] = &cp
	return nil
}

func (m *memorySubSessions) ListByParent(_ context.Context, parentID uuid.UUID) ([]*SubSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*SubSession
	for _, s := range m.subs {
		if s.ParentSessionID == parentID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return lessID(out[i].ID, out[j].ID) })
	return out, nil
}

// --- permission rules ---

type memoryRules memoryBackend

func (m *memoryRules) Save(_ context.Context, r *PermissionRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = NewID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	cp := *r
	m.rules[r.ID] = &cp
	return nil
}

func (m *memoryRules) ListForAgent(_ context.Context, slug string) ([]*PermissionRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*PermissionRule
	for _, r := range m.rules {
		if r.AgentSlug == "" || r.AgentSlug == slug {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return lessID(out[i].ID, out[j].ID)
	})
	return out, nil
}

func (m *memoryRules) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return ErrNotFound
	}
	delete(m.rules, id)
	return nil
}
