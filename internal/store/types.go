// Package store defines the persistence model for sessions, messages,
// message parts, sub-sessions and permission rules, plus the repository
// interfaces the rest of the runtime depends on. Implementations live in
// the memory, pg and sqlite sub-packages (memory.go here covers tests and
// ephemeral runs).
package store

import (
	"time"

	"github.com/google/uuid"
)

// Role is a message author role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartKind identifies the type of a message part.
type PartKind string

const (
	PartText       PartKind = "text"
	PartReasoning  PartKind = "reasoning"
	PartTool       PartKind = "tool"
	PartCompaction PartKind = "compaction"

	// Descriptive kinds stored and returned as-is.
	PartFile     PartKind = "file"
	PartPatch    PartKind = "patch"
	PartStep     PartKind = "step"
	PartSubtask  PartKind = "subtask"
	PartAgent    PartKind = "agent"
	PartRetry    PartKind = "retry"
	PartSnapshot PartKind = "snapshot"
)

// ToolState tracks a tool part through its lifecycle.
type ToolState string

const (
	ToolPending   ToolState = "pending"
	ToolRunning   ToolState = "running"
	ToolCompleted ToolState = "completed"
	ToolError     ToolState = "error"
)

// SubSessionStatus tracks a child agent execution.
type SubSessionStatus string

const (
	SubPending   SubSessionStatus = "pending"
	SubQueued    SubSessionStatus = "queued"
	SubRunning   SubSessionStatus = "running"
	SubCompleted SubSessionStatus = "completed"
	SubFailed    SubSessionStatus = "failed"
	SubCancelled SubSessionStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s SubSessionStatus) Terminal() bool {
	switch s {
	case SubCompleted, SubFailed, SubCancelled:
		return true
	}
	return false
}

// Project groups sessions under a working directory.
type Project struct {
	ID        uuid.UUID
	Path      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Session is one conversation with an agent. Child sessions created for
// subagent tasks carry a non-nil ParentID.
type Session struct {
	ID        uuid.UUID
	ProjectID uuid.UUID
	ParentID  *uuid.UUID
	AgentSlug string
	Title     string

	PromptTokens     int
	CompletionTokens int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one turn in a session. Content holds text for user/system
// turns; assistant and tool turns carry their payload in parts. Message
// ids are UUIDv7, so creation order is id order.
type Message struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	Role      Role
	Content   string

	// ToolCallsJSON carries the serialized tool-call array on assistant
	// messages that requested tools.
	ToolCallsJSON string

	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string

	// Compacted marks messages superseded by a compaction boundary. They
	// stay in storage but are excluded from active context.
	Compacted bool

	CreatedAt time.Time
}

// MessagePart is a typed fragment of a message: streamed text, reasoning,
// a tool invocation with its result, or a compaction boundary record.
type MessagePart struct {
	ID        uuid.UUID
	MessageID uuid.UUID
	SessionID uuid.UUID
	Kind      PartKind

	Text string

	// Tool fields, set when Kind == PartTool. Pruning replaces ToolOutput
	// with a retained prefix and sets IsPruned; ToolState is unchanged.
	ToolCallID  string
	ToolName    string
	Title       string
	ToolInput   string
	ToolOutput  string
	ToolState   ToolState
	IsPruned    bool
	ErrorCode   string
	SpillPath   string
	StartedAt   *time.Time
	CompletedAt *time.Time

	// Compaction fields, set when Kind == PartCompaction. Summary holds
	// the generated history summary; CompactedCount and TokensBefore
	// record what was retired.
	Summary        string
	CompactedCount int
	TokensBefore   int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy. Repositories hand out clones so callers can
// mutate results freely.
func (p *MessagePart) Clone() *MessagePart {
	cp := *p
	return &cp
}

// SubSession records one subagent task and its outcome. ChildSessionID
// points to the session the child loop runs in.
type SubSession struct {
	ID              uuid.UUID
	ParentSessionID uuid.UUID
	ParentMessageID uuid.UUID
	ChildSessionID  uuid.UUID
	AgentSlug       string
	Prompt          string
	Description     string
	Status          SubSessionStatus
	Result          string
	Error           string
	MaxIterations   int
	IterationsUsed  int

	// EffectivePermissionsJSON snapshots the ruleset the subagent runs
	// under, serialized at creation time.
	EffectivePermissionsJSON string

	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// PermissionRule is a persisted permission decision. Pattern is a
// category:resource glob; Action is "allow", "ask" or "deny". Rules are
// evaluated in ascending priority with the last match winning.
type PermissionRule struct {
	ID        uuid.UUID
	AgentSlug string // empty applies to all agents
	Pattern   string
	Action    string
	Priority  int
	CreatedAt time.Time
}
