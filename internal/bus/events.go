package bus

import (
	"time"

	"github.com/google/uuid"
)

// Topic constants. Ordering is FIFO within a topic only.
const (
	TopicRun        = "run"
	TopicSubSession = "subsession"
	TopicMessage    = "message"
	TopicPrompt     = "prompt"
	TopicHook       = "hook"
)

// RunEvent is emitted by the agent loop during execution
// (run.started, run.completed, run.failed, chunk, tool.call, tool.result).
type RunEvent struct {
	Type      string         `json:"type"`
	AgentSlug string         `json:"agentSlug"`
	SessionID uuid.UUID      `json:"sessionId"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func (RunEvent) Topic() string { return TopicRun }

// SubSession lifecycle event types.
const (
	SubSessionCreated       = "subsession.created"
	SubSessionStatusChanged = "subsession.status_changed"
	SubSessionProgress      = "subsession.progress"
	SubSessionCompleted     = "subsession.completed"
	SubSessionFailed        = "subsession.failed"
	SubSessionCancelled     = "subsession.cancelled"
)

// SubSessionEvent tracks a child agent execution through its lifecycle.
type SubSessionEvent struct {
	Type            string    `json:"type"`
	SubSessionID    uuid.UUID `json:"subSessionId"`
	ParentSessionID uuid.UUID `json:"parentSessionId"`
	AgentSlug       string    `json:"agentSlug"`
	FromStatus      string    `json:"fromStatus,omitempty"`
	ToStatus        string    `json:"toStatus,omitempty"`
	PartType        string    `json:"partType,omitempty"` // "text" or "tool" for progress events
	Content         string    `json:"content,omitempty"`
	Error           string    `json:"error,omitempty"`
}

func (SubSessionEvent) Topic() string { return TopicSubSession }

// MessageCompacted is emitted when a compaction boundary is written.
type MessageCompacted struct {
	SessionID         uuid.UUID `json:"sessionId"`
	BoundaryMessageID uuid.UUID `json:"boundaryMessageId"`
	MessageCount      int       `json:"messageCount"`
	TokenCount        int       `json:"tokenCount"`
	CompactedAt       time.Time `json:"compactedAt"`
}

func (MessageCompacted) Topic() string { return TopicMessage }

// UserPromptRequested asks an out-of-band surface (TUI, web client) to
// collect a decision from the user. The surface answers through
// prompt.Service.ProvideResponse with the matching request id.
type UserPromptRequested struct {
	RequestID  uuid.UUID      `json:"requestId"`
	Title      string         `json:"title"`
	Message    string         `json:"message"`
	Options    []PromptOption `json:"options"`
	DefaultKey string         `json:"defaultKey"`
	ExpiresAt  time.Time      `json:"expiresAt"`
}

// PromptOption is one selectable answer to a user prompt.
type PromptOption struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

func (UserPromptRequested) Topic() string { return TopicPrompt }
