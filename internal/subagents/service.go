// Package subagents runs child agent executions: it creates
// sub-sessions, enforces per-slug concurrency caps with FIFO queueing,
// and drives the agent loop recursively for each task.
package subagents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openfork/openfork/internal/agent"
	"github.com/openfork/openfork/internal/bus"
	"github.com/openfork/openfork/internal/store"
	"github.com/openfork/openfork/internal/tracing"
)

// Runner abstracts the agent loop so tests can substitute a scripted
// implementation.
type Runner interface {
	Run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error)
}

// Service manages subagent executions.
type Service struct {
	stores *store.Stores
	agents *agent.Registry
	runner Runner
	events *bus.Bus
	conc   *ConcurrencyManager
	logger *slog.Logger

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
}

// NewService wires a subagent service. events may be nil.
func NewService(stores *store.Stores, agents *agent.Registry, runner Runner, events *bus.Bus) *Service {
	return &Service{
		stores:  stores,
		agents:  agents,
		runner:  runner,
		events:  events,
		conc:    NewConcurrencyManager(),
		logger:  slog.Default().With("component", "subagents"),
		cancels: make(map[uuid.UUID]context.CancelFunc),
	}
}

// Concurrency exposes the per-slug execution state.
func (s *Service) Concurrency() *ConcurrencyManager { return s.conc }

// CreateRequest describes a new subagent task.
type CreateRequest struct {
	ParentSessionID uuid.UUID
	ParentMessageID uuid.UUID
	ParentAgent     *agent.Definition
	AgentSlug       string
	Prompt          string
	Description     string
	// MaxIterations is capped at the subagent's own limit.
	MaxIterations int
}

// Create validates the request against the catalog and persists a
// pending sub-session.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*store.SubSession, error) {
	def, err := s.agents.Authorize(req.ParentAgent, req.AgentSlug)
	if err != nil {
		return nil, err
	}
	if req.Prompt == "" {
		return nil, fmt.Errorf("subagent task requires a prompt")
	}

	maxIterations := def.MaxIterations
	if req.MaxIterations > 0 && req.MaxIterations < maxIterations {
		maxIterations = req.MaxIterations
	}

	perms, err := json.Marshal(def.Permissions)
	if err != nil {
		return nil, fmt.Errorf("encode permissions: %w", err)
	}
	sub := &store.SubSession{
		ID:              store.NewID(),
		ParentSessionID: req.ParentSessionID,
		ParentMessageID: req.ParentMessageID,
		AgentSlug:       req.AgentSlug,
		Prompt:          req.Prompt,
		Description:     req.Description,
		Status:          store.SubPending,
		MaxIterations:   maxIterations,

		EffectivePermissionsJSON: string(perms),
	}
	if err := s.stores.SubSessions.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("create sub-session: %w", err)
	}

	s.publish(bus.SubSessionEvent{
		Type:            bus.SubSessionCreated,
		SubSessionID:    sub.ID,
		ParentSessionID: sub.ParentSessionID,
		AgentSlug:       sub.AgentSlug,
	})
	return sub, nil
}

// Execute runs a pending sub-session to completion, queueing when the
// slug is at capacity. Blocks until the execution reaches a terminal
// state.
func (s *Service) Execute(ctx context.Context, subID uuid.UUID) error {
	sub, err := s.stores.SubSessions.Get(ctx, subID)
	if err != nil {
		return err
	}
	def, err := s.agents.Get(sub.AgentSlug)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancels[sub.ID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cancels, sub.ID)
		s.mu.Unlock()
	}()

	if !s.conc.TryAcquire(sub.AgentSlug, def.MaxConcurrentInstances) {
		s.transition(ctx, sub, store.SubQueued)
		if err := s.conc.Wait(runCtx, sub.AgentSlug, def.MaxConcurrentInstances); err != nil {
			s.finalize(ctx, sub, store.SubCancelled, "", "cancelled while queued")
			return nil
		}
	}
	// Releasing the slot hands it to the next queued execution.
	defer s.conc.Release(sub.AgentSlug)

	return s.run(runCtx, sub, def)
}

func (s *Service) run(ctx context.Context, sub *store.SubSession, def *agent.Definition) error {
	ctx, span := tracing.Start(ctx, "subagent.run",
		attribute.String("agent.slug", sub.AgentSlug),
		attribute.String("sub_session.id", sub.ID.String()))
	defer span.End()

	parent, err := s.stores.Sessions.Get(ctx, sub.ParentSessionID)
	if err != nil {
		s.finalize(context.WithoutCancel(ctx), sub, store.SubFailed, "", err.Error())
		return err
	}

	child := &store.Session{
		ID:        store.NewID(),
		ProjectID: parent.ProjectID,
		ParentID:  &parent.ID,
		AgentSlug: sub.AgentSlug,
		Title:     sub.Description,
	}
	if err := s.stores.Sessions.Create(ctx, child); err != nil {
		s.finalize(context.WithoutCancel(ctx), sub, store.SubFailed, "", err.Error())
		return err
	}

	now := time.Now().UTC()
	sub.ChildSessionID = child.ID
	sub.StartedAt = &now
	s.transition(ctx, sub, store.SubRunning)

	res, err := s.runner.Run(ctx, agent.RunRequest{
		Session:       child,
		Agent:         def,
		Input:         sub.Prompt,
		MaxIterations: sub.MaxIterations,
		Callbacks: agent.Callbacks{
			OnDelta: func(content string, done bool) {
				if content == "" {
					return
				}
				s.publish(bus.SubSessionEvent{
					Type:            bus.SubSessionProgress,
					SubSessionID:    sub.ID,
					ParentSessionID: sub.ParentSessionID,
					AgentSlug:       sub.AgentSlug,
					PartType:        "text",
					Content:         content,
				})
			},
			OnToolExecution: func(name string, _ map[string]any, _ string, _ bool) {
				s.publish(bus.SubSessionEvent{
					Type:            bus.SubSessionProgress,
					SubSessionID:    sub.ID,
					ParentSessionID: sub.ParentSessionID,
					AgentSlug:       sub.AgentSlug,
					PartType:        "tool",
					Content:         name,
				})
			},
		},
	})
	if res != nil {
		sub.IterationsUsed = res.Iterations
	}

	// Finalization must survive the cancelled run context.
	fctx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		s.finalize(fctx, sub, store.SubCompleted, res.Output, "")
		return nil
	case errors.Is(err, context.Canceled):
		s.finalize(fctx, sub, store.SubCancelled, "", "cancelled")
		return nil
	default:
		s.finalize(fctx, sub, store.SubFailed, "", err.Error())
		return err
	}
}

// Cancel moves a non-terminal sub-session toward Cancelled. Running and
// queued executions observe the cancellation through their context.
func (s *Service) Cancel(ctx context.Context, subID uuid.UUID) error {
	sub, err := s.stores.SubSessions.Get(ctx, subID)
	if err != nil {
		return err
	}
	if sub.Status.Terminal() {
		return nil
	}

	s.mu.Lock()
	cancel, ok := s.cancels[subID]
	s.mu.Unlock()
	if ok {
		cancel()
		return nil
	}
	// Never started executing: finalize directly.
	s.finalize(ctx, sub, store.SubCancelled, "", "cancelled")
	return nil
}

// Get returns the sub-session record.
func (s *Service) Get(ctx context.Context, subID uuid.UUID) (*store.SubSession, error) {
	return s.stores.SubSessions.Get(ctx, subID)
}

func (s *Service) transition(ctx context.Context, sub *store.SubSession, to store.SubSessionStatus) {
	from := sub.Status
	sub.Status = to
	if err := s.stores.SubSessions.Update(ctx, sub); err != nil {
		s.logger.Warn("sub-session update failed", "sub_session_id", sub.ID, "error", err)
	}
	s.publish(bus.SubSessionEvent{
		Type:            bus.SubSessionStatusChanged,
		SubSessionID:    sub.ID,
		ParentSessionID: sub.ParentSessionID,
		AgentSlug:       sub.AgentSlug,
		FromStatus:      string(from),
		ToStatus:        string(to),
	})
}

func (s *Service) finalize(ctx context.Context, sub *store.SubSession, status store.SubSessionStatus, result, errMsg string) {
	// Reload so a concurrent finalization wins exactly once.
	current, err := s.stores.SubSessions.Get(ctx, sub.ID)
	if err == nil && current.Status.Terminal() {
		return
	}

	now := time.Now().UTC()
	from := sub.Status
	sub.Status = status
	sub.Result = result
	sub.Error = errMsg
	sub.FinishedAt = &now
	if err := s.stores.SubSessions.Update(ctx, sub); err != nil {
		s.logger.Warn("sub-session finalize failed", "sub_session_id", sub.ID, "error", err)
	}

	eventType := bus.SubSessionCompleted
	switch status {
	case store.SubFailed:
		eventType = bus.SubSessionFailed
	case store.SubCancelled:
		eventType = bus.SubSessionCancelled
	}
	s.publish(bus.SubSessionEvent{
		Type:            eventType,
		SubSessionID:    sub.ID,
		ParentSessionID: sub.ParentSessionID,
		AgentSlug:       sub.AgentSlug,
		FromStatus:      string(from),
		ToStatus:        string(status),
		Error:           errMsg,
	})
	s.logger.Info("sub-session finished",
		"sub_session_id", sub.ID, "agent", sub.AgentSlug,
		"status", status, "iterations", sub.IterationsUsed)
}

func (s *Service) publish(e bus.SubSessionEvent) {
	if s.events != nil {
		s.events.Publish(e)
	}
}
