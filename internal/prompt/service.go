// Package prompt delivers out-of-band questions to the user: permission
// confirmations and any other decision the runtime cannot make alone.
//
// BusService is the event-driven default: each request is published on the
// event bus and answered through ProvideResponse. Terminal (terminal.go)
// asks directly on the controlling TTY.
package prompt

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfork/openfork/internal/bus"
)

// DefaultTimeout applies when a request does not set one.
const DefaultTimeout = 5 * time.Minute

// Request is one question for the user.
type Request struct {
	ID         uuid.UUID
	Title      string
	Message    string
	Options    []bus.PromptOption
	DefaultKey string
	Timeout    time.Duration
}

// Response is the user's answer.
type Response struct {
	Key       string
	TimedOut  bool
	Cancelled bool
}

// Service collects one decision from the user. Implementations block until
// an answer arrives, the timeout passes, or ctx is cancelled.
type Service interface {
	Prompt(ctx context.Context, req Request) (Response, error)
}

// BusService publishes each request as a UserPromptRequested event and
// waits for a matching ProvideResponse call from the UI.
type BusService struct {
	events *bus.Bus

	mu      sync.Mutex
	pending map[uuid.UUID]chan Response
}

// NewBusService creates an event-driven prompt service.
func NewBusService(events *bus.Bus) *BusService {
	return &BusService{
		events:  events,
		pending: make(map[uuid.UUID]chan Response),
	}
}

// Prompt publishes the request and blocks for the answer.
func (s *BusService) Prompt(ctx context.Context, req Request) (Response, error) {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ch := make(chan Response, 1)
	s.mu.Lock()
	s.pending[req.ID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, req.ID)
		s.mu.Unlock()
	}()

	s.events.Publish(bus.UserPromptRequested{
		RequestID:  req.ID,
		Title:      req.Title,
		Message:    req.Message,
		Options:    req.Options,
		DefaultKey: req.DefaultKey,
		ExpiresAt:  time.Now().Add(timeout),
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return Response{TimedOut: true}, nil
	case <-ctx.Done():
		return Response{Cancelled: true}, nil
	}
}

// ProvideResponse delivers the answer for a pending request. Returns false
// when the request is unknown or already answered.
func (s *BusService) ProvideResponse(id uuid.UUID, resp Response) bool {
	s.mu.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}
