// Package memory contains an in-memory publisher for tests and the
// single-process dev mode.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/sitelens/sitelens/internal/publisher"
)

// ErrClosed is returned for publishes after Close.
var ErrClosed = errors.New("publisher: closed")

// Publisher stores published completion events for inspection.
type Publisher struct {
	mu     sync.RWMutex
	events []publisher.CompletionEvent
	closed bool
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// PublishCompleted records the event.
func (p *Publisher) PublishCompleted(_ context.Context, evt publisher.CompletionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.events = append(p.events, evt)
	return nil
}

// Events returns a copy of the recorded events.
func (p *Publisher) Events() []publisher.CompletionEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]publisher.CompletionEvent, len(p.events))
	copy(out, p.events)
	return out
}

// Close stops the publisher; later publishes fail.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
