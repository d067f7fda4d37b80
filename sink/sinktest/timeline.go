// Package sinktest provides an EventSink that records what it is given, for
// tests of code that fans events out to connections.
package sinktest

import (
	"chat-relay/contract"
	"chat-relay/domain/event"
	"context"
	"sync"
)

// Timeline records every event it consumes, in order.
type Timeline struct {
	Owner  string
	mu     sync.Mutex
	events []event.DomainEvent
}

var _ contract.EventSink = (*Timeline)(nil)

func NewTimeline(owner string) *Timeline {
	return &Timeline{Owner: owner}
}

func (t *Timeline) Consume(_ context.Context, e event.DomainEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, e)
	return nil
}

// Events returns a copy of what was consumed so far.
func (t *Timeline) Events() []event.DomainEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]event.DomainEvent(nil), t.events...)
}

// OfType keeps the events of the given type.
func (t *Timeline) OfType(eventType event.Type) []event.DomainEvent {
	var filtered []event.DomainEvent
	for _, e := range t.Events() {
		if e.EventType() == eventType {
			filtered = append(filtered, e)
		}
	}
	return filtered
}
