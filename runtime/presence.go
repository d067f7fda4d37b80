package runtime

import (
	"chat-relay/contract"
	"chat-relay/domain/event"
	"context"
	"log/slog"
	"sync"
)

// SinkSource lists the connections a presence event is broadcast to.
type SinkSource interface {
	AllSinks() []contract.EventSink
}

// PresenceBroadcaster turns registry edges into userOnline/userOffline events
// for every connected party.
// OnTransition only queues the edge: it runs under a registry shard lock and
// broadcasting from there would re-enter the registry. Run drains the queue in
// the order the edges were decided.
type PresenceBroadcaster struct {
	log     *slog.Logger
	mu      sync.Mutex
	pending []event.PresenceChanged
	notify  chan struct{}
	source  SinkSource
}

var (
	_ contract.PresenceListener = (*PresenceBroadcaster)(nil)
	_ contract.Worker           = (*PresenceBroadcaster)(nil)
)

func NewPresenceBroadcaster(log *slog.Logger) *PresenceBroadcaster {
	return &PresenceBroadcaster{log: log, notify: make(chan struct{}, 1)}
}

// Attach sets where the events go. It must be called before Run.
func (p *PresenceBroadcaster) Attach(source SinkSource) *PresenceBroadcaster {
	p.source = source
	return p
}

func (p *PresenceBroadcaster) OnTransition(userID string, online bool) {
	p.mu.Lock()
	p.pending = append(p.pending, event.PresenceChanged{UserID: userID, Online: online})
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *PresenceBroadcaster) Run(ctx context.Context) error {
	p.log.Info("Starting presence broadcaster")
	for {
		select {
		case <-ctx.Done():
			p.log.Debug("Context done, stopping presence broadcaster")
			return nil
		case <-p.notify:
			p.Drain(ctx)
		}
	}
}

// Drain broadcasts every queued edge and returns how many were sent.
func (p *PresenceBroadcaster) Drain(ctx context.Context) int {
	p.mu.Lock()
	batch := p.pending
	p.pending = nil
	p.mu.Unlock()

	if p.source == nil {
		return 0
	}
	for _, evt := range batch {
		sinks := p.source.AllSinks()
		p.log.Debug("Broadcasting presence", "user_id", evt.UserID, "online", evt.Online, "sinks", len(sinks))
		fanout(ctx, p.log, sinks, evt)
	}
	return len(batch)
}

// Pending is the number of edges waiting to be broadcast.
func (p *PresenceBroadcaster) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
