package runtime

import (
	"chat-relay/contract"
	"chat-relay/domain/event"
	"context"
	"log/slog"
)

// fanout hands the event to every sink. It is best effort: a failing sink is
// logged and skipped, it never stops the others.
func fanout(ctx context.Context, log *slog.Logger, sinks []contract.EventSink, evt event.DomainEvent) int {
	delivered := 0
	for _, sink := range sinks {
		if err := sink.Consume(ctx, evt); err != nil {
			log.Debug("Sink rejected event", "type", evt.EventType(), "error", err)
			continue
		}
		delivered++
	}
	return delivered
}
