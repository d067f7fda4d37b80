package sink

import (
	"chat-relay/contract"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"chat-relay/infrastructure/ws/protocol"
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ConnectionSink is the bounded outbound queue of one websocket connection.
// Events and acks share the queue, so a connection sees them in the order they
// were produced. A connection that lets its queue fill up is closed rather than
// allowed to stall the producers.
type ConnectionSink struct {
	UserID string
	ConnID uuid.UUID
	out    chan protocol.Frame
	closed chan struct{}
	once   sync.Once
	log    *slog.Logger
}

var _ contract.EventSink = (*ConnectionSink)(nil)

func NewConnectionSink(userID string, connID uuid.UUID, bufferSize int, log *slog.Logger) *ConnectionSink {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &ConnectionSink{
		UserID: userID,
		ConnID: connID,
		out:    make(chan protocol.Frame, bufferSize),
		closed: make(chan struct{}),
		log:    log.With("user_id", userID, "conn_id", connID),
	}
}

func (s *ConnectionSink) Consume(_ context.Context, e event.DomainEvent) error {
	frame, err := protocol.EventFrame(e)
	if err != nil {
		return err
	}
	return s.Send(frame)
}

// Send enqueues without blocking.
func (s *ConnectionSink) Send(frame protocol.Frame) error {
	select {
	case <-s.closed:
		return errors.ErrConnectionClosed
	default:
	}
	select {
	case s.out <- frame:
		return nil
	default:
		s.log.Warn("Outbound buffer full, closing slow connection", "type", frame.Type)
		s.Close()
		return errors.ErrSlowConsumer
	}
}

// Frames is drained by the connection writer.
func (s *ConnectionSink) Frames() <-chan protocol.Frame { return s.out }

// Done is closed once the sink stops accepting frames.
func (s *ConnectionSink) Done() <-chan struct{} { return s.closed }

func (s *ConnectionSink) Close() {
	s.once.Do(func() { close(s.closed) })
}
