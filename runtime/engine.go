// Package runtime holds the in-memory server core: who is connected, and how a
// message travels from the sender to the recipient's connections and back.
package runtime

import (
	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"chat-relay/repositories"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const DefaultReadReceiptTimeout = 5 * time.Second

// Engine is the delivery engine. It persists messages, acknowledges senders,
// fans messages out to recipient connections and propagates delivery and read
// status back to the sender's connections.
type Engine struct {
	store            repositories.IMessageRepository
	users            contract.UserDirectory
	registry         contract.IRegistry
	log              *slog.Logger
	maxContentLength int
	readTimeout      time.Duration
	meter            metric.Meter
	metrics          *engineMetrics
	now              func() time.Time
}

var _ contract.IDeliveryEngine = (*Engine)(nil)

type EngineOption func(*Engine)

func WithMaxContentLength(n int) EngineOption {
	return func(e *Engine) { e.maxContentLength = n }
}

func WithReadReceiptTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.readTimeout = d
		}
	}
}

func WithMeter(meter metric.Meter) EngineOption {
	return func(e *Engine) { e.meter = meter }
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func NewEngine(
	store repositories.IMessageRepository,
	users contract.UserDirectory,
	registry contract.IRegistry,
	log *slog.Logger,
	opts ...EngineOption,
) (*Engine, error) {
	e := &Engine{
		store:            store,
		users:            users,
		registry:         registry,
		log:              log,
		maxContentLength: domain.DefaultMaxContentLength,
		readTimeout:      DefaultReadReceiptTimeout,
		meter:            otel.Meter("chat-relay"),
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	metrics, err := newEngineMetrics(e.meter)
	if err != nil {
		return nil, err
	}
	e.metrics = metrics
	return e, nil
}

// Send validates, persists and fans out a message.
// ack runs once the message is stored and before any fan-out, so that the
// sender learns the durable id ahead of any status event about it.
// Nothing is persisted when an error is returned.
func (e *Engine) Send(ctx context.Context, cmd domain.SendMessageCommand, ack func(domain.Message)) (domain.Message, error) {
	message, err := e.accept(ctx, cmd)
	if err != nil {
		e.metrics.failed(ctx, errors.Code(err))
		return domain.Message{}, err
	}

	saved, err := e.store.StoreMessage(ctx, message)
	if err != nil {
		e.metrics.failed(ctx, errors.Code(err))
		e.log.Error("Failed to persist message", "sender_id", cmd.SenderID, "error", err)
		return domain.Message{}, err
	}
	e.metrics.sent.Add(ctx, 1)
	if ack != nil {
		ack(saved)
	}

	recipients := e.registry.SinksFor(saved.RecipientID)
	reached := fanout(ctx, e.log, recipients, event.MessageCreated{Message: saved})
	if len(recipients) == 0 {
		e.log.Debug("Recipient offline, message stays sent", "message_id", saved.ID, "recipient_id", saved.RecipientID)
	}

	echo := e.registry.SinksFor(saved.SenderID, cmd.OriginConnID)
	fanout(ctx, e.log, echo, event.MessageCreated{Message: saved, Outgoing: true})

	e.log.Debug("Message sent", "message_id", saved.ID, "seq", saved.Seq,
		"recipient_connections", reached, "sender_connections", len(echo))
	return saved, nil
}

func (e *Engine) accept(ctx context.Context, cmd domain.SendMessageCommand) (domain.Message, error) {
	cmd, err := cmd.Normalize(e.maxContentLength)
	if err != nil {
		return domain.Message{}, err
	}
	exists, err := e.users.UserExists(ctx, cmd.RecipientID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("%w: %v", errors.ErrPersistence, err)
	}
	if !exists {
		return domain.Message{}, errors.ErrUnknownRecipient
	}
	return domain.Message{
		ID:              uuid.New(),
		CorrelationID:   cmd.CorrelationID,
		SenderID:        cmd.SenderID,
		RecipientID:     cmd.RecipientID,
		ConversationTag: cmd.ConversationTag,
		Content:         cmd.Content,
		Status:          domain.StatusSent,
		Timestamp:       e.now().UTC(),
	}, nil
}

// ConfirmDelivery records that a recipient connection received the message.
// Only the first confirmation moves it to delivered and notifies the sender.
func (e *Engine) ConfirmDelivery(ctx context.Context, cmd domain.ConfirmDeliveryCommand) error {
	id, err := uuid.Parse(cmd.MessageID)
	if err != nil {
		return errors.ErrMalformedMessageID
	}
	current, err := e.store.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	if current.RecipientID != cmd.RecipientID {
		return errors.ErrNotRecipient
	}

	updated, changed, err := e.store.MarkDelivered(ctx, id, e.now())
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	e.metrics.delivered.Add(ctx, 1)
	fanout(ctx, e.log, e.registry.SinksFor(updated.SenderID), event.StatusChanged{
		MessageID: updated.ID,
		Status:    domain.StatusDelivered,
		At:        lo.FromPtrOr(updated.DeliveredAt, e.now().UTC()),
	})
	return nil
}

type readResult struct {
	messages []domain.Message
	err      error
}

// MarkRead flags the batch as read by the reader and notifies each original
// sender with one messagesRead batch and a messageStatusChanged per message.
// The persistence step is bounded by the read receipt timeout. When it fires
// the call fails with ErrPersistenceTimeout, a late store completion still
// notifies the senders.
func (e *Engine) MarkRead(ctx context.Context, cmd domain.MarkReadCommand) ([]domain.Message, error) {
	ids, err := cmd.Parse()
	if err != nil {
		return nil, err
	}
	readAt := e.now().UTC()

	done := make(chan readResult, 1)
	go func() {
		affected, err := e.store.MarkRead(context.WithoutCancel(ctx), ids, cmd.ReaderID, readAt)
		if err == nil {
			e.notifyRead(context.WithoutCancel(ctx), cmd.ReaderID, affected, readAt)
		}
		done <- readResult{messages: affected, err: err}
	}()

	timer := time.NewTimer(e.readTimeout)
	defer timer.Stop()
	select {
	case res := <-done:
		return res.messages, res.err
	case <-timer.C:
		e.log.Warn("Read receipt persistence timed out", "reader_id", cmd.ReaderID, "count", len(ids))
		return nil, errors.ErrPersistenceTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) notifyRead(ctx context.Context, readerID string, affected []domain.Message, readAt time.Time) {
	if len(affected) == 0 {
		return
	}
	e.metrics.read.Add(ctx, int64(len(affected)))

	bySender := lo.GroupBy(affected, func(m domain.Message) string { return m.SenderID })
	senders := lo.Uniq(lo.Map(affected, func(m domain.Message, _ int) string { return m.SenderID }))
	for _, senderID := range senders {
		messages := bySender[senderID]
		sinks := e.registry.SinksFor(senderID)
		fanout(ctx, e.log, sinks, event.MessagesRead{
			MessageIDs: lo.Map(messages, func(m domain.Message, _ int) uuid.UUID { return m.ID }),
			ReaderID:   readerID,
			ReadAt:     readAt,
		})
		for _, m := range messages {
			fanout(ctx, e.log, sinks, event.StatusChanged{MessageID: m.ID, Status: domain.StatusRead, At: readAt})
		}
	}
}

// History is the listMessages query: the conversation between the user and
// a peer, or every message carrying a tag that the user takes part in.
// Results are ordered by timestamp ascending.
func (e *Engine) History(ctx context.Context, query domain.HistoryQuery) ([]domain.Message, error) {
	if query.UserID == "" {
		return nil, errors.ErrMissingReader
	}
	filter := domain.MessageFilter{ConversationTag: query.ConversationTag, Limit: query.Limit}
	if query.PeerID != "" {
		filter.ParticipantA, filter.ParticipantB = query.UserID, query.PeerID
	}
	messages, err := e.store.ListMessages(ctx, filter)
	if err != nil {
		return nil, err
	}
	if filter.HasPair() {
		return messages, nil
	}
	return lo.Filter(messages, func(m domain.Message, _ int) bool { return m.Involves(query.UserID) }), nil
}
