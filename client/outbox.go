package client

import (
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"chat-relay/infrastructure/ws/protocol"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nrednav/cuid2"
	"github.com/samber/lo"
)

const DefaultReadReceiptTimeout = 5 * time.Second

// Requester is the part of the Channel the outbox sends through.
type Requester interface {
	Request(ctx context.Context, frameType string, payload any) (protocol.AckPayload, error)
	Connected() bool
}

type queuedSend struct {
	correlationID string
	payload       protocol.SendMessagePayload
}

// Outbox never drops a user send: a message is either acknowledged by the
// server, rejected by it, or waiting in the retry queue for the next
// connection. Read receipts requested while offline or that failed wait the
// same way, behind the messages.
type Outbox struct {
	channel     Requester
	table       *StatusTable
	readTimeout time.Duration
	log         *slog.Logger

	mu       sync.Mutex
	queue    []queuedSend
	reads    [][]string
	flushing bool
}

func NewOutbox(channel Requester, table *StatusTable, log *slog.Logger) *Outbox {
	return &Outbox{channel: channel, table: table, readTimeout: DefaultReadReceiptTimeout, log: log}
}

// Attach wires the outbox to the channel events: statuses resolve the
// handlers and every new connection flushes the queues.
func (o *Outbox) Attach(channel *Channel) *Outbox {
	channel.OnStatusChange(func(e event.StatusChanged) {
		o.table.Update(e.MessageID.String(), e.Status)
	})
	channel.OnMessagesRead(func(e event.MessagesRead) {
		for _, id := range e.MessageIDs {
			o.table.Update(id.String(), domain.StatusRead)
		}
	})
	channel.OnStateChange(func(state State) {
		if state == Connected {
			go o.Flush(context.Background())
		}
	})
	return o
}

// SendMessage returns the correlation id of the message. onStatus sees
// sending before SendMessage returns.
func (o *Outbox) SendMessage(ctx context.Context, content, recipientID, conversationTag string, onStatus StatusHandler) string {
	correlationID := cuid2.Generate()
	o.table.Register(correlationID, onStatus)
	item := queuedSend{
		correlationID: correlationID,
		payload: protocol.SendMessagePayload{
			RecipientID:     recipientID,
			Content:         content,
			CorrelationID:   correlationID,
			ConversationTag: conversationTag,
		},
	}

	if held, kick := o.holdMessage(item); held {
		if kick {
			go o.Flush(context.Background())
		}
		return correlationID
	}
	if err := o.transmit(ctx, item); err != nil && !IsFinal(err) {
		o.enqueue(item)
	}
	return correlationID
}

// transmit sends one message and resolves its handler from the answer.
func (o *Outbox) transmit(ctx context.Context, item queuedSend) error {
	ack, err := o.channel.Request(ctx, protocol.SendMessage, item.payload)
	if err != nil {
		final := IsFinal(err)
		o.log.Warn("Message not acknowledged", "correlation_id", item.correlationID, "final", final, "error", err)
		o.table.Fail(item.correlationID, final)
		return err
	}
	var saved domain.Message
	if err := json.Unmarshal(ack.Data, &saved); err != nil {
		o.table.Fail(item.correlationID, true)
		return errors.ErrMalformedPayload
	}
	o.table.Rekey(item.correlationID, saved.ID.String(), saved.Status)
	return nil
}

// MarkRead sends the batch when connected, bounded by the read receipt
// timeout. A failure that a retry can fix queues the batch and returns nil.
func (o *Outbox) MarkRead(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return errors.ErrEmptyMessageIDs
	}
	ids := lo.Uniq(messageIDs)
	if held, kick := o.holdRead(ids); held {
		if kick {
			go o.Flush(context.Background())
		}
		return nil
	}
	err := o.sendRead(ctx, ids)
	if err == nil {
		return nil
	}
	if IsFinal(err) {
		return err
	}
	o.enqueueRead(ids)
	return nil
}

func (o *Outbox) sendRead(ctx context.Context, ids []string) error {
	ctx, cancel := context.WithTimeout(ctx, o.readTimeout)
	defer cancel()
	_, err := o.channel.Request(ctx, protocol.MarkAsRead, protocol.MarkAsReadPayload{MessageIDs: ids})
	return err
}

// holdMessage queues item unless it can go out right away: connected, nothing
// queued ahead of it and no flush running. A flush in progress picks it up,
// kick asks for one when connected and none is running.
func (o *Outbox) holdMessage(item queuedSend) (held, kick bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	connected := o.channel.Connected()
	if connected && len(o.queue) == 0 && !o.flushing {
		return false, false
	}
	o.queue = append(o.queue, item)
	return true, connected && !o.flushing
}

// holdRead is holdMessage for read batches, which also wait behind every
// queued message.
func (o *Outbox) holdRead(ids []string) (held, kick bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	connected := o.channel.Connected()
	if connected && len(o.queue) == 0 && len(o.reads) == 0 && !o.flushing {
		return false, false
	}
	o.reads = append(o.reads, ids)
	return true, connected && !o.flushing
}

func (o *Outbox) enqueue(item queuedSend) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queue = append(o.queue, item)
}

func (o *Outbox) enqueueRead(ids []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reads = append(o.reads, ids)
}

// Pending returns the number of queued messages and read batches.
func (o *Outbox) Pending() (messages int, reads int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue), len(o.reads)
}

// Flush transmits the queued messages then the queued read batches, oldest
// first. A rejected entry is dropped, a transport failure stops the flush and
// keeps the rest for the next connection. Only one flush runs at a time, and
// it keeps going until entries queued while it ran are sent too.
func (o *Outbox) Flush(ctx context.Context) {
	o.mu.Lock()
	if o.flushing {
		o.mu.Unlock()
		return
	}
	o.flushing = true
	o.mu.Unlock()

	for o.flushMessages(ctx) && o.flushReads(ctx) {
		o.mu.Lock()
		if len(o.queue) == 0 && len(o.reads) == 0 {
			o.flushing = false
			o.mu.Unlock()
			return
		}
		o.mu.Unlock()
	}
	o.mu.Lock()
	o.flushing = false
	o.mu.Unlock()
}

// flushMessages reports false when a transport failure stopped it.
func (o *Outbox) flushMessages(ctx context.Context) bool {
	for {
		item, ok := o.peek()
		if !ok {
			return true
		}
		o.table.Retry(item.correlationID)
		if err := o.transmit(ctx, item); err != nil && !IsFinal(err) {
			return false
		}
		o.pop()
	}
}

func (o *Outbox) flushReads(ctx context.Context) bool {
	for {
		ids, ok := o.peekRead()
		if !ok {
			return true
		}
		err := o.sendRead(ctx, ids)
		if err != nil && !IsFinal(err) {
			o.log.Warn("Read receipts not acknowledged", "count", len(ids), "error", err)
			return false
		}
		if err != nil {
			o.log.Warn("Read receipts rejected", "count", len(ids), "error", err)
		}
		o.popRead()
	}
}

func (o *Outbox) peek() (queuedSend, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return queuedSend{}, false
	}
	return o.queue[0], true
}

func (o *Outbox) pop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queue = o.queue[1:]
}

func (o *Outbox) peekRead() ([]string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.reads) == 0 {
		return nil, false
	}
	return o.reads[0], true
}

func (o *Outbox) popRead() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reads = o.reads[1:]
}
