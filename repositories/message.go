//go:generate go run go.uber.org/mock/mockgen -source=message.go -destination=../mocks/mock_message_repository.go -package=mocks
package repositories

import (
	"chat-relay/domain"
	"chat-relay/errors"
	"context"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// IMessageRepository is the durable Message Store: append-only, with in-place
// status updates. Listings are ordered by timestamp ascending.
type IMessageRepository interface {
	StoreMessage(ctx context.Context, message domain.Message) (domain.Message, error)
	GetMessage(ctx context.Context, id uuid.UUID) (domain.Message, error)
	MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) (domain.Message, bool, error)
	MarkRead(ctx context.Context, ids []uuid.UUID, readerID string, at time.Time) ([]domain.Message, error)
	ListMessages(ctx context.Context, filter domain.MessageFilter) ([]domain.Message, error)
}

const (
	messageSequenceKey = "seq:messages"
	sequenceBandwidth  = 100
	maxConflictRetries = 5
	// 20 digits cover the whole uint64 range, the highest key of any prefix
	seekLast = "99999999999999999999"
)

type MessageRepository struct {
	db            *badger.DB
	log           *slog.Logger
	seq           *badger.Sequence
	limitMessages *int
}

func NewMessageRepository(db *badger.DB, log *slog.Logger, limitMessages *int) (*MessageRepository, error) {
	seq, err := db.GetSequence([]byte(messageSequenceKey), sequenceBandwidth)
	if err != nil {
		return nil, fmt.Errorf("message sequence: %w", err)
	}
	return &MessageRepository{db: db, log: log, seq: seq, limitMessages: limitMessages}, nil
}

// Close hands back the leased but unused sequence numbers.
func (m *MessageRepository) Close() error {
	return m.seq.Release()
}

// DiskMessage is the stored shape of a message. Times are kept as UnixNano so
// that the record round-trips without timezone drift.
type DiskMessage struct {
	ID              uuid.UUID `json:"id"`
	Seq             uint64    `json:"seq"`
	CorrelationID   string    `json:"cid,omitempty"`
	SenderID        string    `json:"from"`
	RecipientID     string    `json:"to"`
	ConversationTag string    `json:"tag,omitempty"`
	Content         string    `json:"content"`
	Status          string    `json:"status"`
	Read            bool      `json:"read"`
	ReadAt          *int64    `json:"read_at,omitempty"`
	DeliveredAt     *int64    `json:"delivered_at,omitempty"`
	At              int64     `json:"at"`
}

// StoreMessage persists a message and assigns its sequence number.
// Keys:
//
//	msg:{uuid}                        the record
//	pair:{a|b}:{seq_padded}           conversation index
//	tag:{len}:{tag}:{seq_padded}      conversation-scope index
//
// The 20-digit zero padding keeps lexicographical order equal to sequence order.
func (m *MessageRepository) StoreMessage(ctx context.Context, message domain.Message) (domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return domain.Message{}, err
	}
	seq, err := m.seq.Next()
	if err != nil {
		return domain.Message{}, fmt.Errorf("next sequence: %w", err)
	}
	// Sequence starts at 0, keep 0 for "not persisted"
	message.Seq = seq + 1

	bytes, err := json.Marshal(fromMessage(message))
	if err != nil {
		return domain.Message{}, err
	}
	err = m.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(messageKey(message.ID), bytes); err != nil {
			return err
		}
		pairIdx := pairIndexKey(domain.PairKey(message.SenderID, message.RecipientID), message.Seq)
		if err := txn.Set(pairIdx, message.ID[:]); err != nil {
			return err
		}
		if message.ConversationTag != "" {
			return txn.Set(tagIndexKey(message.ConversationTag, message.Seq), message.ID[:])
		}
		return nil
	})
	if err != nil {
		return domain.Message{}, err
	}
	return message, nil
}

func (m *MessageRepository) GetMessage(ctx context.Context, id uuid.UUID) (domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return domain.Message{}, err
	}
	var message domain.Message
	err := m.db.View(func(txn *badger.Txn) error {
		var err error
		message, err = getMessage(txn, id)
		return err
	})
	return message, err
}

// MarkDelivered moves a message from sent to delivered.
// changed is false when the message already left the sent state, which makes
// concurrent confirmations first-wins.
func (m *MessageRepository) MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) (domain.Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Message{}, false, err
	}
	var message domain.Message
	var changed bool
	err := m.update(func(txn *badger.Txn) error {
		changed = false
		current, err := getMessage(txn, id)
		if err != nil {
			return err
		}
		message = current
		if current.Status != domain.StatusSent {
			return nil
		}
		current.Status = domain.StatusDelivered
		current.DeliveredAt = lo.ToPtr(at.UTC())
		if err := putMessage(txn, current); err != nil {
			return err
		}
		message, changed = current, true
		return nil
	})
	return message, changed, err
}

// MarkRead flags every unread message of ids in a single transaction.
// The whole batch fails if any id is unknown or addressed to someone else.
// Only the messages that changed are returned.
func (m *MessageRepository) MarkRead(ctx context.Context, ids []uuid.UUID, readerID string, at time.Time) ([]domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var affected []domain.Message
	err := m.update(func(txn *badger.Txn) error {
		affected = nil
		for _, id := range ids {
			current, err := getMessage(txn, id)
			if err != nil {
				return err
			}
			if current.RecipientID != readerID {
				return errors.ErrNotRecipient
			}
			if current.Read {
				continue
			}
			current.Read = true
			current.Status = domain.StatusRead
			current.ReadAt = lo.ToPtr(at.UTC())
			if err := putMessage(txn, current); err != nil {
				return err
			}
			affected = append(affected, current)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return affected, nil
}

// ListMessages scans the pair index (or the tag index when no pair is given)
// backwards from the newest entry, stops at the limit and returns the page in
// ascending order.
func (m *MessageRepository) ListMessages(ctx context.Context, filter domain.MessageFilter) ([]domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var prefix []byte
	switch {
	case filter.HasPair():
		prefix = []byte(fmt.Sprintf("pair:%s:", domain.PairKey(filter.ParticipantA, filter.ParticipantB)))
	case filter.ConversationTag != "":
		prefix = tagPrefix(filter.ConversationTag)
	default:
		return nil, errors.Validation(fmt.Errorf("filter needs a participant pair or a conversation tag"))
	}
	limit := filter.Limit
	if limit <= 0 && m.limitMessages != nil {
		limit = *m.limitMessages
	}

	var messages []domain.Message
	err := m.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		options.PrefetchValues = false
		it := txn.NewIterator(options)
		defer it.Close()

		for it.Seek(append(prefix, []byte(seekLast)...)); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(messages) == limit {
				m.log.Debug(fmt.Sprintf("Maximum of %d message reached", limit))
				break
			}
			var id uuid.UUID
			if err := it.Item().Value(func(val []byte) error {
				var err error
				id, err = uuid.FromBytes(val)
				return err
			}); err != nil {
				return err
			}
			message, err := getMessage(txn, id)
			if err != nil {
				return err
			}
			if filter.HasPair() && filter.ConversationTag != "" && message.ConversationTag != filter.ConversationTag {
				continue
			}
			messages = append(messages, message)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ascending(messages), nil
}

// update retries optimistic transaction conflicts, which happen when a delivery
// confirmation and a read receipt touch the same message concurrently.
func (m *MessageRepository) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		err = m.db.Update(fn)
		if !goerrors.Is(err, badger.ErrConflict) {
			return err
		}
		m.log.Debug("Badger transaction conflict, retrying", "attempt", i+1)
	}
	return err
}

// ascending flips a newest-first page in place.
func ascending(messages []domain.Message) []domain.Message {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages
}

func getMessage(txn *badger.Txn, id uuid.UUID) (domain.Message, error) {
	item, err := txn.Get(messageKey(id))
	if goerrors.Is(err, badger.ErrKeyNotFound) {
		return domain.Message{}, fmt.Errorf("%w: %s", errors.ErrMessageNotFound, id)
	}
	if err != nil {
		return domain.Message{}, err
	}
	var disk DiskMessage
	if err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &disk)
	}); err != nil {
		return domain.Message{}, err
	}
	return toMessage(disk), nil
}

func putMessage(txn *badger.Txn, message domain.Message) error {
	bytes, err := json.Marshal(fromMessage(message))
	if err != nil {
		return err
	}
	return txn.Set(messageKey(message.ID), bytes)
}

func messageKey(id uuid.UUID) []byte {
	return []byte("msg:" + id.String())
}

func pairIndexKey(pair string, seq uint64) []byte {
	return []byte(fmt.Sprintf("pair:%s:%020d", pair, seq))
}

// The tag length is part of the prefix so that tag "a" never matches "a:b".
func tagPrefix(tag string) []byte {
	return []byte(fmt.Sprintf("tag:%d:%s:", len(tag), tag))
}

func tagIndexKey(tag string, seq uint64) []byte {
	return append(tagPrefix(tag), []byte(fmt.Sprintf("%020d", seq))...)
}

func fromMessage(message domain.Message) DiskMessage {
	return DiskMessage{
		ID:              message.ID,
		Seq:             message.Seq,
		CorrelationID:   message.CorrelationID,
		SenderID:        message.SenderID,
		RecipientID:     message.RecipientID,
		ConversationTag: message.ConversationTag,
		Content:         message.Content,
		Status:          string(message.Status),
		Read:            message.Read,
		ReadAt:          toNanos(message.ReadAt),
		DeliveredAt:     toNanos(message.DeliveredAt),
		At:              message.Timestamp.UnixNano(),
	}
}

func toMessage(disk DiskMessage) domain.Message {
	return domain.Message{
		ID:              disk.ID,
		Seq:             disk.Seq,
		CorrelationID:   disk.CorrelationID,
		SenderID:        disk.SenderID,
		RecipientID:     disk.RecipientID,
		ConversationTag: disk.ConversationTag,
		Content:         disk.Content,
		Status:          domain.Status(disk.Status),
		Read:            disk.Read,
		ReadAt:          fromNanos(disk.ReadAt),
		DeliveredAt:     fromNanos(disk.DeliveredAt),
		Timestamp:       time.Unix(0, disk.At).UTC(),
	}
}

func toNanos(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	return lo.ToPtr(t.UnixNano())
}

func fromNanos(n *int64) *time.Time {
	if n == nil {
		return nil
	}
	return lo.ToPtr(time.Unix(0, *n).UTC())
}
