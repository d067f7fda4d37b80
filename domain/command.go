package domain

import (
	"chat-relay/errors"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var validate = validator.New()

// SendMessageCommand is a validated intent to deliver Content to RecipientID.
type SendMessageCommand struct {
	SenderID        string `validate:"required"`
	RecipientID     string `validate:"required"`
	Content         string `validate:"required"`
	CorrelationID   string
	ConversationTag string `validate:"max=128"`
	// OriginConnID is the connection the command arrived on, excluded from the
	// sender's own echo.
	OriginConnID uuid.UUID
}

// Normalize trims the content and checks the command.
// maxContentLength counts runes, a value <= 0 means DefaultMaxContentLength.
func (c SendMessageCommand) Normalize(maxContentLength int) (SendMessageCommand, error) {
	if maxContentLength <= 0 {
		maxContentLength = DefaultMaxContentLength
	}
	c.Content = strings.TrimSpace(c.Content)
	c.RecipientID = strings.TrimSpace(c.RecipientID)
	c.ConversationTag = strings.TrimSpace(c.ConversationTag)

	if c.RecipientID == "" {
		return c, errors.ErrMissingRecipient
	}
	if c.Content == "" {
		return c, errors.ErrEmptyContent
	}
	if utf8.RuneCountInString(c.Content) > maxContentLength {
		return c, errors.ErrContentTooLong
	}
	if err := validate.Struct(c); err != nil {
		return c, errors.Validation(err)
	}
	return c, nil
}

// MarkReadCommand flags a batch of messages as read by ReaderID.
type MarkReadCommand struct {
	MessageIDs []string `validate:"required,min=1,dive,required"`
	ReaderID   string   `validate:"required"`
}

// Parse checks the command and returns the de-duplicated ids in request order.
func (c MarkReadCommand) Parse() ([]uuid.UUID, error) {
	if len(c.MessageIDs) == 0 {
		return nil, errors.ErrEmptyMessageIDs
	}
	if strings.TrimSpace(c.ReaderID) == "" {
		return nil, errors.ErrMissingReader
	}
	if err := validate.Struct(c); err != nil {
		return nil, errors.Validation(err)
	}
	seen := make(map[uuid.UUID]struct{}, len(c.MessageIDs))
	ids := make([]uuid.UUID, 0, len(c.MessageIDs))
	for _, raw := range c.MessageIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, errors.ErrMalformedMessageID
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

// ConfirmDeliveryCommand is sent back by a recipient connection after a fan-out.
type ConfirmDeliveryCommand struct {
	MessageID   string
	RecipientID string
}

// HistoryQuery is the listMessages filter.
// PeerID selects the conversation between UserID and PeerID, ConversationTag narrows
// it (or selects by tag alone when PeerID is empty).
type HistoryQuery struct {
	UserID          string
	PeerID          string
	ConversationTag string
	Limit           int
}

// MessageFilter is the store level filter. At least one field must be set.
type MessageFilter struct {
	ConversationTag string
	ParticipantA    string
	ParticipantB    string
	Limit           int
}

func (f MessageFilter) HasPair() bool {
	return f.ParticipantA != "" && f.ParticipantB != ""
}
