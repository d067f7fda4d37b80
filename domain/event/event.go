// Package event defines what the server pushes to connected parties.
package event

import (
	"chat-relay/domain"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	NewMessageType           Type = "newMessage"
	MessageStatusChangedType Type = "messageStatusChanged"
	MessagesReadType         Type = "messagesRead"
	UserOnlineType           Type = "userOnline"
	UserOfflineType          Type = "userOffline"
	OnlineUsersType          Type = "onlineUsers"
)

// DomainEvent is anything a sink can carry to a connection.
type DomainEvent interface {
	EventType() Type
}

// MessageCreated carries a persisted message. Outgoing is set on the copy sent
// to the sender's other connections so they do not render it twice.
type MessageCreated struct {
	Message  domain.Message `json:"message"`
	Outgoing bool           `json:"outgoing"`
}

func (MessageCreated) EventType() Type { return NewMessageType }

type StatusChanged struct {
	MessageID uuid.UUID     `json:"message_id"`
	Status    domain.Status `json:"status"`
	At        time.Time     `json:"at"`
}

func (StatusChanged) EventType() Type { return MessageStatusChangedType }

// MessagesRead is the conversation level counterpart of StatusChanged(read).
type MessagesRead struct {
	MessageIDs []uuid.UUID `json:"message_ids"`
	ReaderID   string      `json:"reader_id"`
	ReadAt     time.Time   `json:"read_at"`
}

func (MessagesRead) EventType() Type { return MessagesReadType }

type PresenceChanged struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

func (p PresenceChanged) EventType() Type {
	if p.Online {
		return UserOnlineType
	}
	return UserOfflineType
}

type OnlineUsers struct {
	UserIDs []string `json:"user_ids"`
}

func (OnlineUsers) EventType() Type { return OnlineUsersType }
