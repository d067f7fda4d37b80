// Package domain contains core concepts of the chat system.
// This file defines Message records and the status lattice they move through.
// No runtime, network, or storage logic should be added here.
package domain

import (
	"time"

	"github.com/google/uuid"
)

const DefaultMaxContentLength = 2000

// Status is the lifecycle position of a message.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusError     Status = "error"
)

// rank orders the forward path of the lattice. Error sits outside of it.
var rank = map[Status]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

func (s Status) Valid() bool {
	if s == StatusError {
		return true
	}
	_, ok := rank[s]
	return ok
}

// CanTransitionTo reports whether moving from s to next respects the lattice
// sending -> sent -> delivered -> read, with error reachable from sending or sent.
// Skipping forward (sent -> read) is allowed, moving backward never is.
func (s Status) CanTransitionTo(next Status) bool {
	if next == StatusError {
		return s == StatusSending || s == StatusSent
	}
	from, ok := rank[s]
	if !ok {
		return false
	}
	to, ok := rank[next]
	if !ok {
		return false
	}
	return to > from
}

// Terminal reports whether no further transition can follow s.
func (s Status) Terminal() bool {
	return s == StatusRead || s == StatusError
}

// Message is one peer-to-peer chat message.
// ID is assigned at persistence time, CorrelationID by the client at creation.
type Message struct {
	ID              uuid.UUID  `json:"id"`
	CorrelationID   string     `json:"correlation_id,omitempty"`
	SenderID        string     `json:"sender_id"`
	RecipientID     string     `json:"recipient_id"`
	ConversationTag string     `json:"conversation_tag,omitempty"`
	Content         string     `json:"content"`
	Status          Status     `json:"status"`
	Read            bool       `json:"read"`
	ReadAt          *time.Time `json:"read_at,omitempty"`
	DeliveredAt     *time.Time `json:"delivered_at,omitempty"`
	Timestamp       time.Time  `json:"timestamp"`
	Seq             uint64     `json:"seq"`
}

// Involves reports whether userID is one of the two parties.
func (m Message) Involves(userID string) bool {
	return m.SenderID == userID || m.RecipientID == userID
}

// PairKey returns an order-independent key for the two participants.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}
