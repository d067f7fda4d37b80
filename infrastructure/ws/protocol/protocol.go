// Package protocol is the JSON framing spoken on the websocket, on both sides.
//
// Every frame is {type, ack_id?, payload?}. A request carrying an ack_id is
// answered by exactly one ack frame with the same ack_id.
package protocol

import (
	"chat-relay/domain/event"
	"chat-relay/errors"
	"encoding/json"
	"fmt"
)

// Client to server.
const (
	SendMessage      = "sendMessage"
	MarkAsRead       = "markAsRead"
	MessageDelivered = "messageDelivered"
)

// Server to client, next to the event types.
const (
	Ack = "ack"
)

type Frame struct {
	Type    string          `json:"type"`
	AckID   string          `json:"ack_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type SendMessagePayload struct {
	RecipientID     string `json:"recipient_id"`
	Content         string `json:"content"`
	CorrelationID   string `json:"correlation_id"`
	ConversationTag string `json:"conversation_tag,omitempty"`
}

type MarkAsReadPayload struct {
	MessageIDs []string `json:"message_ids"`
}

// MarkAsReadResult is the data of a markAsRead ack: the ids this call changed.
type MarkAsReadResult struct {
	MessageIDs []string `json:"message_ids"`
}

type MessageDeliveredPayload struct {
	MessageID string `json:"message_id"`
}

// AckPayload answers a request. Code is set when OK is false.
type AckPayload struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Code  string          `json:"code,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewFrame(frameType, ackID string, payload any) (Frame, error) {
	frame := Frame{Type: frameType, AckID: ackID}
	if payload == nil {
		return frame, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encoding %s payload: %w", frameType, err)
	}
	frame.Payload = raw
	return frame, nil
}

func EventFrame(evt event.DomainEvent) (Frame, error) {
	return NewFrame(string(evt.EventType()), "", evt)
}

// AckFrame builds the answer to the request ackID: data on success, the error
// message and its wire code otherwise.
func AckFrame(ackID string, data any, err error) (Frame, error) {
	ack := AckPayload{OK: err == nil}
	if err != nil {
		ack.Error = err.Error()
		ack.Code = errors.Code(err)
	} else if data != nil {
		raw, marshalErr := json.Marshal(data)
		if marshalErr != nil {
			return Frame{}, marshalErr
		}
		ack.Data = raw
	}
	return NewFrame(Ack, ackID, ack)
}

// Decode unmarshals the payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", errors.ErrMalformedPayload, f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrMalformedPayload, err)
	}
	return nil
}
