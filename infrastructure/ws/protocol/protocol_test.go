package protocol

import (
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestEventFrame_Uses_Event_Type(t *testing.T) {
	req := require.New(t)
	id := uuid.New()

	frame, err := EventFrame(event.StatusChanged{MessageID: id, Status: domain.StatusDelivered})
	req.NoError(err)
	req.Equal("messageStatusChanged", frame.Type)
	req.Empty(frame.AckID)

	var payload event.StatusChanged
	req.NoError(frame.Decode(&payload))
	req.Equal(id, payload.MessageID)
	req.Equal(domain.StatusDelivered, payload.Status)

	offline, err := EventFrame(event.PresenceChanged{UserID: "bob", Online: false})
	req.NoError(err)
	req.Equal("userOffline", offline.Type)
}

func TestAckFrame(t *testing.T) {
	t.Run("success carries data", func(t *testing.T) {
		req := require.New(t)
		frame, err := AckFrame("7", domain.Message{Content: "hi", Status: domain.StatusSent}, nil)
		req.NoError(err)
		req.Equal(Ack, frame.Type)
		req.Equal("7", frame.AckID)

		var ack AckPayload
		req.NoError(frame.Decode(&ack))
		req.True(ack.OK)
		var message domain.Message
		req.NoError(json.Unmarshal(ack.Data, &message))
		req.Equal(domain.StatusSent, message.Status)
	})

	t.Run("failure carries the wire code", func(t *testing.T) {
		req := require.New(t)
		frame, err := AckFrame("8", nil, errors.ErrUnknownRecipient)
		req.NoError(err)

		var ack AckPayload
		req.NoError(frame.Decode(&ack))
		req.False(ack.OK)
		req.Equal("unknown_recipient", ack.Code)
		req.False(errors.IsRetryable(ack.Code))
	})
}

func TestDecode_Rejects_Malformed_Payload(t *testing.T) {
	req := require.New(t)
	var payload SendMessagePayload

	req.ErrorIs(Frame{Type: SendMessage}.Decode(&payload), errors.ErrMalformedPayload)
	req.ErrorIs(Frame{Type: SendMessage, Payload: json.RawMessage(`{"content":`)}.Decode(&payload), errors.ErrMalformedPayload)
	req.ErrorIs(Frame{Type: SendMessage, Payload: json.RawMessage(`{"content":`)}.Decode(&payload), errors.ErrValidation)
}
