package sinktest

import (
	"chat-relay/domain/event"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTimeline_Records_In_Order(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	timeline := NewTimeline("bob")

	req.NoError(timeline.Consume(ctx, event.PresenceChanged{UserID: "alice", Online: true}))
	req.NoError(timeline.Consume(ctx, event.PresenceChanged{UserID: "alice", Online: false}))

	req.Len(timeline.Events(), 2)
	req.Len(timeline.OfType(event.UserOfflineType), 1)
}
