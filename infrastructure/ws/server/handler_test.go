package server

import (
	"chat-relay/auth"
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/infrastructure/ws/protocol"
	"chat-relay/repositories"
	"chat-relay/runtime"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

type everyone struct{}

func (everyone) UserExists(context.Context, string) (bool, error) { return true, nil }

type fixture struct {
	url      string
	tokens   *auth.TokenManager
	registry *runtime.Registry
}

func newFixture(t *testing.T, config Config) fixture {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := repositories.NewMessageRepository(db, log, nil)
	require.NoError(t, err)

	registry := runtime.NewRegistry(nil)
	engine, err := runtime.NewEngine(store, everyone{}, registry, log)
	require.NoError(t, err)
	tokens := auth.NewTokenManager("test-secret", time.Hour)

	e := echo.New()
	e.GET("/ws", NewHandler(engine, registry, config, log).Handle, auth.Middleware(tokens))
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	return fixture{url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", tokens: tokens, registry: registry}
}

type client struct {
	t        *testing.T
	conn     *websocket.Conn
	seq      int
	snapshot []string
}

func (f fixture) dial(t *testing.T, userID string) *client {
	t.Helper()
	token, err := f.tokens.GenerateToken(userID, nil)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(f.url+"?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	c := &client{t: t, conn: conn}

	// The snapshot is queued once the connection is registered.
	var snapshot event.OnlineUsers
	require.NoError(t, c.next(string(event.OnlineUsersType)).Decode(&snapshot))
	c.snapshot = snapshot.UserIDs
	return c
}

// request sends a frame with a fresh ack id and returns that id.
func (c *client) request(frameType string, payload any) string {
	c.t.Helper()
	c.seq++
	ackID := strings.Repeat("a", c.seq)
	frame, err := protocol.NewFrame(frameType, ackID, payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(frame))
	return ackID
}

// next reads frames until one of the given type shows up.
func (c *client) next(frameType string) protocol.Frame {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var frame protocol.Frame
		require.NoError(c.t, c.conn.ReadJSON(&frame))
		if frame.Type == frameType {
			return frame
		}
	}
}

func (c *client) ack(ackID string) protocol.AckPayload {
	c.t.Helper()
	for {
		frame := c.next(protocol.Ack)
		if frame.AckID != ackID {
			continue
		}
		var ack protocol.AckPayload
		require.NoError(c.t, frame.Decode(&ack))
		return ack
	}
}

func TestHandler_Refuses_Missing_Token_Before_Upgrade(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Config{})

	_, resp, err := websocket.DefaultDialer.Dial(f.url, nil)

	req.ErrorIs(err, websocket.ErrBadHandshake)
	req.Equal(http.StatusUnauthorized, resp.StatusCode)
	req.Empty(f.registry.AllOnline())
}

func TestHandler_Sends_Online_Snapshot_On_Connect(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Config{})
	f.dial(t, "bob")

	alice := f.dial(t, "alice")

	req.Equal([]string{"alice", "bob"}, alice.snapshot)
}

func TestHandler_Message_Walk(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Config{})
	sam := f.dial(t, "sam")
	rita := f.dial(t, "rita")

	// When sam sends a message
	ackID := sam.request(protocol.SendMessage, protocol.SendMessagePayload{RecipientID: "rita", Content: " hi ", CorrelationID: "c1"})

	// Then sam is acked with the durable message
	ack := sam.ack(ackID)
	req.True(ack.OK)
	var saved domain.Message
	req.NoError(json.Unmarshal(ack.Data, &saved))
	req.Equal("c1", saved.CorrelationID)
	req.Equal("hi", saved.Content)
	req.Equal(domain.StatusSent, saved.Status)

	// And rita receives it
	var created event.MessageCreated
	req.NoError(rita.next(string(event.NewMessageType)).Decode(&created))
	req.Equal(saved.ID, created.Message.ID)

	// When rita confirms and reads it
	rita.request(protocol.MessageDelivered, protocol.MessageDeliveredPayload{MessageID: saved.ID.String()})
	var delivered event.StatusChanged
	req.NoError(sam.next(string(event.MessageStatusChangedType)).Decode(&delivered))
	req.Equal(domain.StatusDelivered, delivered.Status)

	readAck := rita.request(protocol.MarkAsRead, protocol.MarkAsReadPayload{MessageIDs: []string{saved.ID.String()}})
	ack = rita.ack(readAck)
	req.True(ack.OK)
	var result protocol.MarkAsReadResult
	req.NoError(json.Unmarshal(ack.Data, &result))
	req.Equal([]string{saved.ID.String()}, result.MessageIDs)

	// Then sam sees the read batch
	var batch event.MessagesRead
	req.NoError(sam.next(string(event.MessagesReadType)).Decode(&batch))
	req.Equal("rita", batch.ReaderID)
	req.Len(batch.MessageIDs, 1)
}

func TestHandler_Rejections_Are_Acked(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Config{})
	sam := f.dial(t, "sam")

	ack := sam.ack(sam.request(protocol.SendMessage, protocol.SendMessagePayload{RecipientID: "rita", Content: "   "}))
	req.False(ack.OK)
	req.Equal("validation", ack.Code)

	ack = sam.ack(sam.request("shout", map[string]string{}))
	req.False(ack.OK)
	req.Equal("validation", ack.Code)

	ack = sam.ack(sam.request(protocol.MarkAsRead, nil))
	req.False(ack.OK)
	req.Equal("validation", ack.Code)
}

func TestHandler_Rate_Limits_Inbound_Frames(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Config{RateLimit: 0.01, RateBurst: 1})
	sam := f.dial(t, "sam")

	first := sam.request(protocol.SendMessage, protocol.SendMessagePayload{RecipientID: "rita", Content: "one"})
	second := sam.request(protocol.SendMessage, protocol.SendMessagePayload{RecipientID: "rita", Content: "two"})

	req.True(sam.ack(first).OK)
	limited := sam.ack(second)
	req.False(limited.OK)
	req.Equal("rate_limited", limited.Code)
}

func TestHandler_Unregisters_On_Close(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Config{})
	sam := f.dial(t, "sam")
	req.True(f.registry.IsOnline("sam"))

	_ = sam.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = sam.conn.Close()

	req.Eventually(func() bool { return !f.registry.IsOnline("sam") }, 2*time.Second, 10*time.Millisecond)
}
