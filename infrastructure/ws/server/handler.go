// Package server upgrades authenticated requests to websocket connections and
// drives the delivery engine from their frames.
package server

import (
	"chat-relay/auth"
	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"chat-relay/infrastructure/ws/protocol"
	"chat-relay/sink"
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/samber/lo"
	"golang.org/x/time/rate"
)

type Config struct {
	BufferSize    int
	WriteTimeout  time.Duration
	PingInterval  time.Duration
	MaxFrameBytes int64
	// RateLimit is the sustained number of inbound frames per second per
	// connection, zero disables the limit.
	RateLimit float64
	RateBurst int
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 64 << 10
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	return c
}

type Handler struct {
	engine   contract.IDeliveryEngine
	registry contract.IRegistry
	upgrader websocket.Upgrader
	config   Config
	log      *slog.Logger
}

func NewHandler(engine contract.IDeliveryEngine, registry contract.IRegistry, config Config, log *slog.Logger) *Handler {
	return &Handler{
		engine:   engine,
		registry: registry,
		config:   config.withDefaults(),
		log:      log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handle is mounted behind auth.Middleware: the identity is already resolved
// and a refused handshake never gets here.
func (h *Handler) Handle(c echo.Context) error {
	identity, ok := auth.IdentityFrom(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, errors.ErrMissingToken.Error())
	}
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.log.Warn("Websocket upgrade failed", "user_id", identity.UserID, "error", err)
		return nil
	}
	h.serve(c.Request().Context(), identity.UserID, ws)
	return nil
}

func (h *Handler) serve(parent context.Context, userID string, ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	conn := &connection{
		handler: h,
		userID:  userID,
		connID:  uuid.New(),
		ws:      ws,
		limiter: h.limiter(),
	}
	conn.sink = sink.NewConnectionSink(userID, conn.connID, h.config.BufferSize, h.log)
	conn.log = h.log.With("user_id", userID, "conn_id", conn.connID)

	h.registry.Register(userID, conn.connID, conn.sink)
	conn.log.Info("Connection registered")
	if err := conn.sink.Consume(ctx, event.OnlineUsers{UserIDs: h.registry.AllOnline()}); err != nil {
		conn.log.Warn("Failed to queue online snapshot", "error", err)
	}

	written := make(chan struct{})
	go func() {
		defer close(written)
		conn.writeLoop()
	}()

	conn.readLoop(ctx)

	h.registry.Unregister(userID, conn.connID)
	conn.sink.Close()
	<-written
	_ = ws.Close()
	conn.log.Info("Connection unregistered")
}

func (h *Handler) limiter() *rate.Limiter {
	if h.config.RateLimit <= 0 {
		return rate.NewLimiter(rate.Inf, h.config.RateBurst)
	}
	return rate.NewLimiter(rate.Limit(h.config.RateLimit), h.config.RateBurst)
}

type connection struct {
	handler *Handler
	userID  string
	connID  uuid.UUID
	ws      *websocket.Conn
	sink    *sink.ConnectionSink
	limiter *rate.Limiter
	log     *slog.Logger
}

// readLoop processes frames one at a time, which keeps the persistence order
// of a connection equal to the order its frames arrived in.
func (c *connection) readLoop(ctx context.Context) {
	cfg := c.handler.config
	c.ws.SetReadLimit(cfg.MaxFrameBytes)
	deadline := func() time.Time { return time.Now().Add(2 * cfg.PingInterval) }
	_ = c.ws.SetReadDeadline(deadline())
	c.ws.SetPongHandler(func(string) error { return c.ws.SetReadDeadline(deadline()) })

	for {
		var frame protocol.Frame
		if err := c.ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("Connection read failed", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(deadline())

		select {
		case <-c.sink.Done():
			return
		default:
		}

		if !c.limiter.Allow() {
			c.log.Debug("Frame rate limited", "type", frame.Type)
			c.reply(frame.AckID, nil, errors.ErrRateLimited)
			continue
		}
		c.dispatch(ctx, frame)
	}
}

func (c *connection) dispatch(ctx context.Context, frame protocol.Frame) {
	engine := c.handler.engine
	switch frame.Type {
	case protocol.SendMessage:
		var payload protocol.SendMessagePayload
		if err := frame.Decode(&payload); err != nil {
			c.reply(frame.AckID, nil, err)
			return
		}
		_, err := engine.Send(ctx, domain.SendMessageCommand{
			SenderID:        c.userID,
			RecipientID:     payload.RecipientID,
			Content:         payload.Content,
			CorrelationID:   payload.CorrelationID,
			ConversationTag: payload.ConversationTag,
			OriginConnID:    c.connID,
		}, func(saved domain.Message) {
			c.reply(frame.AckID, saved, nil)
		})
		if err != nil {
			c.reply(frame.AckID, nil, err)
		}

	case protocol.MarkAsRead:
		var payload protocol.MarkAsReadPayload
		if err := frame.Decode(&payload); err != nil {
			c.reply(frame.AckID, nil, err)
			return
		}
		changed, err := engine.MarkRead(ctx, domain.MarkReadCommand{MessageIDs: payload.MessageIDs, ReaderID: c.userID})
		if err != nil {
			c.reply(frame.AckID, nil, err)
			return
		}
		c.reply(frame.AckID, protocol.MarkAsReadResult{
			MessageIDs: lo.Map(changed, func(m domain.Message, _ int) string { return m.ID.String() }),
		}, nil)

	case protocol.MessageDelivered:
		var payload protocol.MessageDeliveredPayload
		if err := frame.Decode(&payload); err != nil {
			c.reply(frame.AckID, nil, err)
			return
		}
		err := engine.ConfirmDelivery(ctx, domain.ConfirmDeliveryCommand{MessageID: payload.MessageID, RecipientID: c.userID})
		if err != nil {
			c.log.Debug("Delivery confirmation refused", "message_id", payload.MessageID, "error", err)
		}
		c.reply(frame.AckID, nil, err)

	default:
		c.reply(frame.AckID, nil, errors.ErrUnknownEvent)
	}
}

// reply answers the request ackID. Frames sent without an ack id get no answer.
func (c *connection) reply(ackID string, data any, err error) {
	if ackID == "" {
		return
	}
	frame, buildErr := protocol.AckFrame(ackID, data, err)
	if buildErr != nil {
		c.log.Error("Failed to build ack", "ack_id", ackID, "error", buildErr)
		return
	}
	if sendErr := c.sink.Send(frame); sendErr != nil {
		c.log.Debug("Failed to queue ack", "ack_id", ackID, "error", sendErr)
	}
}

func (c *connection) writeLoop() {
	cfg := c.handler.config
	ticker := time.NewTicker(cfg.PingInterval)
	defer ticker.Stop()
	// Unblocks the reader when the writer gives up first.
	defer func() { _ = c.ws.Close() }()

	for {
		select {
		case frame := <-c.sink.Frames():
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.ws.WriteJSON(frame); err != nil {
				c.log.Debug("Connection write failed", "error", err)
				c.sink.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.WriteTimeout)); err != nil {
				c.sink.Close()
				return
			}
		case <-c.sink.Done():
			c.drain()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(cfg.WriteTimeout))
			return
		}
	}
}

// drain flushes what was queued before the sink closed.
func (c *connection) drain() {
	for {
		select {
		case frame := <-c.sink.Frames():
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.handler.config.WriteTimeout))
			if err := c.ws.WriteJSON(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
