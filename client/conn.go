package client

import (
	"chat-relay/errors"
	"chat-relay/infrastructure/ws/protocol"
	"context"
	goerrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is one live connection to the relay. It never reconnects by
// itself: once Done is closed the Channel decides what happens next.
type Transport interface {
	// Request sends the frame and waits for its ack.
	Request(ctx context.Context, frameType string, payload any) (protocol.AckPayload, error)
	// Notify sends a frame that expects no answer.
	Notify(frameType string, payload any) error
	Done() <-chan struct{}
	Close() error
}

// FrameHandler receives every server pushed frame with the transport it came on.
type FrameHandler func(Transport, protocol.Frame)

// Dialer opens a transport, handing every server pushed frame to onFrame.
type Dialer func(ctx context.Context, token string, onFrame FrameHandler) (Transport, error)

// RemoteError is an ack with ok=false.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("server refused request: %s (%s)", e.Message, e.Code)
}

// Retryable reports whether sending the same request again may succeed.
func (e *RemoteError) Retryable() bool {
	return errors.IsRetryable(e.Code)
}

func (e *RemoteError) Is(target error) bool {
	switch target {
	case errors.ErrValidation:
		return !e.Retryable()
	case errors.ErrRateLimited:
		return e.Code == "rate_limited"
	case errors.ErrPersistence:
		return e.Code == "persistence" || e.Code == "persistence_timeout"
	}
	return false
}

// IsFinal reports whether err is a rejection that no retry can fix.
func IsFinal(err error) bool {
	var remote *RemoteError
	return goerrors.As(err, &remote) && !remote.Retryable()
}

// WebsocketDialer returns a Dialer for url, passing the token in the
// Authorization header.
func WebsocketDialer(url string, log *slog.Logger) Dialer {
	return func(ctx context.Context, token string, onFrame FrameHandler) (Transport, error) {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+token)
		ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return nil, errors.NewAuthError(errors.InvalidSignature, err)
			}
			return nil, err
		}
		return newConn(ws, onFrame, log), nil
	}
}

type conn struct {
	ws      *websocket.Conn
	onFrame FrameHandler
	log     *slog.Logger

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan protocol.AckPayload

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, onFrame FrameHandler, log *slog.Logger) *conn {
	c := &conn{
		ws:      ws,
		onFrame: onFrame,
		log:     log,
		pending: make(map[string]chan protocol.AckPayload),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *conn) readLoop() {
	defer c.shutdown()
	for {
		var frame protocol.Frame
		if err := c.ws.ReadJSON(&frame); err != nil {
			c.log.Debug("Connection lost", "error", err)
			return
		}
		if frame.Type != protocol.Ack {
			c.onFrame(c, frame)
			continue
		}
		var ack protocol.AckPayload
		if err := frame.Decode(&ack); err != nil {
			c.log.Warn("Malformed ack", "ack_id", frame.AckID, "error", err)
			continue
		}
		c.mu.Lock()
		waiter, ok := c.pending[frame.AckID]
		delete(c.pending, frame.AckID)
		c.mu.Unlock()
		if ok {
			waiter <- ack
		}
	}
}

func (c *conn) Request(ctx context.Context, frameType string, payload any) (protocol.AckPayload, error) {
	ackID := strconv.FormatUint(c.nextID.Add(1), 10)
	waiter := make(chan protocol.AckPayload, 1)
	c.mu.Lock()
	c.pending[ackID] = waiter
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, ackID)
		c.mu.Unlock()
	}()

	if err := c.write(frameType, ackID, payload); err != nil {
		return protocol.AckPayload{}, err
	}
	select {
	case ack := <-waiter:
		if !ack.OK {
			return ack, &RemoteError{Code: ack.Code, Message: ack.Error}
		}
		return ack, nil
	case <-c.done:
		return protocol.AckPayload{}, errors.ErrConnectionClosed
	case <-ctx.Done():
		return protocol.AckPayload{}, fmt.Errorf("%w: %s", errors.ErrDeliveryTimeout, frameType)
	}
}

func (c *conn) Notify(frameType string, payload any) error {
	return c.write(frameType, "", payload)
}

func (c *conn) write(frameType, ackID string, payload any) error {
	frame, err := protocol.NewFrame(frameType, ackID, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return errors.ErrConnectionClosed
	default:
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.ws.WriteJSON(frame); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrConnectionClosed, err)
	}
	return nil
}

func (c *conn) Done() <-chan struct{} { return c.done }

func (c *conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.shutdown()
	return nil
}

func (c *conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
