// Package client is the relay's client side: a channel that keeps one
// websocket alive, the outbox that never loses a user send, and the history
// poller used while the channel is stuck disconnected.
package client

import (
	"chat-relay/auth"
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"chat-relay/infrastructure/ws/protocol"
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	GivenUp      State = "given_up"
)

const (
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultMaxAttempts = 5
	DefaultAckTimeout  = 10 * time.Second
)

type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler func(d time.Duration, f func()) Timer

func afterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Channel is the single authority on reconnection. It waits
// min(base * 2^attempt, max) between attempts and gives up after maxAttempts
// consecutive failures until Reconnect is called.
type Channel struct {
	dial        Dialer
	log         *slog.Logger
	ackTimeout  time.Duration
	maxAttempts int
	backoff     *backoff.ExponentialBackOff
	schedule    Scheduler
	now         func() time.Time

	mu                sync.Mutex
	token             string
	state             State
	attempt           int
	transport         Transport
	generation        int
	timer             Timer
	closed            bool
	online            map[string]struct{}
	latest            *domain.Message
	disconnectedSince time.Time

	listenMu   sync.RWMutex
	onState    []func(State)
	onPresence []func(userID string, online bool)
	onMessage  []func(event.MessageCreated)
	onStatus   []func(event.StatusChanged)
	onRead     []func(event.MessagesRead)
}

type ChannelOption func(*Channel)

func WithBackoff(base, max time.Duration) ChannelOption {
	return func(c *Channel) {
		c.backoff.InitialInterval = base
		c.backoff.MaxInterval = max
	}
}

func WithMaxAttempts(n int) ChannelOption {
	return func(c *Channel) { c.maxAttempts = n }
}

func WithAckTimeout(d time.Duration) ChannelOption {
	return func(c *Channel) { c.ackTimeout = d }
}

func WithScheduler(s Scheduler) ChannelOption {
	return func(c *Channel) { c.schedule = s }
}

func WithClock(now func() time.Time) ChannelOption {
	return func(c *Channel) { c.now = now }
}

func NewChannel(dial Dialer, log *slog.Logger, opts ...ChannelOption) *Channel {
	c := &Channel{
		dial:        dial,
		log:         log,
		ackTimeout:  DefaultAckTimeout,
		maxAttempts: DefaultMaxAttempts,
		backoff: &backoff.ExponentialBackOff{
			InitialInterval:     DefaultBaseDelay,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         DefaultMaxDelay,
		},
		schedule: afterFunc,
		now:      time.Now,
		state:    Disconnected,
		online:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.backoff.Reset()
	c.disconnectedSince = c.now()
	return c
}

// SetToken replaces the bearer token used by the next dial.
func (c *Channel) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Connect dials once. A missing or expired token fails without dialing and
// leaves the channel disconnected. A failed dial schedules the retries.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.ErrConnectionClosed
	}
	if c.state == Connected || c.state == Connecting {
		c.mu.Unlock()
		return nil
	}
	if err := c.checkToken(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()
	return c.dialNow(ctx)
}

// Reconnect is the external trigger: it leaves GivenUp, resets the attempt
// counter and dials right away.
func (c *Channel) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.attempt = 0
	c.backoff.Reset()
	changed := c.state == GivenUp
	if changed {
		c.state = Disconnected
	}
	c.mu.Unlock()
	if changed {
		c.emitState(Disconnected)
	}
	return c.Connect(ctx)
}

// checkToken must be called with mu held.
func (c *Channel) checkToken() error {
	if c.token == "" {
		return errors.NewAuthError(errors.MissingToken, nil)
	}
	expiresAt, err := auth.ExpiresAt(c.token)
	if err != nil {
		return err
	}
	if !expiresAt.After(c.now()) {
		return errors.NewAuthError(errors.Expired, nil)
	}
	return nil
}

func (c *Channel) dialNow(ctx context.Context) error {
	c.mu.Lock()
	token := c.token
	c.state = Connecting
	c.mu.Unlock()
	c.emitState(Connecting)

	transport, err := c.dial(ctx, token, c.handleFrame)
	if err != nil {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return err
		}
		c.state = Disconnected
		c.mu.Unlock()
		c.log.Warn("Connection attempt failed", "error", err)
		c.emitState(Disconnected)
		c.scheduleReconnect()
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = transport.Close()
		return errors.ErrConnectionClosed
	}
	c.generation++
	generation := c.generation
	c.transport = transport
	c.state = Connected
	c.attempt = 0
	c.backoff.Reset()
	c.disconnectedSince = time.Time{}
	c.mu.Unlock()

	c.log.Info("Connected")
	go c.watch(transport, generation)
	c.emitState(Connected)
	return nil
}

// watch turns the end of a transport into a scheduled reconnection.
func (c *Channel) watch(transport Transport, generation int) {
	<-transport.Done()
	c.mu.Lock()
	if c.closed || generation != c.generation {
		c.mu.Unlock()
		return
	}
	c.transport = nil
	c.state = Disconnected
	c.disconnectedSince = c.now()
	c.mu.Unlock()

	c.log.Warn("Connection lost")
	c.emitState(Disconnected)
	c.scheduleReconnect()
}

func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	if c.closed || c.state != Disconnected {
		c.mu.Unlock()
		return
	}
	if c.attempt >= c.maxAttempts {
		c.state = GivenUp
		c.mu.Unlock()
		c.log.Error("Giving up reconnecting", "attempts", c.maxAttempts, "error", errors.ErrGivenUp)
		c.emitState(GivenUp)
		return
	}
	delay := c.backoff.NextBackOff()
	c.attempt++
	attempt := c.attempt
	c.timer = c.schedule(delay, c.retry)
	c.mu.Unlock()
	c.log.Info("Reconnection scheduled", "attempt", attempt, "delay", delay)
}

func (c *Channel) retry() {
	c.mu.Lock()
	c.timer = nil
	if c.closed || c.state != Disconnected {
		c.mu.Unlock()
		return
	}
	if err := c.checkToken(); err != nil {
		c.mu.Unlock()
		c.log.Warn("Not reconnecting without a valid token", "error", err)
		return
	}
	c.mu.Unlock()
	_ = c.dialNow(context.Background())
}

// Close stops the channel for good.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
	transport := c.transport
	c.transport = nil
	c.state = Disconnected
	c.mu.Unlock()

	if transport != nil {
		_ = transport.Close()
	}
	c.emitState(Disconnected)
	return nil
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) Connected() bool {
	return c.State() == Connected
}

// Conn is the live transport, nil when not connected.
func (c *Channel) Conn() Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

// Attempt is the number of reconnections tried since the last success.
func (c *Channel) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// OnlineUsers is the sorted mirror of the server's presence events.
func (c *Channel) OnlineUsers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	users := make([]string, 0, len(c.online))
	for userID := range c.online {
		users = append(users, userID)
	}
	slices.Sort(users)
	return users
}

func (c *Channel) LatestMessage() (domain.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest == nil {
		return domain.Message{}, false
	}
	return *c.latest, true
}

// DisconnectedSince returns when the channel last stopped being connected.
// ok is false while connected.
func (c *Channel) DisconnectedSince() (since time.Time, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Connected {
		return time.Time{}, false
	}
	return c.disconnectedSince, true
}

// Request sends a frame on the live transport and waits at most the ack timeout.
func (c *Channel) Request(ctx context.Context, frameType string, payload any) (protocol.AckPayload, error) {
	transport := c.Conn()
	if transport == nil {
		return protocol.AckPayload{}, errors.ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, c.ackTimeout)
	defer cancel()
	return transport.Request(ctx, frameType, payload)
}

func (c *Channel) OnStateChange(fn func(State)) {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	c.onState = append(c.onState, fn)
}

// OnPresence sees every presence edge. The snapshot sent on each connect is
// compared with the known set and reported as edges too.
func (c *Channel) OnPresence(fn func(userID string, online bool)) {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	c.onPresence = append(c.onPresence, fn)
}

func (c *Channel) OnMessage(fn func(event.MessageCreated)) {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	c.onMessage = append(c.onMessage, fn)
}

func (c *Channel) OnStatusChange(fn func(event.StatusChanged)) {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	c.onStatus = append(c.onStatus, fn)
}

func (c *Channel) OnMessagesRead(fn func(event.MessagesRead)) {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	c.onRead = append(c.onRead, fn)
}

func (c *Channel) emitState(state State) {
	c.listenMu.RLock()
	listeners := slices.Clone(c.onState)
	c.listenMu.RUnlock()
	for _, fn := range listeners {
		fn(state)
	}
}

// handleFrame dispatches a server push. Every incoming message is confirmed
// with messageDelivered, the copies of our own outgoing messages are not.
func (c *Channel) handleFrame(transport Transport, frame protocol.Frame) {
	c.listenMu.RLock()
	onMessage := slices.Clone(c.onMessage)
	onStatus := slices.Clone(c.onStatus)
	onRead := slices.Clone(c.onRead)
	onPresence := slices.Clone(c.onPresence)
	c.listenMu.RUnlock()

	switch event.Type(frame.Type) {
	case event.NewMessageType:
		var created event.MessageCreated
		if !c.decode(frame, &created) {
			return
		}
		c.mu.Lock()
		c.latest = &created.Message
		c.mu.Unlock()
		if !created.Outgoing {
			err := transport.Notify(protocol.MessageDelivered, protocol.MessageDeliveredPayload{MessageID: created.Message.ID.String()})
			if err != nil {
				c.log.Debug("Failed to confirm delivery", "message_id", created.Message.ID, "error", err)
			}
		}
		for _, fn := range onMessage {
			fn(created)
		}

	case event.MessageStatusChangedType:
		var changed event.StatusChanged
		if !c.decode(frame, &changed) {
			return
		}
		for _, fn := range onStatus {
			fn(changed)
		}

	case event.MessagesReadType:
		var read event.MessagesRead
		if !c.decode(frame, &read) {
			return
		}
		for _, fn := range onRead {
			fn(read)
		}

	case event.UserOnlineType, event.UserOfflineType:
		var presence event.PresenceChanged
		if !c.decode(frame, &presence) {
			return
		}
		c.mu.Lock()
		if presence.Online {
			c.online[presence.UserID] = struct{}{}
		} else {
			delete(c.online, presence.UserID)
		}
		c.mu.Unlock()
		for _, fn := range onPresence {
			fn(presence.UserID, presence.Online)
		}

	case event.OnlineUsersType:
		var snapshot event.OnlineUsers
		if !c.decode(frame, &snapshot) {
			return
		}
		c.mu.Lock()
		previous := c.online
		c.online = make(map[string]struct{}, len(snapshot.UserIDs))
		for _, userID := range snapshot.UserIDs {
			c.online[userID] = struct{}{}
		}
		var came, left []string
		for _, userID := range snapshot.UserIDs {
			if _, known := previous[userID]; !known {
				came = append(came, userID)
			}
		}
		for _, userID := range slices.Sorted(maps.Keys(previous)) {
			if _, still := c.online[userID]; !still {
				left = append(left, userID)
			}
		}
		c.mu.Unlock()
		// Listeners only ever see edges, the snapshot is replayed as a diff
		for _, fn := range onPresence {
			for _, userID := range came {
				fn(userID, true)
			}
			for _, userID := range left {
				fn(userID, false)
			}
		}

	default:
		c.log.Debug("Ignoring unknown frame", "type", frame.Type)
	}
}

func (c *Channel) decode(frame protocol.Frame, v any) bool {
	if err := frame.Decode(v); err != nil {
		c.log.Warn("Malformed frame", "type", frame.Type, "error", err)
		return false
	}
	return true
}
