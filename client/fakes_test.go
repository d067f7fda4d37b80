package client

import (
	"chat-relay/auth"
	"chat-relay/domain/event"
	"chat-relay/infrastructure/ws/protocol"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

var testLog = logs.GetLoggerFromLevel(slog.LevelDebug)

type sent struct {
	frameType string
	payload   any
}

type fakeTransport struct {
	mu       sync.Mutex
	requests []sent
	notified []sent
	answer   func(ctx context.Context, frameType string, payload any) (protocol.AckPayload, error)
	done     chan struct{}
	once     sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{done: make(chan struct{})}
}

func (t *fakeTransport) Request(ctx context.Context, frameType string, payload any) (protocol.AckPayload, error) {
	t.mu.Lock()
	t.requests = append(t.requests, sent{frameType: frameType, payload: payload})
	answer := t.answer
	t.mu.Unlock()
	if answer == nil {
		return protocol.AckPayload{OK: true}, nil
	}
	return answer(ctx, frameType, payload)
}

func (t *fakeTransport) Notify(frameType string, payload any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notified = append(t.notified, sent{frameType: frameType, payload: payload})
	return nil
}

func (t *fakeTransport) Done() <-chan struct{} { return t.done }

func (t *fakeTransport) Close() error {
	t.drop()
	return nil
}

// drop simulates the server going away.
func (t *fakeTransport) drop() {
	t.once.Do(func() { close(t.done) })
}

func (t *fakeTransport) sentRequests() []sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]sent(nil), t.requests...)
}

func (t *fakeTransport) sentNotifications() []sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]sent(nil), t.notified...)
}

// fakeDialer fails the first failures dials, then hands out fresh transports.
type fakeDialer struct {
	mu         sync.Mutex
	calls      int
	failures   int
	err        error
	transports []*fakeTransport
	onFrame    FrameHandler
	answer     func(ctx context.Context, frameType string, payload any) (protocol.AckPayload, error)
}

func (d *fakeDialer) dial(_ context.Context, _ string, onFrame FrameHandler) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.calls <= d.failures {
		return nil, d.err
	}
	transport := newFakeTransport()
	transport.answer = d.answer
	d.transports = append(d.transports, transport)
	d.onFrame = onFrame
	return transport, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

// push delivers a server frame on the last transport.
func (d *fakeDialer) push(t *testing.T, evt event.DomainEvent) {
	t.Helper()
	frame, err := protocol.EventFrame(evt)
	require.NoError(t, err)
	d.mu.Lock()
	onFrame := d.onFrame
	transport := d.transports[len(d.transports)-1]
	d.mu.Unlock()
	onFrame(transport, frame)
}

type noopTimer struct{}

func (noopTimer) Stop() bool { return true }

// manualScheduler records the delays and runs the pending retry on fire.
type manualScheduler struct {
	mu     sync.Mutex
	delays []time.Duration
	next   func()
}

func (s *manualScheduler) schedule(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	s.next = f
	return noopTimer{}
}

func (s *manualScheduler) fire() bool {
	s.mu.Lock()
	f := s.next
	s.next = nil
	s.mu.Unlock()
	if f == nil {
		return false
	}
	f()
	return true
}

func (s *manualScheduler) scheduled() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func tokenFor(t *testing.T, userID string, ttl time.Duration) string {
	t.Helper()
	token, err := auth.NewTokenManager("client-secret", ttl).GenerateToken(userID, nil)
	require.NoError(t, err)
	return token
}
