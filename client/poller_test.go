package client

import (
	"chat-relay/domain"
	"context"
	goerrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeLink struct {
	mu    sync.Mutex
	since time.Time
	down  bool
}

func (l *fakeLink) DisconnectedSince() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.since, l.down
}

type countingFetcher struct {
	calls atomic.Int32
	err   error
}

func (f *countingFetcher) Fetch(context.Context, domain.HistoryQuery) ([]domain.Message, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return []domain.Message{{Content: "hi"}}, nil
}

func TestPoller_Poll(t *testing.T) {
	now := newClock()
	testCases := []struct {
		name        string
		link        *fakeLink
		fetchErr    error
		wantPolled  bool
		wantHistory int
	}{
		{name: "connected", link: &fakeLink{}, wantPolled: false},
		{name: "down under the threshold", link: &fakeLink{since: now.Now().Add(-5 * time.Second), down: true}, wantPolled: false},
		{name: "down over the threshold", link: &fakeLink{since: now.Now().Add(-11 * time.Second), down: true}, wantPolled: true, wantHistory: 1},
		{name: "fetch failure", link: &fakeLink{since: now.Now().Add(-11 * time.Second), down: true}, fetchErr: goerrors.New("boom"), wantPolled: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := require.New(t)
			fetcher := &countingFetcher{err: tc.fetchErr}
			var histories int
			poller := NewPoller(tc.link, fetcher, domain.HistoryQuery{PeerID: "rita"}, func([]domain.Message) { histories++ }, testLog).
				WithTiming(DefaultPollThreshold, DefaultPollInterval, now.Now)

			req.Equal(tc.wantPolled, poller.Poll(context.Background()))
			req.Equal(tc.wantHistory, histories)
		})
	}
}

func TestPoller_Run_Polls_Until_Cancelled(t *testing.T) {
	req := require.New(t)
	fetcher := &countingFetcher{}
	link := &fakeLink{since: time.Now().Add(-time.Minute), down: true}
	poller := NewPoller(link, fetcher, domain.HistoryQuery{}, func([]domain.Message) {}, testLog).
		WithTiming(10*time.Second, 10*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- poller.Run(ctx) }()
	req.Eventually(func() bool { return fetcher.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	req.NoError(<-done)
}
