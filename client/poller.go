package client

import (
	"chat-relay/domain"
	"context"
	"log/slog"
	"time"
)

const (
	DefaultPollThreshold = 10 * time.Second
	DefaultPollInterval  = 5 * time.Second
)

// Fetcher reads history, HistoryClient is the production one.
type Fetcher interface {
	Fetch(ctx context.Context, query domain.HistoryQuery) ([]domain.Message, error)
}

// DisconnectionClock is what the poller reads from the Channel.
type DisconnectionClock interface {
	DisconnectedSince() (time.Time, bool)
}

// Poller re-fetches history on a fixed interval while the channel has been
// disconnected for longer than the threshold. It does nothing while the
// channel is up.
type Poller struct {
	channel   DisconnectionClock
	fetcher   Fetcher
	query     domain.HistoryQuery
	threshold time.Duration
	interval  time.Duration
	now       func() time.Time
	onHistory func([]domain.Message)
	log       *slog.Logger
}

func NewPoller(channel DisconnectionClock, fetcher Fetcher, query domain.HistoryQuery, onHistory func([]domain.Message), log *slog.Logger) *Poller {
	return &Poller{
		channel:   channel,
		fetcher:   fetcher,
		query:     query,
		threshold: DefaultPollThreshold,
		interval:  DefaultPollInterval,
		now:       time.Now,
		onHistory: onHistory,
		log:       log,
	}
}

func (p *Poller) WithTiming(threshold, interval time.Duration, now func() time.Time) *Poller {
	p.threshold = threshold
	p.interval = interval
	if now != nil {
		p.now = now
	}
	return p
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll fetches once when the channel has been down long enough and reports
// whether it did.
func (p *Poller) Poll(ctx context.Context) bool {
	since, down := p.channel.DisconnectedSince()
	if !down || p.now().Sub(since) < p.threshold {
		return false
	}
	messages, err := p.fetcher.Fetch(ctx, p.query)
	if err != nil {
		p.log.Warn("Fallback history fetch failed", "error", err)
		return true
	}
	p.log.Debug("Fallback history fetched", "count", len(messages))
	p.onHistory(messages)
	return true
}
