package workers

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/process"
	"go.opentelemetry.io/otel/metric"
)

const DefaultHeartbeatInterval = 30 * time.Second

// ConnectionCounter is the registry seen by the heartbeat.
type ConnectionCounter interface {
	Count() (users int, conns int)
}

// Stats is one heartbeat sample.
type Stats struct {
	Pid         int32
	PidStatus   string
	CPUPercent  float64
	RSSBytes    uint64
	OnlineUsers int
	Connections int
}

type HeartbeatWorker struct {
	log      *slog.Logger
	counter  ConnectionCounter
	interval time.Duration
	users    metric.Int64Gauge
	conns    metric.Int64Gauge
	rss      metric.Int64Gauge
	onSample func(Stats)
}

// NewHeartbeatWorker samples the process and the registry every interval,
// logs the sample and records it on the meter.
func NewHeartbeatWorker(log *slog.Logger, counter ConnectionCounter, meter metric.Meter, interval time.Duration) (*HeartbeatWorker, error) {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	users, err := meter.Int64Gauge("chat.users.online")
	if err != nil {
		return nil, err
	}
	conns, err := meter.Int64Gauge("chat.connections")
	if err != nil {
		return nil, err
	}
	rss, err := meter.Int64Gauge("process.memory.rss", metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}
	return &HeartbeatWorker{
		log:      log,
		counter:  counter,
		interval: interval,
		users:    users,
		conns:    conns,
		rss:      rss,
		onSample: func(Stats) {},
	}, nil
}

// OnSample registers a hook called after every sample.
func (w *HeartbeatWorker) OnSample(fn func(Stats)) *HeartbeatWorker {
	w.onSample = fn
	return w
}

func (w *HeartbeatWorker) Run(ctx context.Context) error {
	w.log.Info("Starting heartbeat worker", "interval", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats, err := w.sample(p)
			if err != nil {
				w.log.Error("Failed to collect self stats", "err", err)
				continue
			}
			w.users.Record(ctx, int64(stats.OnlineUsers))
			w.conns.Record(ctx, int64(stats.Connections))
			w.rss.Record(ctx, int64(stats.RSSBytes))
			w.log.Info("Heartbeat",
				"pid", stats.Pid,
				"status", stats.PidStatus,
				"cpu_percent", stats.CPUPercent,
				"rss_bytes", stats.RSSBytes,
				"online_users", stats.OnlineUsers,
				"connections", stats.Connections,
			)
			w.onSample(stats)
		}
	}
}

func (w *HeartbeatWorker) sample(p *process.Process) (Stats, error) {
	memInfo, err := p.MemoryInfo()
	if err != nil {
		return Stats{}, err
	}
	cpuPercent, err := p.CPUPercent()
	if err != nil {
		return Stats{}, err
	}
	status, err := p.Status()
	if err != nil {
		return Stats{}, err
	}
	users, conns := w.counter.Count()
	return Stats{
		Pid:         p.Pid,
		PidStatus:   status,
		CPUPercent:  cpuPercent,
		RSSBytes:    memInfo.RSS,
		OnlineUsers: users,
		Connections: conns,
	}, nil
}
