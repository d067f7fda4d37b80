package runtime

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// engineMetrics holds the delivery counters.
type engineMetrics struct {
	sent      metric.Int64Counter
	delivered metric.Int64Counter
	read      metric.Int64Counter
	failures  metric.Int64Counter
}

func newEngineMetrics(meter metric.Meter) (*engineMetrics, error) {
	m := &engineMetrics{}
	var err error

	if m.sent, err = meter.Int64Counter("chat.messages.sent",
		metric.WithDescription("Messages persisted and acknowledged to their sender")); err != nil {
		return nil, fmt.Errorf("failed to create sent counter: %w", err)
	}
	if m.delivered, err = meter.Int64Counter("chat.messages.delivered",
		metric.WithDescription("Messages confirmed by a recipient connection")); err != nil {
		return nil, fmt.Errorf("failed to create delivered counter: %w", err)
	}
	if m.read, err = meter.Int64Counter("chat.messages.read",
		metric.WithDescription("Messages marked as read")); err != nil {
		return nil, fmt.Errorf("failed to create read counter: %w", err)
	}
	if m.failures, err = meter.Int64Counter("chat.send.failures",
		metric.WithDescription("Rejected or failed send requests")); err != nil {
		return nil, fmt.Errorf("failed to create failures counter: %w", err)
	}
	return m, nil
}

func (m *engineMetrics) failed(ctx context.Context, code string) {
	m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}
