package otel

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the gateway client instruments.
type Metrics struct {
	RequestDuration metric.Float64Histogram
	RequestErrors   metric.Int64Counter
	Handshakes      metric.Int64Counter
	Reconnects      metric.Int64Counter
	ChatEvents      metric.Int64Counter
	Connected       metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("clawlink.request.duration",
		metric.WithDescription("Correlated gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestErrors, err = meter.Int64Counter("clawlink.request.errors",
		metric.WithDescription("Gateway requests that were rejected, timed out or lost"),
	)
	if err != nil {
		return nil, err
	}

	m.Handshakes, err = meter.Int64Counter("clawlink.handshake.total",
		metric.WithDescription("Handshake outcomes"),
	)
	if err != nil {
		return nil, err
	}

	m.Reconnects, err = meter.Int64Counter("clawlink.reconnect.total",
		metric.WithDescription("Scheduled reconnect attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.ChatEvents, err = meter.Int64Counter("clawlink.chat.events",
		metric.WithDescription("Chat events received, by state"),
	)
	if err != nil {
		return nil, err
	}

	m.Connected, err = meter.Int64UpDownCounter("clawlink.connected",
		metric.WithDescription("1 while the gateway session is authenticated"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// ObserveRequest records one correlated request. It satisfies rpc.Observer.
func (m *Metrics) ObserveRequest(ctx context.Context, method string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrMethod.String(method))
	m.RequestDuration.Record(ctx, elapsed.Seconds(), attrs)
	if err != nil {
		m.RequestErrors.Add(ctx, 1, metric.WithAttributes(
			AttrMethod.String(method),
			AttrErrorKind.String(errorKind(err)),
		))
	}
}

// RecordHandshake counts a handshake outcome ("connected" or "failed").
func (m *Metrics) RecordHandshake(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.Handshakes.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(outcome)))
}

// RecordReconnect counts one scheduled reconnect.
func (m *Metrics) RecordReconnect(ctx context.Context) {
	if m == nil {
		return
	}
	m.Reconnects.Add(ctx, 1)
}

// RecordChatEvent counts an inbound chat event by state.
func (m *Metrics) RecordChatEvent(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.ChatEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// SetConnected moves the connected gauge by delta (+1 or -1).
func (m *Metrics) SetConnected(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.Connected.Add(ctx, delta)
}

// ErrorKinder lets error types name their metric label.
type ErrorKinder interface {
	ErrorKind() string
}

func errorKind(err error) string {
	var k ErrorKinder
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return "other"
}
