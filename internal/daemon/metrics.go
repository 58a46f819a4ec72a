package daemon

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DaemonMetrics holds process lifecycle metrics using OTEL semantic conventions
type DaemonMetrics struct {
	actorExits       metric.Int64Counter
	shutdownDuration metric.Float64Histogram
}

// NewDaemonMetrics creates daemon metrics on the global meter provider
func NewDaemonMetrics() (*DaemonMetrics, error) {
	return newDaemonMetrics(otel.Meter("kredo.daemon"))
}

func newDaemonMetrics(meter metric.Meter) (*DaemonMetrics, error) {
	actorExits, err := meter.Int64Counter(
		"kredo.daemon.actor.exits",
		metric.WithDescription("Number of daemon actors that stopped"),
		metric.WithUnit("{actor}"),
	)
	if err != nil {
		return nil, err
	}

	shutdownDuration, err := meter.Float64Histogram(
		"kredo.daemon.shutdown.duration",
		metric.WithDescription("Duration of graceful server shutdown"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &DaemonMetrics{
		actorExits:       actorExits,
		shutdownDuration: shutdownDuration,
	}, nil
}

// RecordActorExit records an actor stopping, with error.type on failure
func (m *DaemonMetrics) RecordActorExit(ctx context.Context, actor string, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("actor", actor),
		attribute.String("status", "success"),
	}
	if err != nil {
		attrs[1] = attribute.String("status", "failure")
		attrs = append(attrs, attribute.String("error.type", errorType(err)))
	}
	m.actorExits.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordShutdownDuration records how long a server took to drain
func (m *DaemonMetrics) RecordShutdownDuration(ctx context.Context, server string, seconds float64) {
	m.shutdownDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("server", server)),
	)
}

func errorType(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
