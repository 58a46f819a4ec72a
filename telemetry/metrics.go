package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// AttributionMetrics holds the attribution pipeline instruments
type AttributionMetrics struct {
	// Counters
	TouchpointsIngested metric.Int64Counter
	DecisionsCommitted  metric.Int64Counter
	DecisionsFallback   metric.Int64Counter
	IntakeRejected      metric.Int64Counter

	// Histograms
	AttributionDuration metric.Float64Histogram
	Confidence          metric.Int64Histogram
}

// Metrics is the process-wide instrument set. It starts on the global
// delegating meter and is rebuilt by InitOTEL.
var Metrics = mustInitMetrics()

func mustInitMetrics() *AttributionMetrics {
	m, err := InitAttributionMetrics(Meter)
	if err != nil {
		panic(err)
	}
	return m
}

// InitAttributionMetrics creates all attribution instruments on meter
func InitAttributionMetrics(meter metric.Meter) (*AttributionMetrics, error) {
	m := &AttributionMetrics{}

	if err := m.initCounters(meter); err != nil {
		return nil, err
	}
	if err := m.initHistograms(meter); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *AttributionMetrics) initCounters(meter metric.Meter) error {
	var err error

	m.TouchpointsIngested, err = meter.Int64Counter(
		"kredo.touchpoints.ingested",
		metric.WithDescription("Touchpoints appended to the event store"),
		metric.WithUnit("{touchpoint}"),
	)
	if err != nil {
		return err
	}

	m.DecisionsCommitted, err = meter.Int64Counter(
		"kredo.decisions.committed",
		metric.WithDescription("Attribution decisions committed, including supersedes"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return err
	}

	m.DecisionsFallback, err = meter.Int64Counter(
		"kredo.decisions.fallback",
		metric.WithDescription("Attribution runs that produced the fallback decision"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return err
	}

	m.IntakeRejected, err = meter.Int64Counter(
		"kredo.touchpoints.rejected",
		metric.WithDescription("Journey intake payloads rejected as malformed"),
		metric.WithUnit("{touchpoint}"),
	)
	return err
}

func (m *AttributionMetrics) initHistograms(meter metric.Meter) error {
	var err error

	m.AttributionDuration, err = meter.Float64Histogram(
		"kredo.attribution.duration",
		metric.WithDescription("Time spent producing one attribution decision"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	m.Confidence, err = meter.Int64Histogram(
		"kredo.attribution.confidence",
		metric.WithDescription("Confidence of committed decisions"),
		metric.WithUnit("1"),
		metric.WithExplicitBucketBoundaries(0, 25, 50, 70, 85, 100),
	)
	return err
}

// RecordIngested counts one stored touchpoint
func (m *AttributionMetrics) RecordIngested(ctx context.Context, kind string, hasCampaign bool) {
	m.TouchpointsIngested.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", kind),
		attribute.Bool("has_campaign", hasCampaign),
	))
}

// RecordRejected counts one malformed intake payload
func (m *AttributionMetrics) RecordRejected(ctx context.Context, reason string) {
	m.IntakeRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordCommitted counts a committed decision and its confidence
func (m *AttributionMetrics) RecordCommitted(ctx context.Context, model string, superseded bool, confidence int) {
	outcome := "committed"
	if superseded {
		outcome = "superseded"
	}
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("outcome", outcome),
	)
	m.DecisionsCommitted.Add(ctx, 1, attrs)
	m.Confidence.Record(ctx, int64(confidence), metric.WithAttributes(attribute.String("model", model)))
}

// RecordFallback counts a fallback with its cause
func (m *AttributionMetrics) RecordFallback(ctx context.Context, reason string) {
	m.DecisionsFallback.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordDuration records attribution latency in seconds
func (m *AttributionMetrics) RecordDuration(ctx context.Context, path string, seconds float64) {
	m.AttributionDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("path", path)))
}
