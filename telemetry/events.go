package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/kredo/types"
)

// RecordDecisionEvent attaches a committed decision to the span
func RecordDecisionEvent(span trace.Span, d *types.Decision) {
	if span == nil || d == nil {
		return
	}

	span.AddEvent("attribution.decision.committed", trace.WithAttributes(
		attribute.String("event.type", "attribution.decision.committed"),
		attribute.String("order.id", d.OrderID),
		attribute.String("campaign.id", d.CampaignID),
		attribute.String("agency.primary", d.PrimaryAgency),
		attribute.String("model", string(d.Model)),
		attribute.Int("confidence", d.Confidence),
		attribute.Int("touchpoint.count", d.TouchpointCount),
		attribute.Int64("version", d.Version),
	))
}

// RecordFallbackEvent marks why attribution produced no agency
func RecordFallbackEvent(span trace.Span, orderID, reason string) {
	if span == nil {
		return
	}

	span.AddEvent("attribution.fallback", trace.WithAttributes(
		attribute.String("event.type", "attribution.fallback"),
		attribute.String("order.id", orderID),
		attribute.String("reason", reason),
	))
}

// RecordTouchpointEvent marks a stored touchpoint
func RecordTouchpointEvent(span trace.Span, tp *types.Touchpoint) {
	if span == nil || tp == nil {
		return
	}

	span.AddEvent("attribution.touchpoint.tracked", trace.WithAttributes(
		attribute.String("event.type", "attribution.touchpoint.tracked"),
		attribute.String("session.id", tp.SessionID),
		attribute.String("touchpoint.id", tp.ID),
		attribute.String("touchpoint.kind", string(tp.Kind)),
		attribute.String("campaign.id", tp.CampaignID),
		attribute.Int64("sequence", tp.Sequence),
	))
}
