package attribution

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/kredo/telemetry"
	"github.com/yairfalse/kredo/types"
	"github.com/yairfalse/kredo/window"
)

// Fallback reasons
const (
	ReasonNoEligible   = "no_eligible_touchpoints"
	ReasonNoCreditable = "no_creditable_touchpoints"
)

// Input is one run of the engine. Policy is a snapshot taken by the caller.
type Input struct {
	OrderID      string
	Policy       types.WindowPolicy
	ConversionAt time.Time
	History      []types.Touchpoint
}

// Result carries the pre-commit decision and why it fell back, if it did
type Result struct {
	Decision       types.Decision
	Eligible       int
	FallbackReason string
}

// Engine resolves the attribution window and applies the policy's model
type Engine struct {
	logger *telemetry.Logger
	tracer trace.Tracer
}

// NewEngine creates a new attribution engine
func NewEngine() *Engine {
	return &Engine{
		logger: telemetry.NewLogger("attribution-engine"),
		tracer: otel.Tracer("attribution-engine"),
	}
}

// Run is total: every input yields a decision
func (e *Engine) Run(ctx context.Context, in Input) Result {
	ctx, span := e.tracer.Start(ctx, "attribution.attribute",
		trace.WithAttributes(
			attribute.String("order.id", in.OrderID),
			attribute.String("model", string(in.Policy.Model)),
			attribute.Int("history.count", len(in.History)),
		))
	defer span.End()

	eligible := window.Resolve(in.Policy, in.ConversionAt, in.History)
	span.SetAttributes(attribute.Int("eligible.count", len(eligible)))

	d := Attribute(in.Policy.Model, eligible, in.ConversionAt)
	res := Result{Decision: d, Eligible: len(eligible)}

	if d.IsFallback() {
		res.FallbackReason = ReasonNoCreditable
		if len(eligible) == 0 {
			res.FallbackReason = ReasonNoEligible
		}
		telemetry.RecordFallbackEvent(span, in.OrderID, res.FallbackReason)
		telemetry.Metrics.RecordFallback(ctx, res.FallbackReason)
		e.logger.LogFallback(ctx, in.OrderID, res.FallbackReason)
	}

	return res
}
