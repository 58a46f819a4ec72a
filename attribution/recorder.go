package attribution

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/kredo/storage"
	"github.com/yairfalse/kredo/telemetry"
	"github.com/yairfalse/kredo/types"
)

// ReasonAdvisoryUnavailable is attached when the advisor cannot evaluate
const ReasonAdvisoryUnavailable = "advisory_unavailable"

// Advisor produces the release advisory stored with a decision
type Advisor interface {
	Advise(ctx context.Context, d *types.Decision, policy types.WindowPolicy) (*types.Advisory, error)
}

// Auditor appends committed decisions to the audit trail
type Auditor interface {
	RecordCommit(ctx context.Context, res storage.CommitResult) error
}

// Recorder writes decisions. A second commit for the same order supersedes
// the first; the record is all-or-nothing.
type Recorder struct {
	store   storage.DecisionWriter
	advisor Advisor
	auditor Auditor
	logger  *telemetry.Logger
	tracer  trace.Tracer
}

// NewRecorder creates a recorder. advisor and auditor may be nil.
func NewRecorder(store storage.DecisionWriter, advisor Advisor, auditor Auditor) *Recorder {
	return &Recorder{
		store:   store,
		advisor: advisor,
		auditor: auditor,
		logger:  telemetry.NewLogger("attribution-recorder"),
		tracer:  otel.Tracer("attribution-recorder"),
	}
}

// Commit validates, advises and stores d
func (r *Recorder) Commit(ctx context.Context, d types.Decision, policy types.WindowPolicy) (storage.CommitResult, error) {
	ctx, span := r.tracer.Start(ctx, "attribution.commit",
		trace.WithAttributes(attribute.String("order.id", d.OrderID)))
	defer span.End()

	if err := d.Validate(); err != nil {
		span.RecordError(err)
		return storage.CommitResult{}, err
	}

	if r.advisor != nil {
		advisory, err := r.advisor.Advise(ctx, &d, policy)
		if err != nil {
			r.logger.WithContext(ctx).Warn().Err(err).
				Str("order_id", d.OrderID).
				Msg("release advisory failed, holding")
			advisory = &types.Advisory{Decision: types.AdvisoryHold, Reasons: []string{ReasonAdvisoryUnavailable}}
		}
		d.Advisory = advisory
	}

	res, err := r.store.CommitDecision(ctx, d)
	if err != nil {
		span.RecordError(err)
		r.logger.LogStorageError(ctx, "commit_decision", err)
		return storage.CommitResult{}, fmt.Errorf("failed to commit decision: %w", err)
	}

	// The stored record is authoritative; a failed audit append is logged only
	if r.auditor != nil {
		if err := r.auditor.RecordCommit(ctx, res); err != nil {
			r.logger.WithContext(ctx).Error().Err(err).
				Str("order_id", res.Stored.OrderID).
				Int64("version", res.Stored.Version).
				Msg("audit append failed")
		}
	}

	telemetry.Metrics.RecordCommitted(ctx, string(res.Stored.Model), res.Superseded(), res.Stored.Confidence)
	telemetry.RecordDecisionEvent(span, &res.Stored)
	r.logger.LogDecision(ctx, &res.Stored)

	return res, nil
}
