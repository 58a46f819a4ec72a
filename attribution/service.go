package attribution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/kredo/confidence"
	"github.com/yairfalse/kredo/source"
	"github.com/yairfalse/kredo/storage"
	"github.com/yairfalse/kredo/telemetry"
	"github.com/yairfalse/kredo/types"
)

// DefaultHistoryTimeout bounds the session history read
const DefaultHistoryTimeout = 2 * time.Second

// Options configure a Service
type Options struct {
	HistoryTimeout time.Duration
	Advisor        Advisor
	Auditor        Auditor

	// DefaultPolicy replaces the built-in default for campaigns without one
	DefaultPolicy *types.WindowPolicy
	// Policies override a campaign's own policy, keyed by campaign id
	Policies map[string]types.WindowPolicy
}

// Service tracks journeys and attributes conversions
type Service struct {
	store          storage.Store
	directory      Directory
	engine         *Engine
	recorder       *Recorder
	historyTimeout time.Duration
	defaultPolicy  types.WindowPolicy
	policies       map[string]types.WindowPolicy
	now            func() time.Time
	logger         *telemetry.Logger
	tracer         trace.Tracer
}

// NewService creates a new attribution service
func NewService(store storage.Store, directory Directory, opts Options) *Service {
	timeout := opts.HistoryTimeout
	if timeout <= 0 {
		timeout = DefaultHistoryTimeout
	}
	defaultPolicy := types.DefaultPolicy()
	if opts.DefaultPolicy != nil {
		defaultPolicy = *opts.DefaultPolicy
	}
	return &Service{
		store:          store,
		directory:      directory,
		engine:         NewEngine(),
		recorder:       NewRecorder(store, opts.Advisor, opts.Auditor),
		historyTimeout: timeout,
		defaultPolicy:  defaultPolicy,
		policies:       opts.Policies,
		now:            time.Now,
		logger:         telemetry.NewLogger("attribution-service"),
		tracer:         otel.Tracer("attribution-service"),
	}
}

// Track validates and stores one journey event. A campaign id is resolved
// to the campaign's selected agency now; later reassignment does not
// change stored touchpoints.
func (s *Service) Track(ctx context.Context, req TrackRequest) (types.Touchpoint, error) {
	ctx, span := s.tracer.Start(ctx, "attribution.track",
		trace.WithAttributes(attribute.String("session.id", req.SessionID)))
	defer span.End()

	kind, err := validateTrack(req)
	if err != nil {
		telemetry.Metrics.RecordRejected(ctx, "validation")
		s.logger.LogIntakeRejected(ctx, req.SessionID, err)
		return types.Touchpoint{}, err
	}

	tp := types.Touchpoint{
		SessionID:         strings.TrimSpace(req.SessionID),
		Kind:              kind,
		CustomerEmail:     req.CustomerEmail,
		DeviceFingerprint: req.DeviceFingerprint,
		UTM:               req.UTM,
		PageURL:           req.PageURL,
		ReferrerURL:       req.ReferrerURL,
		IPAddress:         req.IPAddress,
		UserAgent:         req.UserAgent,
		ConversionValue:   req.ConversionValue,
		OrderID:           req.OrderID,
	}

	if req.CampaignID != "" {
		if campaign := s.activeCampaign(ctx, req.CampaignID); campaign != nil {
			tp.CampaignID = campaign.ID
			tp.AgencyID = campaign.SelectedAgencyID
		}
	}

	stored, err := s.store.AppendTouchpoint(ctx, tp)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, types.ErrInvalidTouchpoint) {
			telemetry.Metrics.RecordRejected(ctx, "storage_validation")
			return types.Touchpoint{}, err
		}
		s.logger.LogStorageError(ctx, "append_touchpoint", err)
		return types.Touchpoint{}, fmt.Errorf("failed to store touchpoint: %w", err)
	}

	telemetry.Metrics.RecordIngested(ctx, string(stored.Kind), stored.CampaignID != "")
	telemetry.RecordTouchpointEvent(span, &stored)
	return stored, nil
}

func validateTrack(req TrackRequest) (types.EventKind, error) {
	var fields []types.FieldError
	switch {
	case strings.TrimSpace(req.SessionID) == "":
		fields = append(fields, types.FieldError{Field: "session_id", Msg: "this field is required"})
	case types.HasNUL(req.SessionID):
		fields = append(fields, types.FieldError{Field: "session_id", Msg: "must not contain NUL bytes"})
	}

	var kind types.EventKind
	switch {
	case strings.TrimSpace(req.EventType) == "":
		fields = append(fields, types.FieldError{Field: "event_type", Msg: "this field is required"})
	default:
		k, ok := types.ParseEventKind(req.EventType)
		if !ok {
			fields = append(fields, types.FieldError{Field: "event_type", Msg: fmt.Sprintf("%q is not a valid choice", req.EventType)})
		}
		kind = k
	}

	if len(fields) > 0 {
		return "", &types.ValidationError{Fields: fields}
	}
	return kind, nil
}

// validateOrder rejects ids that cannot be used as storage keys
func validateOrder(req OrderRequest) error {
	var fields []types.FieldError
	if types.HasNUL(req.SessionID) {
		fields = append(fields, types.FieldError{Field: "session_id", Msg: "must not contain NUL bytes"})
	}
	if types.HasNUL(req.OrderID) {
		fields = append(fields, types.FieldError{Field: "order.order_id", Msg: "must not contain NUL bytes"})
	}
	if len(fields) > 0 {
		return &types.ValidationError{Fields: fields}
	}
	return nil
}

// AttributeSession attributes an order to the most recent campaign seen in
// its session. Unresolvable correlation is reported as an outcome, not an
// error. The decision is committed when the request carries an order id.
func (s *Service) AttributeSession(ctx context.Context, req OrderRequest) (OrderResult, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "attribution.session",
		trace.WithAttributes(
			attribute.String("session.id", req.SessionID),
			attribute.String("order.id", req.OrderID),
		))
	defer span.End()
	defer func() {
		telemetry.Metrics.RecordDuration(ctx, "journey", time.Since(start).Seconds())
	}()

	if strings.TrimSpace(req.SessionID) == "" {
		return OrderResult{Outcome: types.OutcomeNoSession}, nil
	}
	if err := validateOrder(req); err != nil {
		telemetry.Metrics.RecordRejected(ctx, "validation")
		return OrderResult{}, err
	}

	history := s.loadHistory(ctx, req.SessionID)
	if len(history) == 0 {
		return OrderResult{Outcome: types.OutcomeNoJourney}, nil
	}

	campaignID, ok := types.LatestCampaign(history)
	if !ok {
		return OrderResult{Outcome: types.OutcomeNoCampaign}, nil
	}
	span.SetAttributes(attribute.String("campaign.id", campaignID))

	campaign := s.lookupCampaign(ctx, campaignID)
	policy := s.policyFor(campaign)

	conversionAt := req.CreatedAt
	if conversionAt.IsZero() {
		conversionAt = s.now()
	}

	res := s.engine.Run(ctx, Input{
		OrderID:      req.OrderID,
		Policy:       policy,
		ConversionAt: conversionAt,
		History:      history,
	})

	d := res.Decision
	d.OrderID = req.OrderID
	d.BrandID = req.BrandID
	d.SessionID = req.SessionID
	d.CampaignID = campaignID
	d.ConversionValue = req.Total
	d.Currency = normalizeCurrency(req.Currency)
	d.OccurredAt = conversionAt
	d.Source = latestSource(history)

	if req.OrderID != "" {
		committed, err := s.recorder.Commit(ctx, d, policy)
		if err != nil {
			span.RecordError(err)
			return OrderResult{}, err
		}
		d = committed.Stored
	}

	result := OrderResult{
		Outcome:     types.OutcomeAttributed,
		AgencyID:    d.PrimaryAgency,
		Confidence:  d.Confidence,
		Model:       d.Model,
		Touchpoints: d.TouchpointCount,
		Decision:    &d,
	}
	if d.Attributed() {
		result.AgencyName = s.agencyName(ctx, d.PrimaryAgency)
	}
	return result, nil
}

// ProcessConversion attributes a normalized order from a commerce system and
// commits the decision. Processing the same order again supersedes the
// earlier decision.
func (s *Service) ProcessConversion(ctx context.Context, conv types.Conversion) (storage.CommitResult, error) {
	start := time.Now()
	conv.Normalize(s.now())
	if err := conv.Validate(); err != nil {
		return storage.CommitResult{}, err
	}

	ctx, span := s.tracer.Start(ctx, "attribution.conversion",
		trace.WithAttributes(
			attribute.String("order.id", conv.OrderID),
			attribute.String("brand.id", conv.BrandID),
		))
	defer span.End()
	defer func() {
		telemetry.Metrics.RecordDuration(ctx, "order", time.Since(start).Seconds())
	}()

	inferred := source.Infer(source.Raw{
		LandingURL:     conv.LandingSite,
		ReferrerURL:    conv.ReferringSite,
		ReportedSource: conv.SourceName,
	})
	span.SetAttributes(attribute.String("source.method", string(inferred.Method)))

	var history []types.Touchpoint
	if conv.SessionID != "" {
		history = s.loadHistory(ctx, conv.SessionID)
	}

	campaign := s.matchCampaign(ctx, conv.BrandID, inferred, history)
	policy := s.policyFor(campaign)
	score := confidence.Score(inferred, campaign)

	var d types.Decision
	switch {
	case len(history) > 0:
		res := s.engine.Run(ctx, Input{
			OrderID:      conv.OrderID,
			Policy:       policy,
			ConversionAt: conv.OccurredAt,
			History:      history,
		})
		d = res.Decision
		if d.Attributed() && campaign != nil {
			d.Confidence = score
		}
	case campaign != nil && campaign.SelectedAgencyID != "":
		d = types.Decision{
			PrimaryAgency: campaign.SelectedAgencyID,
			Confidence:    score,
			Breakdown:     types.Breakdown{campaign.SelectedAgencyID: 1},
			Model:         types.ModelDirectMatch,
		}
	default:
		d = types.FallbackDecision()
		reason := ReasonNoEligible
		if campaign != nil {
			reason = "no_selected_agency"
		}
		telemetry.RecordFallbackEvent(span, conv.OrderID, reason)
		telemetry.Metrics.RecordFallback(ctx, reason)
		s.logger.LogFallback(ctx, conv.OrderID, reason)
	}

	d.OrderID = conv.OrderID
	d.BrandID = conv.BrandID
	d.SessionID = conv.SessionID
	d.ConversionValue = conv.Value
	d.Currency = conv.Currency
	d.OccurredAt = conv.OccurredAt
	d.Source = inferred
	if campaign != nil {
		d.CampaignID = campaign.ID
	}

	res, err := s.recorder.Commit(ctx, d, policy)
	if err != nil {
		span.RecordError(err)
		return storage.CommitResult{}, err
	}
	return res, nil
}

// Decision returns the current decision for an order
func (s *Service) Decision(ctx context.Context, orderID string) (*types.Decision, error) {
	return s.store.GetDecision(ctx, orderID)
}

// History returns every version committed for an order, oldest first
func (s *Service) History(ctx context.Context, orderID string) ([]types.Decision, error) {
	return s.store.DecisionHistory(ctx, orderID)
}

// Session returns the indexed summary of a session's journey
func (s *Service) Session(ctx context.Context, sessionID string) (*storage.SessionSummary, error) {
	return s.store.SessionSummary(ctx, sessionID)
}

// Performance returns a campaign's daily roll-ups within [from, to]
func (s *Service) Performance(ctx context.Context, campaignID string, from, to time.Time) ([]types.CampaignPerformance, error) {
	return s.store.CampaignPerformance(ctx, campaignID, from, to)
}

// loadHistory reads a session journey under the history timeout. Failure
// reads as an empty journey.
func (s *Service) loadHistory(ctx context.Context, sessionID string) []types.Touchpoint {
	ctx, cancel := context.WithTimeout(ctx, s.historyTimeout)
	defer cancel()

	history, err := s.store.SessionTouchpoints(ctx, sessionID)
	if err != nil {
		s.logger.WithContext(ctx).Warn().Err(err).
			Str("session_id", sessionID).
			Msg("session history unavailable, treating as empty")
		return nil
	}
	return history
}

// matchCampaign prefers the brand's active campaign named by the inferred
// UTM campaign, then the most recent campaign in the session
func (s *Service) matchCampaign(ctx context.Context, brandID string, inferred types.InferredSource, history []types.Touchpoint) *types.Campaign {
	if inferred.Campaign != "" && s.directory != nil {
		campaign, err := s.directory.CampaignByUTM(ctx, brandID, inferred.Campaign)
		switch {
		case err == nil && campaign != nil:
			return campaign
		case err != nil && !errors.Is(err, types.ErrNotFound):
			s.logger.WithContext(ctx).Warn().Err(err).
				Str("utm_campaign", inferred.Campaign).
				Msg("campaign lookup by utm failed")
		}
	}

	if id, ok := types.LatestCampaign(history); ok {
		return s.lookupCampaign(ctx, id)
	}
	return nil
}

// lookupCampaign treats a failed lookup as no campaign metadata
func (s *Service) lookupCampaign(ctx context.Context, id string) *types.Campaign {
	if s.directory == nil {
		return nil
	}
	campaign, err := s.directory.Campaign(ctx, id)
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			s.logger.WithContext(ctx).Warn().Err(err).
				Str("campaign_id", id).
				Msg("campaign lookup failed")
		}
		return nil
	}
	return campaign
}

func (s *Service) activeCampaign(ctx context.Context, id string) *types.Campaign {
	campaign := s.lookupCampaign(ctx, id)
	if campaign == nil || !campaign.IsActive() {
		return nil
	}
	return campaign
}

func (s *Service) agencyName(ctx context.Context, id string) string {
	if s.directory == nil {
		return id
	}
	agency, err := s.directory.Agency(ctx, id)
	if err != nil {
		return id
	}
	return agency.Name()
}

// latestSource infers the origin of the most recent touchpoint
func latestSource(history []types.Touchpoint) types.InferredSource {
	ordered := types.SortChronological(history)
	if len(ordered) == 0 {
		return types.InferredSource{Method: types.SourceMethodUnknown}
	}
	return source.ForTouchpoint(&ordered[len(ordered)-1])
}

func normalizeCurrency(c string) string {
	c = strings.ToUpper(strings.TrimSpace(c))
	if c == "" {
		return types.DefaultCurrency
	}
	return c
}

// policyFor snapshots the policy for a run: configured override, then the
// campaign's own policy, then the configured default
func (s *Service) policyFor(campaign *types.Campaign) types.WindowPolicy {
	if campaign == nil {
		return s.defaultPolicy
	}
	if p, ok := s.policies[campaign.ID]; ok {
		return p
	}
	if campaign.Policy == nil {
		return s.defaultPolicy
	}
	return campaign.EffectivePolicy()
}
