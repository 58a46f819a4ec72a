// Package api is the HTTP transport for journey intake, order attribution,
// conversion ingest and decision reads.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/kredo/attribution"
	"github.com/yairfalse/kredo/storage"
	"github.com/yairfalse/kredo/telemetry"
	"github.com/yairfalse/kredo/types"
)

// Attributor is the service surface the transport drives
type Attributor interface {
	Track(ctx context.Context, req attribution.TrackRequest) (types.Touchpoint, error)
	AttributeSession(ctx context.Context, req attribution.OrderRequest) (attribution.OrderResult, error)
	ProcessConversion(ctx context.Context, conv types.Conversion) (storage.CommitResult, error)
	Decision(ctx context.Context, orderID string) (*types.Decision, error)
	History(ctx context.Context, orderID string) ([]types.Decision, error)
	Performance(ctx context.Context, campaignID string, from, to time.Time) ([]types.CampaignPerformance, error)
	Session(ctx context.Context, sessionID string) (*storage.SessionSummary, error)
}

// Config is the explicit transport configuration
type Config struct {
	MaxBodyBytes int64
	// SiteURL is the public base URL the tracking pixel posts to
	SiteURL string
	Debug   bool
}

// Handler serves the attribution API
type Handler struct {
	svc        Attributor
	cfg        Config
	touchpoint *payloadValidator
	now        func() time.Time
	logger     *telemetry.Logger
	tracer     trace.Tracer
}

// NewHandler creates a handler bound to the service
func NewHandler(svc Attributor, cfg Config) (*Handler, error) {
	v, err := newPayloadValidator(touchpointSchema)
	if err != nil {
		return nil, fmt.Errorf("touchpoint schema: %w", err)
	}
	return &Handler{
		svc:        svc,
		cfg:        cfg,
		touchpoint: v,
		now:        time.Now,
		logger:     telemetry.NewLogger("api"),
		tracer:     otel.Tracer("api"),
	}, nil
}

// Router registers routes and the middleware stack
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(AllowCrossOrigin)

	r.Get("/healthz", h.healthz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/pixel.js", h.pixel)
		r.Get("/decisions/{order_id}", h.getDecision)
		r.Get("/decisions/{order_id}/history", h.getHistory)
		r.Get("/campaigns/{campaign_id}/performance", h.getPerformance)
		r.Get("/sessions/{session_id}", h.getSession)

		r.Group(func(r chi.Router) {
			r.Use(BodyLimit(h.cfg.MaxBodyBytes))
			r.Use(RequireJSON)
			r.Post("/touchpoints", h.track)
			r.Post("/attribution", h.attribute)
			r.Post("/conversions", h.conversion)
		})
	})

	return r
}
