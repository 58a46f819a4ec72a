package storage

import (
	"context"
	"time"

	"github.com/yairfalse/kredo/types"
)

// TouchpointWriter appends behavioral events. The store assigns the
// identifier, insertion sequence and ingestion timestamp.
type TouchpointWriter interface {
	AppendTouchpoint(ctx context.Context, tp types.Touchpoint) (types.Touchpoint, error)
}

// TouchpointReader retrieves a session's journey ordered by timestamp,
// ties broken by insertion sequence
type TouchpointReader interface {
	SessionTouchpoints(ctx context.Context, sessionID string) ([]types.Touchpoint, error)
}

// EventStore combines touchpoint read and write
type EventStore interface {
	TouchpointWriter
	TouchpointReader
}

// CommitResult is the outcome of writing a decision
type CommitResult struct {
	Stored   types.Decision
	Previous *types.Decision // nil on first commit for the order
}

// Superseded reports whether the commit replaced an earlier decision
func (r CommitResult) Superseded() bool {
	return r.Previous != nil
}

// DecisionWriter persists decisions 1:1 with orders. A second commit for
// the same order supersedes the first and keeps it in history; the
// performance roll-up moves by the difference in one transaction.
type DecisionWriter interface {
	CommitDecision(ctx context.Context, d types.Decision) (CommitResult, error)
}

// DecisionReader queries committed decisions
type DecisionReader interface {
	GetDecision(ctx context.Context, orderID string) (*types.Decision, error)
	DecisionHistory(ctx context.Context, orderID string) ([]types.Decision, error)
	CampaignPerformance(ctx context.Context, campaignID string, from, to time.Time) ([]types.CampaignPerformance, error)
}

// DecisionStore combines decision read and write
type DecisionStore interface {
	DecisionWriter
	DecisionReader
}

// SessionSummary is the indexed view of one session
type SessionSummary struct {
	SessionID      string    `json:"session_id"`
	Touchpoints    int       `json:"touchpoints"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
	LastCampaignID string    `json:"last_campaign_id,omitempty"`
	LastCampaignAt time.Time `json:"last_campaign_at,omitempty"`
}

// SessionIndex answers session lookups without reading the journey
type SessionIndex interface {
	SessionSummary(ctx context.Context, sessionID string) (*SessionSummary, error)
}

// Stats provides operational counts
type Stats struct {
	Touchpoints     int64
	Sessions        int
	Decisions       int64
	CurrentRevision int64
	SizeBytes       int64
}

// StatsReader reports storage counts
type StatsReader interface {
	Stats(ctx context.Context) (Stats, error)
}

// Lifecycle manages storage lifecycle
type Lifecycle interface {
	Close() error
}

// Store is the complete storage interface combining all capabilities
type Store interface {
	EventStore
	DecisionStore
	SessionIndex
	StatsReader
	Lifecycle
}
