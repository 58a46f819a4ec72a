package attribution

import (
	"context"
	"time"

	"github.com/yairfalse/kredo/types"
)

// Directory resolves the campaign and agency metadata attribution reads
type Directory interface {
	Campaign(ctx context.Context, id string) (*types.Campaign, error)
	// CampaignByUTM returns the active campaign of a brand carrying the UTM identifier
	CampaignByUTM(ctx context.Context, brandID, utmCampaign string) (*types.Campaign, error)
	Agency(ctx context.Context, id string) (*types.Agency, error)
}

// TrackRequest describes one journey event at intake
type TrackRequest struct {
	SessionID         string
	EventType         string
	CampaignID        string
	UTM               types.UTM
	PageURL           string
	ReferrerURL       string
	CustomerEmail     string
	DeviceFingerprint string
	IPAddress         string
	UserAgent         string
	ConversionValue   *float64
	OrderID           string
}

// OrderRequest asks for attribution of an order against a session journey
type OrderRequest struct {
	SessionID     string
	OrderID       string
	BrandID       string
	Total         float64
	Currency      string
	CustomerEmail string
	CreatedAt     time.Time
}

// OrderResult answers an OrderRequest. Decision is set only when the
// outcome is attributed.
type OrderResult struct {
	Outcome     types.Outcome
	AgencyID    string
	AgencyName  string
	Confidence  int
	Model       types.Model
	Touchpoints int
	Decision    *types.Decision
}
