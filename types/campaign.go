package types

import "strings"

// CampaignStatus tracks a campaign through the marketplace lifecycle
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "DRAFT"
	CampaignOpen      CampaignStatus = "OPEN"
	CampaignActive    CampaignStatus = "ACTIVE"
	CampaignCompleted CampaignStatus = "COMPLETED"
	CampaignCancelled CampaignStatus = "CANCELLED"
)

// Platform is an advertising platform a campaign runs on
type Platform string

const (
	PlatformMeta     Platform = "META"
	PlatformGoogle   Platform = "GOOGLE"
	PlatformTikTok   Platform = "TIKTOK"
	PlatformLinkedIn Platform = "LINKEDIN"
)

// Campaign is the subset of marketplace campaign data attribution reads
type Campaign struct {
	ID               string         `json:"id" yaml:"id" toml:"id"`
	BrandID          string         `json:"brand_id" yaml:"brand_id" toml:"brand_id"`
	Title            string         `json:"title,omitempty" yaml:"title" toml:"title"`
	UTMCampaign      string         `json:"utm_campaign,omitempty" yaml:"utm_campaign" toml:"utm_campaign"`
	Platforms        []Platform     `json:"platforms,omitempty" yaml:"platforms" toml:"platforms"`
	Status           CampaignStatus `json:"status" yaml:"status" toml:"status"`
	SelectedAgencyID string         `json:"selected_agency_id,omitempty" yaml:"selected_agency_id" toml:"selected_agency_id"`
	AdSpend          float64        `json:"ad_spend,omitempty" yaml:"ad_spend" toml:"ad_spend"`
	Policy           *WindowPolicy  `json:"attribution_policy,omitempty" yaml:"attribution_policy" toml:"attribution_policy"`
}

// IsActive reports whether the campaign accepts tracking and attribution
func (c *Campaign) IsActive() bool {
	return CampaignStatus(strings.ToUpper(string(c.Status))) == CampaignActive
}

// HasPlatform checks the campaign's configured platform list
func (c *Campaign) HasPlatform(p Platform) bool {
	for _, cp := range c.Platforms {
		if Platform(strings.ToUpper(string(cp))) == p {
			return true
		}
	}
	return false
}

// EffectivePolicy returns a snapshot of the campaign policy, or the default
func (c *Campaign) EffectivePolicy() WindowPolicy {
	if c == nil || c.Policy == nil {
		return DefaultPolicy()
	}
	p := *c.Policy
	if p.Model == "" {
		p.Model = ModelLastClick
	}
	return p
}

// Agency is a marketing agency that can receive attribution credit
type Agency struct {
	ID          string `json:"id" yaml:"id" toml:"id"`
	DisplayName string `json:"display_name" yaml:"display_name" toml:"display_name"`
}

// Name returns the display name, falling back to the identifier
func (a *Agency) Name() string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.ID
}
