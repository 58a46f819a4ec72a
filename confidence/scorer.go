// Package confidence scores how trustworthy an order-level attribution is.
package confidence

import (
	"strings"

	"github.com/yairfalse/kredo/source"
	"github.com/yairfalse/kredo/types"
)

// Score components
const (
	BaseMatch        = 20
	CampaignUTMBonus = 40
	PlatformBonus    = 20
	PaidMediumBonus  = 15
	CompleteUTMBonus = 5

	Min = 0
	Max = 100
)

var paidMediums = map[string]bool{
	"cpc":     true,
	"paid":    true,
	"social":  true,
	"display": true,
}

// Breakdown explains how a score was reached, before clamping
type Breakdown struct {
	Base          int `json:"base"`
	CampaignMatch int `json:"campaign_match"`
	PlatformMatch int `json:"platform_match"`
	PaidMedium    int `json:"paid_medium"`
	CompleteUTM   int `json:"complete_utm"`
	MethodBoost   int `json:"method_boost"`
}

// Raw is the unclamped total
func (b Breakdown) Raw() int {
	return b.Base + b.CampaignMatch + b.PlatformMatch + b.PaidMedium + b.CompleteUTM + b.MethodBoost
}

// Score returns the clamped total
func (b Breakdown) Score() int {
	return clamp(b.Raw())
}

// Score rates inferred source data against the matched campaign.
// No campaign match scores zero.
func Score(inferred types.InferredSource, campaign *types.Campaign) int {
	return Explain(inferred, campaign).Score()
}

// Explain returns every component of the score
func Explain(inferred types.InferredSource, campaign *types.Campaign) Breakdown {
	if campaign == nil {
		return Breakdown{}
	}

	b := Breakdown{
		Base:        BaseMatch,
		MethodBoost: inferred.ConfidenceBoost,
	}

	// Exact UTM campaign identifier
	if inferred.Campaign != "" && inferred.Campaign == campaign.UTMCampaign {
		b.CampaignMatch = CampaignUTMBonus
	}

	// Source runs on one of the campaign's platforms
	if platform, ok := source.PlatformFor(inferred.Source); ok && campaign.HasPlatform(platform) {
		b.PlatformMatch = PlatformBonus
	}

	// Medium indicates paid traffic
	if paidMediums[strings.ToLower(strings.TrimSpace(inferred.Medium))] {
		b.PaidMedium = PaidMediumBonus
	}

	if inferred.Source != "" && inferred.Medium != "" && inferred.Campaign != "" {
		b.CompleteUTM = CompleteUTMBonus
	}

	return b
}

func clamp(score int) int {
	if score < Min {
		return Min
	}
	if score > Max {
		return Max
	}
	return score
}
