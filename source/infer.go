// Package source classifies the advertising origin of orders and touchpoints
// when explicit UTM tagging is missing or incomplete.
package source

import (
	"net/url"
	"strings"

	"github.com/yairfalse/kredo/types"
)

// Method boosts fed into the confidence score
const (
	BoostUTM      = 30
	BoostReferrer = 15
	BoostReported = 10
)

// Organic is assigned to any non-empty referrer outside the source map
const Organic = "organic"

// Raw is the unprocessed origin data an external system reports
type Raw struct {
	LandingURL     string
	ReferrerURL    string
	ReportedSource string
}

type referrerRule struct {
	domain string
	source string
}

// Matched in order against the referrer host
var referrerRules = []referrerRule{
	{"facebook.com", "facebook"},
	{"instagram.com", "facebook"},
	{"google.com", "google"},
	{"tiktok.com", "tiktok"},
	{"linkedin.com", "linkedin"},
	{"t.co", "twitter"},
	{"youtube.com", "youtube"},
}

var platforms = map[string]types.Platform{
	"facebook":  types.PlatformMeta,
	"instagram": types.PlatformMeta,
	"google":    types.PlatformGoogle,
	"tiktok":    types.PlatformTikTok,
	"linkedin":  types.PlatformLinkedIn,
}

// Infer tries landing-page UTM, then referrer, then the reported source.
// UTM counts only when utm_source is set; otherwise its campaign, medium,
// content and term are kept and the source comes from the later steps.
// It never fails.
func Infer(raw Raw) types.InferredSource {
	utm := ParseUTM(raw.LandingURL)
	inferred := types.InferredSource{
		Medium:   utm.Medium,
		Campaign: utm.Campaign,
		Content:  utm.Content,
		Term:     utm.Term,
		Method:   types.SourceMethodUnknown,
	}

	switch {
	case utm.Source != "":
		inferred.Source = utm.Source
		inferred.Method = types.SourceMethodUTM
		inferred.ConfidenceBoost = BoostUTM
	case FromReferrer(raw.ReferrerURL) != "":
		inferred.Source = FromReferrer(raw.ReferrerURL)
		inferred.Method = types.SourceMethodReferrer
		inferred.ConfidenceBoost = BoostReferrer
	case strings.TrimSpace(raw.ReportedSource) != "":
		inferred.Source = strings.ToLower(strings.TrimSpace(raw.ReportedSource))
		inferred.Method = types.SourceMethodReported
		inferred.ConfidenceBoost = BoostReported
	}
	return inferred
}

// ForTouchpoint infers the origin of a tracked event. Explicit UTM fields
// on the touchpoint take precedence over its page URL.
func ForTouchpoint(tp *types.Touchpoint) types.InferredSource {
	if !tp.UTM.IsEmpty() {
		return types.InferredSource{
			Source:          tp.UTM.Source,
			Medium:          tp.UTM.Medium,
			Campaign:        tp.UTM.Campaign,
			Content:         tp.UTM.Content,
			Term:            tp.UTM.Term,
			Method:          types.SourceMethodUTM,
			ConfidenceBoost: BoostUTM,
		}
	}
	return Infer(Raw{LandingURL: tp.PageURL, ReferrerURL: tp.ReferrerURL})
}

// ParseUTM extracts the first value of each utm_* query parameter.
// Relative landing paths are accepted; unparseable input yields nothing.
func ParseUTM(raw string) types.UTM {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return types.UTM{}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return types.UTM{}
	}
	q := u.Query()
	return types.UTM{
		Source:   q.Get("utm_source"),
		Medium:   q.Get("utm_medium"),
		Campaign: q.Get("utm_campaign"),
		Content:  q.Get("utm_content"),
		Term:     q.Get("utm_term"),
	}
}

// FromReferrer maps a referrer to a known source. Any other non-empty
// referrer is organic; an empty one yields "".
func FromReferrer(referrer string) string {
	referrer = strings.TrimSpace(referrer)
	if referrer == "" {
		return ""
	}
	host := hostOf(referrer)
	for _, rule := range referrerRules {
		if host == rule.domain || strings.HasSuffix(host, "."+rule.domain) {
			return rule.source
		}
	}
	return Organic
}

// PlatformFor maps a source label to the ad platform it runs on
func PlatformFor(src string) (types.Platform, bool) {
	p, ok := platforms[strings.ToLower(strings.TrimSpace(src))]
	return p, ok
}

func hostOf(referrer string) string {
	s := strings.ToLower(referrer)
	if !strings.Contains(s, "://") {
		s = "//" + s
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return strings.ToLower(referrer)
	}
	return u.Hostname()
}
