package api

import (
	_ "embed"
	"encoding/json"
	"net/http"
	"strings"
	"text/template"
)

//go:embed pixel.js.tmpl
var pixelSource string

var pixelTemplate = template.Must(template.New("pixel").Parse(pixelSource))

type pixelConfig struct {
	CampaignID          string `json:"campaignId"`
	TouchpointEndpoint  string `json:"touchpointEndpoint"`
	AttributionEndpoint string `json:"attributionEndpoint"`
	Debug               bool   `json:"debug"`
}

// pixel renders the journey tracking script for a campaign
func (h *Handler) pixel(w http.ResponseWriter, r *http.Request) {
	campaignID := strings.TrimSpace(r.URL.Query().Get("campaign_id"))
	if campaignID == "" {
		WriteProblem(w, http.StatusBadRequest, "invalid parameters", "campaign_id is required",
			map[string][]string{"campaign_id": {"this field is required"}})
		return
	}

	base := strings.TrimRight(h.cfg.SiteURL, "/")
	// json.Marshal escapes <, > and & so the config is safe inside a script tag
	cfg, err := json.Marshal(pixelConfig{
		CampaignID:          campaignID,
		TouchpointEndpoint:  base + "/api/v1/touchpoints",
		AttributionEndpoint: base + "/api/v1/attribution",
		Debug:               h.cfg.Debug,
	})
	if err != nil {
		WriteProblem(w, http.StatusInternalServerError, "render failed", err.Error(), nil)
		return
	}

	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=300")
	if err := pixelTemplate.Execute(w, struct{ Config string }{Config: string(cfg)}); err != nil {
		h.logger.WithContext(r.Context()).Error().Err(err).Msg("pixel render failed")
	}
}
