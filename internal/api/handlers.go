package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yairfalse/kredo/attribution"
	"github.com/yairfalse/kredo/types"
)

// defaultPerformanceDays is the roll-up range when none is given
const defaultPerformanceDays = 30

// flexString accepts a JSON string or number
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = flexString(n.String())
	return nil
}

type touchpointPayload struct {
	SessionID       string     `json:"session_id"`
	EventType       string     `json:"event_type"`
	CampaignID      string     `json:"campaign_id"`
	UTMData         *types.UTM `json:"utm_data"`
	types.UTM                  // flat utm_* fields
	PageURL         string     `json:"page_url"`
	ReferrerURL     string     `json:"referrer_url"`
	CustomerEmail   string     `json:"customer_email"`
	UserAgentHash   string     `json:"user_agent_hash"`
	ConversionValue *float64   `json:"conversion_value"`
	OrderID         flexString `json:"order_id"`
}

// utm prefers the utm_data object and fills gaps from flat fields
func (p *touchpointPayload) utm() types.UTM {
	var u types.UTM
	if p.UTMData != nil {
		u = *p.UTMData
	}
	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	fill(&u.Source, p.UTM.Source)
	fill(&u.Medium, p.UTM.Medium)
	fill(&u.Campaign, p.UTM.Campaign)
	fill(&u.Content, p.UTM.Content)
	fill(&u.Term, p.UTM.Term)
	return u
}

type trackResponse struct {
	Status  string `json:"status"`
	EventID string `json:"event_id"`
}

type orderPayload struct {
	OrderID   flexString `json:"order_id"`
	ID        flexString `json:"id"`
	BrandID   string     `json:"brand_id"`
	Total     *float64   `json:"total"`
	Value     *float64   `json:"value"`
	Currency  string     `json:"currency"`
	Email     string     `json:"email"`
	CreatedAt time.Time  `json:"created_at"`
}

type attributionPayload struct {
	SessionID string       `json:"session_id"`
	Order     orderPayload `json:"order"`
}

type attributionResponse struct {
	Status        types.Outcome `json:"status"`
	PrimaryAgency *string       `json:"primary_agency"`
	Confidence    int           `json:"confidence"`
	Model         types.Model   `json:"model,omitempty"`
	Touchpoints   int           `json:"touchpoints"`
}

type conversionResponse struct {
	Status   string          `json:"status"`
	Decision *types.Decision `json:"decision"`
}

type performanceResponse struct {
	CampaignID string                      `json:"campaign_id"`
	From       string                      `json:"from"`
	To         string                      `json:"to"`
	Days       []types.CampaignPerformance `json:"days"`
	Orders     int64                       `json:"attributed_orders"`
	Revenue    float64                     `json:"attributed_revenue"`
	Spend      *float64                    `json:"spend,omitempty"`
	ROAS       *float64                    `json:"roas,omitempty"`
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readBody reads the capped body, writing a problem on failure
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	defer drainBody(r)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteProblem(w, http.StatusRequestEntityTooLarge, "payload too large",
				"body exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes", nil)
			return nil, false
		}
		WriteProblem(w, http.StatusBadRequest, "invalid body", err.Error(), nil)
		return nil, false
	}
	if !json.Valid(body) {
		WriteProblem(w, http.StatusBadRequest, "invalid json", "request body is not valid JSON", nil)
		return nil, false
	}
	return body, true
}

func (h *Handler) track(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	fieldErrs, err := h.touchpoint.Validate(body)
	if err != nil {
		WriteProblem(w, http.StatusBadRequest, "invalid json", err.Error(), nil)
		return
	}
	if len(fieldErrs) > 0 {
		WriteProblem(w, http.StatusBadRequest, "validation failed", "one or more fields are invalid", fieldErrs)
		return
	}

	var p touchpointPayload
	if err := json.Unmarshal(body, &p); err != nil {
		WriteProblem(w, http.StatusBadRequest, "invalid json", err.Error(), nil)
		return
	}

	tp, err := h.svc.Track(r.Context(), attribution.TrackRequest{
		SessionID:         p.SessionID,
		EventType:         p.EventType,
		CampaignID:        p.CampaignID,
		UTM:               p.utm(),
		PageURL:           p.PageURL,
		ReferrerURL:       p.ReferrerURL,
		CustomerEmail:     p.CustomerEmail,
		DeviceFingerprint: p.UserAgentHash,
		IPAddress:         clientIP(r),
		UserAgent:         r.UserAgent(),
		ConversionValue:   p.ConversionValue,
		OrderID:           string(p.OrderID),
	})
	if err != nil {
		var verr *types.ValidationError
		if errors.As(err, &verr) {
			WriteProblem(w, http.StatusBadRequest, "validation failed", "one or more fields are invalid", verr.ByField())
			return
		}
		if errors.Is(err, types.ErrInvalidTouchpoint) {
			WriteProblem(w, http.StatusBadRequest, "validation failed", err.Error(), nil)
			return
		}
		WriteProblem(w, http.StatusInternalServerError, "tracking failed", "touchpoint could not be stored", nil)
		return
	}

	writeJSON(w, http.StatusOK, trackResponse{Status: "tracked", EventID: tp.ID})
}

func (h *Handler) attribute(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var p attributionPayload
	if err := json.Unmarshal(body, &p); err != nil {
		WriteProblem(w, http.StatusBadRequest, "invalid json", err.Error(), nil)
		return
	}

	orderID := string(p.Order.OrderID)
	if orderID == "" {
		orderID = string(p.Order.ID)
	}
	var total float64
	switch {
	case p.Order.Total != nil:
		total = *p.Order.Total
	case p.Order.Value != nil:
		total = *p.Order.Value
	}

	res, err := h.svc.AttributeSession(r.Context(), attribution.OrderRequest{
		SessionID:     p.SessionID,
		OrderID:       orderID,
		BrandID:       p.Order.BrandID,
		Total:         total,
		Currency:      p.Order.Currency,
		CustomerEmail: p.Order.Email,
		CreatedAt:     p.Order.CreatedAt,
	})
	if err != nil {
		var verr *types.ValidationError
		if errors.As(err, &verr) {
			WriteProblem(w, http.StatusBadRequest, "validation failed", "one or more fields are invalid", verr.ByField())
			return
		}
		h.logger.WithContext(r.Context()).Error().Err(err).
			Str("session_id", p.SessionID).
			Msg("order attribution failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error"})
		return
	}

	resp := attributionResponse{Status: res.Outcome}
	if res.Outcome == types.OutcomeAttributed {
		if res.AgencyName != "" {
			name := res.AgencyName
			resp.PrimaryAgency = &name
		}
		resp.Confidence = res.Confidence
		resp.Model = res.Model
		resp.Touchpoints = res.Touchpoints
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) conversion(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var conv types.Conversion
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&conv); err != nil {
		WriteProblem(w, http.StatusBadRequest, "invalid json", err.Error(), nil)
		return
	}

	res, err := h.svc.ProcessConversion(r.Context(), conv)
	if err != nil {
		if errors.Is(err, types.ErrInvalidConversion) {
			WriteProblem(w, http.StatusBadRequest, "invalid conversion", err.Error(), nil)
			return
		}
		WriteProblem(w, http.StatusInternalServerError, "conversion failed", "decision could not be committed", nil)
		return
	}

	status := "committed"
	if res.Superseded() {
		status = "superseded"
	}
	writeJSON(w, http.StatusOK, conversionResponse{Status: status, Decision: &res.Stored})
}

func (h *Handler) getDecision(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "order_id")
	d, err := h.svc.Decision(r.Context(), orderID)
	if err != nil {
		h.writeReadError(w, "decision", orderID, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "order_id")
	history, err := h.svc.History(r.Context(), orderID)
	if err != nil {
		h.writeReadError(w, "decision", orderID, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *Handler) getPerformance(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaign_id")
	q := r.URL.Query()

	to := h.now().UTC()
	if s := strings.TrimSpace(q.Get("to")); s != "" {
		t, err := time.Parse(types.DayLayout, s)
		if err != nil {
			WriteProblem(w, http.StatusBadRequest, "invalid parameters", "to must be YYYY-MM-DD", nil)
			return
		}
		to = t
	}
	from := to.AddDate(0, 0, -defaultPerformanceDays)
	if s := strings.TrimSpace(q.Get("from")); s != "" {
		t, err := time.Parse(types.DayLayout, s)
		if err != nil {
			WriteProblem(w, http.StatusBadRequest, "invalid parameters", "from must be YYYY-MM-DD", nil)
			return
		}
		from = t
	}
	if from.After(to) {
		WriteProblem(w, http.StatusBadRequest, "invalid parameters", "from must not be after to", nil)
		return
	}
	var spend *float64
	if s := strings.TrimSpace(q.Get("spend")); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			WriteProblem(w, http.StatusBadRequest, "invalid parameters", "spend must be a non-negative number", nil)
			return
		}
		spend = &v
	}

	days, err := h.svc.Performance(r.Context(), campaignID, from, to)
	if err != nil {
		h.writeReadError(w, "campaign", campaignID, err)
		return
	}
	if days == nil {
		days = []types.CampaignPerformance{}
	}
	total := types.CampaignPerformance{CampaignID: campaignID}
	for _, d := range days {
		total.AttributedOrders += d.AttributedOrders
		total.AttributedRevenue += d.AttributedRevenue
	}
	resp := performanceResponse{
		CampaignID: campaignID,
		From:       types.Day(from),
		To:         types.Day(to),
		Days:       days,
		Orders:     total.AttributedOrders,
		Revenue:    total.AttributedRevenue,
		Spend:      spend,
	}
	if spend != nil {
		roas := total.ROAS(*spend)
		resp.ROAS = &roas
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	summary, err := h.svc.Session(r.Context(), sessionID)
	if err != nil {
		h.writeReadError(w, "session", sessionID, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) writeReadError(w http.ResponseWriter, what, id string, err error) {
	if errors.Is(err, types.ErrNotFound) {
		WriteProblem(w, http.StatusNotFound, "not found", what+" "+id+" not found", nil)
		return
	}
	WriteProblem(w, http.StatusInternalServerError, "read failed", err.Error(), nil)
}

// clientIP is the request address without port; RealIP has already
// applied forwarding headers
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
