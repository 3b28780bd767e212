package api

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/warden/internal/chread"
)

func (d *Dependencies) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "ClickHouse not configured"})
		return
	}

	q := r.URL.Query()
	params := chread.ListEventsParams{
		Page:     queryInt(q, "page", 1),
		PageSize: queryInt(q, "page_size", 50),
	}
	if params.PageSize > 200 {
		params.PageSize = 200
	}
	if params.PageSize < 1 {
		params.PageSize = 50
	}
	if params.Page < 1 {
		params.Page = 1
	}

	params.Tier = queryString(q, "tier")
	params.Action = queryString(q, "action")
	params.UserID = queryString(q, "user_id")
	params.AttackType = queryString(q, "attack_type")
	if v := q.Get("blocked"); v != "" {
		b := v == "true" || v == "1"
		params.Blocked = &b
	}
	if v := q.Get("start_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "start_time must be RFC 3339"})
			return
		}
		params.StartTime = &t
	}
	if v := q.Get("end_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "end_time must be RFC 3339"})
			return
		}
		params.EndTime = &t
	}

	events, total, err := d.Reader.ListEvents(r.Context(), params)
	if err != nil {
		d.Logger.Error("failed to list events", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list events"})
		return
	}

	resp := EventListResp{
		Events:   make([]SecurityEventResp, 0, len(events)),
		Total:    total,
		Page:     params.Page,
		PageSize: params.PageSize,
	}
	for _, e := range events {
		resp.Events = append(resp.Events, eventRowToResp(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "ClickHouse not configured"})
		return
	}

	event, err := d.Reader.GetEvent(r.Context(), r.PathValue("request_id"))
	if err != nil {
		d.Logger.Error("failed to get event", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get event"})
		return
	}
	if event == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Event not found."})
		return
	}
	writeJSON(w, http.StatusOK, eventRowToResp(*event))
}

func (d *Dependencies) handleEventSummary(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "ClickHouse not configured"})
		return
	}

	days := min(max(queryInt(r.URL.Query(), "days", 7), 1), 90)
	summary, err := d.Reader.GetSummary(r.Context(), days)
	if err != nil {
		d.Logger.Error("failed to get event summary", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get event summary"})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// eventRowToResp converts a ClickHouse EventRow to the API response.
func eventRowToResp(e chread.EventRow) SecurityEventResp {
	return SecurityEventResp{
		RequestID:          e.RequestID,
		ContextID:          nilIfEmpty(e.ContextID),
		Timestamp:          e.Timestamp,
		Action:             e.Action,
		Tier:               nilIfEmpty(e.Tier),
		TrustLevel:         nilIfEmpty(e.TrustLevel),
		TrustScore:         e.TrustScore,
		Blocked:            e.Blocked == 1,
		RequiresQuarantine: e.RequiresQuarantine == 1,
		AttackType:         nilIfEmpty(e.AttackType),
		PatternIDs:         orEmpty(e.PatternIDs),
		Reasons:            orEmpty(e.Reasons),
		ToolName:           nilIfEmpty(e.ToolName),
		ToolAllowed:        e.ToolAllowed == 1,
		SanitizerActions:   orEmpty(e.SanitizerActions),
		PayloadPreview:     e.PayloadPreview,
		PayloadHash:        e.PayloadHash,
		PayloadSize:        e.PayloadSize,
		UserID:             nilIfEmpty(e.UserID),
		SessionID:          nilIfEmpty(e.SessionID),
		Metadata:           e.Metadata,
		LatencyMs:          e.LatencyMs,
		Source:             e.Source,
	}
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func queryString(q url.Values, key string) *string {
	if v := q.Get(key); v != "" {
		return &v
	}
	return nil
}

func queryInt(q url.Values, key string, fallback int) int {
	v := q.Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
