package api

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/triage-ai/runguard/internal/chread"
	"go.uber.org/zap"
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

	if v := q.Get("kind"); v != "" {
		params.Kind = &v
	}
	if v := q.Get("principal"); v != "" {
		params.Principal = &v
	}
	if v := q.Get("run_id"); v != "" {
		params.RunID = &v
	}
	if v := q.Get("rule_code"); v != "" {
		params.RuleCode = &v
	}
	if v := q.Get("blocked"); v != "" {
		b := v == "true" || v == "1"
		params.Blocked = &b
	}
	if v := q.Get("start_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.StartTime = &t
		}
	}
	if v := q.Get("end_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.EndTime = &t
		}
	}

	events, total, err := d.Reader.ListEvents(r.Context(), params)
	if err != nil {
		d.Logger.Error("failed to list events", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list events"})
		return
	}

	resp := EventListResp{
		Events:   make([]GovernanceEventResp, 0, len(events)),
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

	event, err := d.Reader.GetEvent(r.Context(), r.PathValue("event_id"))
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

func (d *Dependencies) handleGetAnalytics(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "ClickHouse not configured"})
		return
	}

	days := queryInt(r.URL.Query(), "days", 7)
	if days < 1 {
		days = 1
	}
	if days > 90 {
		days = 90
	}

	result, err := d.Reader.GetAnalytics(r.Context(), days)
	if err != nil {
		d.Logger.Error("failed to get analytics", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get analytics"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func eventRowToResp(e chread.EventRow) GovernanceEventResp {
	return GovernanceEventResp{
		EventID:     e.EventID,
		Timestamp:   e.Timestamp,
		Kind:        e.Kind,
		Principal:   e.Principal,
		Blocked:     e.Blocked == 1,
		RuleCode:    nilIfEmpty(e.RuleCode),
		Reason:      nilIfEmpty(e.Reason),
		Provider:    nilIfEmpty(e.Provider),
		Model:       nilIfEmpty(e.Model),
		Source:      nilIfEmpty(e.Source),
		TargetType:  nilIfEmpty(e.TargetType),
		ContentHash: nilIfEmpty(e.ContentHash),
		RunID:       nilIfEmpty(e.RunID),
		ToolID:      nilIfEmpty(e.ToolID),
		Op:          nilIfEmpty(e.Op),
		FromState:   nilIfEmpty(e.FromState),
		ToState:     nilIfEmpty(e.ToState),
	}
}

func queryInt(q url.Values, key string, defaultVal int) int {
	v := q.Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
