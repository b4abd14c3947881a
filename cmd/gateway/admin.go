package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"guardpost/gateway-service/internal/gateway"
	"guardpost/gateway-service/internal/httputil"
	"guardpost/gateway-service/internal/monitor"
)

// adminAPI exposes the security ledger to operators. Every route is mounted
// behind the full pipeline with the "security" resource, so only admins
// reach these handlers.
type adminAPI struct {
	events *monitor.Monitor
}

// handleEvents lists ledger entries, newest first.
// Query params: type, min_severity, unresolved, limit.
func (a *adminAPI) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	f := monitor.Filter{
		Type:       monitor.EventType(q.Get("type")),
		Unresolved: q.Get("unresolved") == "true",
	}
	if s := q.Get("min_severity"); s != "" {
		sev, ok := monitor.ParseSeverity(s)
		if !ok {
			httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{
				"error": "unknown severity: " + s,
			})
			return
		}
		f.MinSeverity = sev
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		f.Limit = n
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"events": a.events.Events(f),
	})
}

func (a *adminAPI) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, a.events.Metrics())
}

func (a *adminAPI) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		EventID    string `json:"event_id"`
		Resolution string `json:"resolution"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EventID == "" || req.Resolution == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{
			"error": "event_id and resolution are required",
		})
		return
	}
	actor := "operator"
	if auth := gateway.AuthFromContext(r.Context()); auth != nil {
		actor = auth.UserID
	}
	if !a.events.Resolve(req.EventID, req.Resolution, actor) {
		httputil.WriteJSON(w, http.StatusNotFound, map[string]string{
			"error": "no such event",
		})
		return
	}
	httputil.GetLogger(r.Context()).Info().
		Str("event_id", req.EventID).
		Str("actor", actor).
		Msg("security event resolved")
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (a *adminAPI) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		AlertID string `json:"alert_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AlertID == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{
			"error": "alert_id is required",
		})
		return
	}
	if !a.events.Acknowledge(req.AlertID) {
		httputil.WriteJSON(w, http.StatusNotFound, map[string]string{
			"error": "no such alert",
		})
		return
	}
	httputil.GetLogger(r.Context()).Info().
		Str("alert_id", req.AlertID).
		Msg("alert acknowledged")
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func methodNotAllowed(w http.ResponseWriter) {
	httputil.WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{
		"error": "method not allowed",
	})
}
