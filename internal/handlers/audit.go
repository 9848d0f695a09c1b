package handlers

import (
	"net/http"
	"strconv"

	"github.com/shellgate/shellgate/internal/audit"
)

// ListAuditLogs returns recent session audit records, newest first.
//
// Query parameters:
//   - session_id: filter by session
//   - event_type: filter by event type
//   - limit: max records (default 100)
func ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	a := audit.Get()
	if a == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit trail not initialized")
		return
	}

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	records, err := a.Query(
		r.URL.Query().Get("session_id"),
		r.URL.Query().Get("event_type"),
		limit,
	)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit logs")
		return
	}

	type auditResponse struct {
		ID         uint   `json:"id"`
		SessionID  string `json:"session_id"`
		EventType  string `json:"event_type"`
		Kind       string `json:"kind"`
		Host       string `json:"host"`
		Username   string `json:"username"`
		SourceIP   string `json:"source_ip"`
		Details    string `json:"details"`
		DurationMs int64  `json:"duration_ms"`
		CreatedAt  string `json:"created_at"`
	}

	resp := make([]auditResponse, len(records))
	for i, rec := range records {
		resp[i] = auditResponse{
			ID:         rec.ID,
			SessionID:  rec.SessionID,
			EventType:  rec.EventType,
			Kind:       rec.Kind,
			Host:       rec.Host,
			Username:   rec.Username,
			SourceIP:   rec.SourceIP,
			Details:    rec.Details,
			DurationMs: rec.Duration,
			CreatedAt:  rec.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs": resp,
	})
}
