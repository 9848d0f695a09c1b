package handlers

import (
	"net/http"
)

// HealthCheck reports process liveness and the active session count.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	sessions := 0
	if Registry != nil {
		sessions = Registry.Len()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": sessions,
	})
}
