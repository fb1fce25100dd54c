package handlers

import "net/http"

// Health reports liveness plus basic counters.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"sessions":     a.Sessions.Count(),
		"activeTokens": a.Tokens.ActiveCount(),
	})
}
