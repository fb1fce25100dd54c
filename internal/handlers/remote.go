package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/termshare/termshare/internal/logutil"
)

// remoteUser resolves the caller identity for proxy pooling. Deployments put
// an authenticating reverse proxy in front and forward the user id here.
func remoteUser(r *http.Request) string {
	if u := r.Header.Get("X-User-ID"); u != "" {
		return u
	}
	return "default"
}

// ConnectRemote establishes (or re-establishes) the SSH connection to a
// configured remote host.
func (a *API) ConnectRemote(w http.ResponseWriter, r *http.Request) {
	if a.Proxies == nil {
		writeError(w, http.StatusServiceUnavailable, "Remote proxying not configured")
		return
	}
	connectionID := chi.URLParam(r, "connectionId")

	p := a.Proxies.Get(remoteUser(r))
	if err := p.Connect(r.Context(), connectionID); err != nil {
		log.Printf("remote connect %s: %v", logutil.SanitizeForLog(connectionID), err)
		writeError(w, http.StatusBadGateway, "Failed to connect")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"connectionId": connectionID,
		"state":        p.State(connectionID).String(),
	})
}

// RemoteStates reports the caller's connection states.
func (a *API) RemoteStates(w http.ResponseWriter, r *http.Request) {
	if a.Proxies == nil {
		writeError(w, http.StatusServiceUnavailable, "Remote proxying not configured")
		return
	}
	p := a.Proxies.Get(remoteUser(r))
	writeJSON(w, http.StatusOK, map[string]interface{}{"connections": p.States()})
}

// ListRemoteSessions lists tmux sessions on a connected remote host.
func (a *API) ListRemoteSessions(w http.ResponseWriter, r *http.Request) {
	if a.Proxies == nil {
		writeError(w, http.StatusServiceUnavailable, "Remote proxying not configured")
		return
	}
	connectionID := chi.URLParam(r, "connectionId")

	p := a.Proxies.Get(remoteUser(r))
	names, err := p.ListSessions(connectionID)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": names})
}

type createRemoteSessionRequest struct {
	Name string `json:"name"`
}

// CreateRemoteSession creates a detached tmux session on a remote host.
func (a *API) CreateRemoteSession(w http.ResponseWriter, r *http.Request) {
	if a.Proxies == nil {
		writeError(w, http.StatusServiceUnavailable, "Remote proxying not configured")
		return
	}
	connectionID := chi.URLParam(r, "connectionId")

	var req createRemoteSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "Session name required")
		return
	}

	p := a.Proxies.Get(remoteUser(r))
	if err := p.CreateSession(connectionID, req.Name); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name})
}

// KillRemoteSession kills a tmux session on a remote host.
func (a *API) KillRemoteSession(w http.ResponseWriter, r *http.Request) {
	if a.Proxies == nil {
		writeError(w, http.StatusServiceUnavailable, "Remote proxying not configured")
		return
	}
	connectionID := chi.URLParam(r, "connectionId")
	name := chi.URLParam(r, "name")

	p := a.Proxies.Get(remoteUser(r))
	if err := p.KillSession(connectionID, name); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "killed"})
}
