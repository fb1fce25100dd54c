package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/termshare/termshare/internal/logutil"
	"github.com/termshare/termshare/internal/token"
)

type createSessionRequest struct {
	Name     string `json:"name"`
	RepoPath string `json:"repoPath"`
}

// CreateSession starts a new shared session: tmux session plus attached pty.
func (a *API) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "Session name required")
		return
	}

	s, err := a.Sessions.Create(req.Name, req.RepoPath)
	if err != nil {
		log.Printf("create session %q: %v", logutil.SanitizeForLog(req.Name), err)
		writeError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}

	writeJSON(w, http.StatusCreated, s)
}

// ListSessions returns all live sessions with their client counts.
func (a *API) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := a.Sessions.List()

	type sessionResponse struct {
		ID        string    `json:"id"`
		Name      string    `json:"name"`
		TmuxName  string    `json:"tmuxName"`
		RepoPath  string    `json:"repoPath,omitempty"`
		CreatedAt time.Time `json:"createdAt"`
		Clients   int       `json:"clients"`
	}

	resp := make([]sessionResponse, len(sessions))
	for i, s := range sessions {
		resp[i] = sessionResponse{
			ID:        s.ID,
			Name:      s.Name,
			TmuxName:  s.TmuxName,
			RepoPath:  s.RepoPath,
			CreatedAt: s.CreatedAt,
			Clients:   s.ClientCount(),
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": resp})
}

// GetSession returns one session by id.
func (a *API) GetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := a.Sessions.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

type issueTokenRequest struct {
	TTLMinutes  int    `json:"ttlMinutes"`
	Permissions string `json:"permissions"`
}

// IssueToken mints a join token for a session. Defaults: 60 minute lifetime,
// write permission.
func (a *API) IssueToken(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := a.Sessions.Get(id); !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	var req issueTokenRequest
	if r.Body != nil {
		// An empty body means defaults, not an error.
		json.NewDecoder(r.Body).Decode(&req)
	}

	ttl := a.TokenTTL
	if req.TTLMinutes > 0 {
		ttl = time.Duration(req.TTLMinutes) * time.Minute
	}

	perm := token.PermWrite
	if req.Permissions == string(token.PermRead) {
		perm = token.PermRead
	}

	st, err := a.Tokens.Issue(id, ttl, perm)
	if err != nil {
		log.Printf("issue token for session %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"token":       st.Token,
		"sessionId":   st.SessionID,
		"permissions": st.Permission,
		"expiresAt":   st.ExpiresAt,
	})
}

// Snapshot returns the session's current screen as plain text. It requires a
// valid token for this session, same as attaching over WebSocket.
func (a *API) Snapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	st := a.Tokens.Validate(r.URL.Query().Get("token"))
	if st == nil || st.SessionID != id {
		writeError(w, http.StatusUnauthorized, "Invalid or expired token")
		return
	}

	text, ok := a.Sessions.Snapshot(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"screen": text})
}
