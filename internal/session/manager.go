// Package session owns the mapping from session identity to its tmux backend
// session and the attached pty process.
//
// The Manager is the only component allowed to spawn or kill a session's
// backend process and pty. Clients are referenced by id only; their sockets
// live in the gateway. A session is torn down exactly when its client set
// becomes empty; there is no idle timeout independent of client presence.
package session

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/termshare/termshare/internal/logutil"
)

// Default pty geometry for new sessions.
const (
	DefaultCols uint16 = 80
	DefaultRows uint16 = 24
)

// Manager tracks all local shared sessions. Safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	backend Backend
	prefix  string

	startTerminal StartTerminalFunc
}

// NewManager builds a Manager on the given multiplexer backend. A nil start
// function uses the real pty; tests pass their own to run without tmux.
func NewManager(backend Backend, prefix string, start StartTerminalFunc) *Manager {
	if start == nil {
		start = StartPty
	}
	return &Manager{
		sessions:      make(map[string]*Session),
		backend:       backend,
		prefix:        prefix,
		startTerminal: start,
	}
}

// Create allocates a session id, creates the backend tmux session (a hard
// failure if tmux exits non-zero), and attaches a pty at the default 80x24
// geometry. Both the backend session and the pty exist by the time Create
// returns.
func (m *Manager) Create(name, repoPath string) (*Session, error) {
	id := uuid.New().String()
	tmuxName := m.prefix + id[:8]

	if err := m.backend.CreateSession(tmuxName, repoPath); err != nil {
		return nil, fmt.Errorf("create backend session: %w", err)
	}

	term, err := m.startTerminal(tmuxName, repoPath, DefaultCols, DefaultRows)
	if err != nil {
		if killErr := m.backend.KillSession(tmuxName); killErr != nil {
			log.Printf("session %s: kill after failed pty start: %v", id, killErr)
		}
		return nil, fmt.Errorf("attach pty: %w", err)
	}

	s := &Session{
		ID:          id,
		Name:        name,
		TmuxName:    tmuxName,
		RepoPath:    repoPath,
		CreatedAt:   time.Now(),
		clients:     make(map[string]struct{}),
		subscribers: make(map[string]func([]byte)),
		term:        term,
		screen:      NewScreen(int(DefaultCols), int(DefaultRows)),
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	go m.pumpOutput(s)

	log.Printf("session %s created (name=%q tmux=%s)", id, logutil.SanitizeForLog(name), tmuxName)
	return s, nil
}

// pumpOutput relays pty output to the session's subscribers and screen
// emulator for the lifetime of the pty. Exits when the pty closes.
func (m *Manager) pumpOutput(s *Session) {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.term.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.publish(data)
		}
		if err != nil {
			return
		}
	}
}

// Get returns a session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns all live sessions.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Terminal returns the pty handle for a session, for the gateway's single
// write path.
func (m *Manager) Terminal(id string) (Terminal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return s.term, true
}

// AddClient records a client as attached. No-op if the session is gone.
func (m *Manager) AddClient(sessionID, clientID string) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	s.addClient(clientID)
}

// RemoveClient detaches a client. When the last client leaves, the session
// is torn down: the pty is closed, the backend session is killed best-effort,
// and the record is deleted. This is the only teardown path.
func (m *Manager) RemoveClient(sessionID, clientID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	remaining := s.removeClient(clientID)
	if remaining > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	s.term.Close()
	go func() {
		// Fire and forget: the pty is already dead, a lingering tmux
		// session is only log-worthy.
		if err := m.backend.KillSession(s.TmuxName); err != nil {
			log.Printf("session %s: backend kill: %v", sessionID, err)
		}
	}()

	log.Printf("session %s torn down (last client %s left)", sessionID, clientID)
}

// Resize forwards new dimensions to the session's pty and screen emulator.
// Silently no-ops if the session is gone: resizes race with teardown and
// that is harmless.
func (m *Manager) Resize(sessionID string, cols, rows uint16) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	if err := s.term.Resize(cols, rows); err != nil {
		log.Printf("session %s: resize: %v", sessionID, err)
		return
	}
	s.mu.Lock()
	s.screen.Resize(int(cols), int(rows))
	s.mu.Unlock()
}

// Subscribe registers a per-client output callback. Each output chunk read
// from the pty is delivered to every subscriber; late joiners see new output
// only, no backlog is replayed.
func (m *Manager) Subscribe(sessionID, clientID string, fn func([]byte)) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	s.subscribe(clientID, fn)
}

// Unsubscribe drops a client's output callback.
func (m *Manager) Unsubscribe(sessionID, clientID string) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	s.unsubscribe(clientID)
}

// Snapshot returns the session's currently composed screen text.
func (m *Manager) Snapshot(sessionID string) (string, bool) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screen.Text(), true
}

// Count returns the number of live sessions, for diagnostics.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown closes every pty. Backend tmux sessions are left alive so they
// survive a gateway restart.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.term.Close()
	}
}
