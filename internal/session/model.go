package session

import (
	"sync"
	"time"
)

// Session is one shared terminal: a named tmux session plus the pty attached
// to it. Clients are tracked as an id set; the Manager tears the session down
// when the set becomes empty. The pty handle is owned by the Manager and
// never leaves this package except through Manager.Terminal.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	TmuxName  string    `json:"tmuxName"`
	RepoPath  string    `json:"repoPath,omitempty"`
	CreatedAt time.Time `json:"createdAt"`

	mu          sync.Mutex
	clients     map[string]struct{}
	subscribers map[string]func([]byte)
	term        Terminal
	screen      *Screen
}

// ClientCount returns the number of attached clients.
func (s *Session) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Session) addClient(clientID string) {
	s.mu.Lock()
	s.clients[clientID] = struct{}{}
	s.mu.Unlock()
}

// removeClient drops a client and reports how many remain.
func (s *Session) removeClient(clientID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, clientID)
	return len(s.clients)
}

func (s *Session) subscribe(clientID string, fn func([]byte)) {
	s.mu.Lock()
	s.subscribers[clientID] = fn
	s.mu.Unlock()
}

func (s *Session) unsubscribe(clientID string) {
	s.mu.Lock()
	delete(s.subscribers, clientID)
	s.mu.Unlock()
}

// publish feeds one pty output chunk to the screen emulator and to every
// subscribed client. Subscriber callbacks must not block; the gateway's
// callbacks only enqueue onto a buffered per-client queue.
func (s *Session) publish(data []byte) {
	s.mu.Lock()
	s.screen.Write(data)
	subs := make([]func([]byte), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(data)
	}
}
