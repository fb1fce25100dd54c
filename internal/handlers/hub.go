package handlers

import (
	"log"
	"sync"

	"github.com/termshare/termshare/internal/token"
)

// sendQueueSize bounds the per-client outbound queue. A client that cannot
// keep up has frames dropped rather than stalling the session.
const sendQueueSize = 256

// client is one attached WebSocket connection.
type client struct {
	id        string
	sessionID string
	perm      token.Permission
	send      chan []byte
}

func newClient(id, sessionID string, perm token.Permission) *client {
	return &client{
		id:        id,
		sessionID: sessionID,
		perm:      perm,
		send:      make(chan []byte, sendQueueSize),
	}
}

// enqueue queues a frame for delivery, dropping it if the queue is full.
func (c *client) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
		log.Printf("client %s: send queue full, dropping frame", c.id)
	}
}

// hub tracks attached clients per session and fans frames out to them.
type hub struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*client
}

func newHub() *hub {
	return &hub{sessions: make(map[string]map[string]*client)}
}

func (h *hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.sessions[c.sessionID]
	if !ok {
		members = make(map[string]*client)
		h.sessions[c.sessionID] = members
	}
	members[c.id] = c
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.sessions[c.sessionID]
	if !ok {
		return
	}
	delete(members, c.id)
	if len(members) == 0 {
		delete(h.sessions, c.sessionID)
	}
}

// count returns the number of clients attached to a session.
func (h *hub) count(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// broadcast delivers a frame to every client of a session except the sender.
// Pass an empty senderID to reach everyone. Enqueueing happens under the lock
// so two broadcasts cannot interleave their deliveries; enqueue never blocks.
func (h *hub) broadcast(sessionID, senderID string, frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range recipients(h.sessions[sessionID], senderID) {
		c.enqueue(frame)
	}
}

// recipients selects broadcast targets: all members except the sender. The
// originator of a message never receives its own echo.
func recipients(members map[string]*client, senderID string) []*client {
	out := make([]*client, 0, len(members))
	for id, c := range members {
		if id == senderID {
			continue
		}
		out = append(out, c)
	}
	return out
}
