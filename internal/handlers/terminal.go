// Package handlers is the HTTP and WebSocket surface: session CRUD, token
// issuance, screen snapshots, and the collaborative terminal gateway.
package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/termshare/termshare/internal/proxy"
	"github.com/termshare/termshare/internal/session"
	"github.com/termshare/termshare/internal/token"
)

// terminalRateLimit caps messages per second per WebSocket connection.
// Messages beyond this rate are dropped.
const terminalRateLimit = 200

// terminalRateBurst is the token bucket burst size, allowing short bursts
// of rapid input (e.g., paste operations) before rate limiting kicks in.
const terminalRateBurst = 200

// maxInputSize caps a single input payload. Larger payloads are dropped.
const maxInputSize = 64 * 1024

// API carries the gateway's dependencies. Handlers hang off it so tests can
// build isolated instances.
type API struct {
	Sessions *session.Manager
	Tokens   *token.Manager
	// Proxies is optional; remote endpoints 503 when it is nil.
	Proxies *proxy.TerminalProxyManager
	// TokenTTL is the default lifetime for issued tokens.
	TokenTTL time.Duration

	hub *hub
}

func NewAPI(sessions *session.Manager, tokens *token.Manager) *API {
	return &API{
		Sessions: sessions,
		Tokens:   tokens,
		TokenTTL: token.DefaultTTL,
		hub:      newHub(),
	}
}

// TerminalWS upgrades to a WebSocket and attaches the caller to the session
// its token grants. The token arrives as a query parameter; an invalid or
// expired one gets an error frame and a policy close.
func (a *API) TerminalWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("terminal websocket accept: %v", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	st := a.Tokens.Validate(r.URL.Query().Get("token"))
	if st == nil {
		a.closeWithError(ctx, conn, 4401, "invalid or expired token")
		return
	}

	sess, ok := a.Sessions.Get(st.SessionID)
	if !ok {
		a.closeWithError(ctx, conn, 4404, "session not found")
		return
	}

	conn.SetReadLimit(1024 * 1024)

	c := newClient(uuid.New().String(), sess.ID, st.Permission)
	a.hub.add(c)
	a.Sessions.AddClient(sess.ID, c.id)
	a.Sessions.Subscribe(sess.ID, c.id, func(data []byte) {
		c.enqueue(marshalMessage(wireMessage{
			Type:      msgOutput,
			Data:      string(data),
			Timestamp: nowMillis(),
		}))
	})

	log.Printf("client %s attached to session %s (perm=%s)", c.id, sess.ID, c.perm)

	relayCtx, relayCancel := context.WithCancel(ctx)
	defer relayCancel()

	// Queue -> socket
	go func() {
		defer relayCancel()
		for {
			select {
			case frame := <-c.send:
				if err := conn.Write(relayCtx, websocket.MessageText, frame); err != nil {
					return
				}
			case <-relayCtx.Done():
				return
			}
		}
	}()

	// The new client learns its own identity before any presence traffic,
	// then the others hear about the arrival.
	c.enqueue(marshalMessage(wireMessage{
		Type:        msgJoined,
		ClientID:    c.id,
		SessionID:   sess.ID,
		SessionName: sess.Name,
		Timestamp:   nowMillis(),
	}))
	a.hub.broadcast(sess.ID, c.id, marshalMessage(wireMessage{
		Type: msgPresence,
		Data: presencePayload{
			Action:       "join",
			ClientID:     c.id,
			TotalClients: a.hub.count(sess.ID),
		},
		Timestamp: nowMillis(),
	}))

	a.readLoop(relayCtx, conn, c)

	a.Sessions.Unsubscribe(sess.ID, c.id)
	a.hub.remove(c)
	a.Sessions.RemoveClient(sess.ID, c.id)

	a.hub.broadcast(sess.ID, c.id, marshalMessage(wireMessage{
		Type: msgPresence,
		Data: presencePayload{
			Action:       "leave",
			ClientID:     c.id,
			TotalClients: a.hub.count(sess.ID),
		},
		Timestamp: nowMillis(),
	}))

	log.Printf("client %s detached from session %s", c.id, sess.ID)
	conn.Close(websocket.StatusNormalClosure, "")
}

// readLoop consumes client frames until the socket errors or the context is
// canceled.
func (a *API) readLoop(ctx context.Context, conn *websocket.Conn, c *client) {
	limiter := newTokenBucket(terminalRateBurst, terminalRateLimit)

	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return
		}

		// Rate limit: drop messages that exceed the allowed rate
		if !limiter.allow() {
			continue
		}

		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case msgInput:
			a.handleInput(c, msg.Data)
		case msgResize:
			a.handleResize(c, msg.Data)
		}
	}
}

// handleInput forwards keystrokes to the pty and echoes them to the other
// clients tagged with the sender. Read-only clients are dropped silently so
// a viewer's stray keystrokes do not produce error chatter.
func (a *API) handleInput(c *client, raw json.RawMessage) {
	if c.perm != token.PermWrite {
		return
	}

	var data string
	if err := json.Unmarshal(raw, &data); err != nil {
		return
	}
	if len(data) == 0 || len(data) > maxInputSize {
		return
	}

	term, ok := a.Sessions.Terminal(c.sessionID)
	if !ok {
		return
	}
	if _, err := term.Write([]byte(data)); err != nil {
		log.Printf("client %s: pty write: %v", c.id, err)
		return
	}

	a.hub.broadcast(c.sessionID, c.id, marshalMessage(wireMessage{
		Type:      msgInput,
		Data:      data,
		ClientID:  c.id,
		Timestamp: nowMillis(),
	}))
}

// handleResize applies new dimensions. Resize is not permission-gated;
// a read-only viewer resizing their window still reflows the shared pty.
func (a *API) handleResize(c *client, raw json.RawMessage) {
	var p resizePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	if p.Cols == 0 || p.Rows == 0 {
		return
	}
	a.Sessions.Resize(c.sessionID, p.Cols, p.Rows)
}

func (a *API) closeWithError(ctx context.Context, conn *websocket.Conn, code websocket.StatusCode, msg string) {
	frame := marshalMessage(wireMessage{
		Type:      msgError,
		Message:   msg,
		Timestamp: nowMillis(),
	})
	writeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	conn.Write(writeCtx, websocket.MessageText, frame)
	conn.Close(code, msg)
}

// tokenBucket implements a simple token bucket rate limiter for terminal messages.
type tokenBucket struct {
	tokens     int
	maxTokens  int
	refillRate int // tokens added per second
	lastRefill time.Time
}

func newTokenBucket(maxTokens, refillRate int) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// allow checks if a message is allowed and consumes a token.
func (tb *tokenBucket) allow() bool {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	tb.lastRefill = now

	tb.tokens += int(elapsed.Seconds() * float64(tb.refillRate))
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}

	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}
