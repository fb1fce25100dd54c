// Package proxy bridges local session traffic to tmux sessions on remote
// hosts over SSH.
//
// Each user gets their own TerminalProxy holding that user's SSH connections
// and attached remote terminals. A dropped connection reconnects with
// exponential backoff (1s, 2s, 4s, 8s, 16s cap); once the attempt budget is
// exhausted the connection goes to a terminal failed state and stays there
// until an explicit Connect. Lifecycle changes are emitted to registered
// EventListeners.
package proxy

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/termshare/termshare/internal/logutil"
)

// Reconnection backoff configuration. Package-level vars so tests can override.
var (
	reconnectInitialBackoff = 1 * time.Second
	reconnectMaxBackoff     = 16 * time.Second
)

// DefaultMaxReconnects is the automatic reconnection attempt budget per drop.
const DefaultMaxReconnects = 5

// DefaultConnectTimeout bounds a single dial attempt.
const DefaultConnectTimeout = 30 * time.Second

// backoffDelay returns the wait before reconnection attempt n (1-based):
// 1s, 2s, 4s, 8s, then capped at 16s.
func backoffDelay(attempt int) time.Duration {
	d := reconnectInitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= reconnectMaxBackoff {
			return reconnectMaxBackoff
		}
	}
	return d
}

// remoteConn pairs a transport with a generation number so a stale monitor
// goroutine cannot tear down a replacement connection.
type remoteConn struct {
	t   transport
	gen uint64
}

// remoteChannel is one attached remote terminal plus its delivery callbacks.
type remoteChannel struct {
	connectionID string
	sessionName  string
	term         remoteTerminal
	onClose      func(error)
}

// TerminalProxy manages one user's remote connections and attached terminals.
type TerminalProxy struct {
	hosts map[string]HostConfig

	mu          sync.Mutex
	conns       map[string]*remoteConn
	attempts    map[string]int
	retryTimers map[string]*time.Timer
	channels    map[string]*remoteChannel
	gen         uint64

	state     *stateTracker
	listeners []EventListener

	maxReconnects  int
	connectTimeout time.Duration

	// Swappable in tests.
	dial      dialFunc
	afterFunc func(time.Duration, func()) *time.Timer
}

func NewTerminalProxy(hosts map[string]HostConfig, maxReconnects int, connectTimeout time.Duration) *TerminalProxy {
	if maxReconnects <= 0 {
		maxReconnects = DefaultMaxReconnects
	}
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	return &TerminalProxy{
		hosts:          hosts,
		conns:          make(map[string]*remoteConn),
		attempts:       make(map[string]int),
		retryTimers:    make(map[string]*time.Timer),
		channels:       make(map[string]*remoteChannel),
		state:          newStateTracker(),
		maxReconnects:  maxReconnects,
		connectTimeout: connectTimeout,
		dial:           sshDial,
		afterFunc:      time.AfterFunc,
	}
}

// OnEvent registers a listener for connection lifecycle events.
func (p *TerminalProxy) OnEvent(l EventListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

func (p *TerminalProxy) emit(connectionID string, t EventType, details string) {
	p.mu.Lock()
	listeners := make([]EventListener, len(p.listeners))
	copy(listeners, p.listeners)
	p.mu.Unlock()

	ev := ConnectionEvent{
		ConnectionID: connectionID,
		Type:         t,
		Details:      details,
		Timestamp:    time.Now(),
	}
	log.Printf("[proxy] %s: %s %s", logutil.SanitizeForLog(connectionID), t, details)
	for _, l := range listeners {
		l(ev)
	}
}

// State returns the lifecycle state of one connection.
func (p *TerminalProxy) State(connectionID string) ConnectionState {
	return p.state.get(connectionID)
}

// States returns all connection states.
func (p *TerminalProxy) States() map[string]ConnectionState {
	return p.state.all()
}

// Connect establishes the connection to a configured host. Calling Connect
// on an already connected id is a no-op. An explicit Connect also clears a
// failed state and restarts the attempt budget.
func (p *TerminalProxy) Connect(ctx context.Context, connectionID string) error {
	hc, ok := p.hosts[connectionID]
	if !ok {
		return fmt.Errorf("unknown connection %q", connectionID)
	}

	p.mu.Lock()
	if _, live := p.conns[connectionID]; live {
		p.mu.Unlock()
		return nil
	}
	if t, ok := p.retryTimers[connectionID]; ok {
		t.Stop()
		delete(p.retryTimers, connectionID)
	}
	delete(p.attempts, connectionID)
	p.mu.Unlock()

	p.state.set(connectionID, StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	defer cancel()

	t, err := p.dial(dialCtx, hc)
	if err != nil {
		p.state.set(connectionID, StateDisconnected)
		return fmt.Errorf("connect %s: %w", connectionID, err)
	}

	p.adopt(connectionID, t, EventConnected, "")
	return nil
}

// adopt registers a freshly dialed transport and starts its monitor.
func (p *TerminalProxy) adopt(connectionID string, t transport, event EventType, details string) {
	p.mu.Lock()
	p.gen++
	gen := p.gen
	p.conns[connectionID] = &remoteConn{t: t, gen: gen}
	delete(p.attempts, connectionID)
	p.mu.Unlock()

	p.state.set(connectionID, StateConnected)
	p.emit(connectionID, event, details)

	go func() {
		err := t.wait()
		p.handleDisconnect(connectionID, gen, err)
	}()
}

// handleDisconnect runs when a connection's transport dies. Attached remote
// terminals are closed, then reconnection is scheduled.
func (p *TerminalProxy) handleDisconnect(connectionID string, gen uint64, cause error) {
	p.mu.Lock()
	rc, ok := p.conns[connectionID]
	if !ok || rc.gen != gen {
		// A newer connection replaced this one already.
		p.mu.Unlock()
		return
	}
	delete(p.conns, connectionID)

	var dead []*remoteChannel
	for key, ch := range p.channels {
		if ch.connectionID == connectionID {
			dead = append(dead, ch)
			delete(p.channels, key)
		}
	}
	p.mu.Unlock()

	for _, ch := range dead {
		ch.term.Close()
		if ch.onClose != nil {
			ch.onClose(fmt.Errorf("connection %s lost", connectionID))
		}
	}

	details := ""
	if cause != nil {
		details = cause.Error()
	}
	p.emit(connectionID, EventDisconnected, details)

	p.scheduleRetry(connectionID)
}

// scheduleRetry books the next reconnection attempt, or gives up when the
// budget is exhausted.
func (p *TerminalProxy) scheduleRetry(connectionID string) {
	p.mu.Lock()
	p.attempts[connectionID]++
	attempt := p.attempts[connectionID]

	if attempt > p.maxReconnects {
		delete(p.attempts, connectionID)
		p.mu.Unlock()
		p.state.set(connectionID, StateFailed)
		p.emit(connectionID, EventReconnectFailed,
			fmt.Sprintf("gave up after %d attempts", p.maxReconnects))
		return
	}

	delay := backoffDelay(attempt)

	// The state must be reconnecting before the timer can fire, or a fast
	// timer would mistake itself for a stray one.
	p.state.set(connectionID, StateReconnecting)
	p.retryTimers[connectionID] = p.afterFunc(delay, func() {
		p.attemptReconnect(connectionID)
	})
	p.mu.Unlock()

	p.emit(connectionID, EventReconnecting,
		fmt.Sprintf("attempt %d/%d in %s", attempt, p.maxReconnects, delay))
}

// attemptReconnect is the timer callback for one reconnection attempt.
func (p *TerminalProxy) attemptReconnect(connectionID string) {
	// A Cleanup or explicit Connect may have raced the timer.
	if p.state.get(connectionID) != StateReconnecting {
		return
	}

	p.mu.Lock()
	delete(p.retryTimers, connectionID)
	attempt := p.attempts[connectionID]
	p.mu.Unlock()

	hc, ok := p.hosts[connectionID]
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.connectTimeout)
	t, err := p.dial(ctx, hc)
	cancel()
	if err != nil {
		log.Printf("[proxy] %s: reconnect attempt %d failed: %v",
			logutil.SanitizeForLog(connectionID), attempt, err)
		p.scheduleRetry(connectionID)
		return
	}

	p.adopt(connectionID, t, EventReconnected,
		fmt.Sprintf("reconnected after %d attempt(s)", attempt))
}

// transportFor returns the live transport or an error if not connected.
func (p *TerminalProxy) transportFor(connectionID string) (transport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rc, ok := p.conns[connectionID]
	if !ok {
		return nil, fmt.Errorf("connection %s is not established", connectionID)
	}
	return rc.t, nil
}

// ListSessions lists tmux sessions on the remote host.
func (p *TerminalProxy) ListSessions(connectionID string) ([]string, error) {
	t, err := p.transportFor(connectionID)
	if err != nil {
		return nil, err
	}

	out, err := t.exec("tmux list-sessions -F '#{session_name}'")
	if err != nil {
		// "no server running" means no sessions, not a failure
		if strings.Contains(string(out), "no server running") ||
			strings.Contains(string(out), "no sessions") {
			return nil, nil
		}
		return nil, fmt.Errorf("remote list-sessions: %s: %w", strings.TrimSpace(string(out)), err)
	}

	var names []string
	for _, l := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			names = append(names, l)
		}
	}
	return names, nil
}

// CreateSession creates a detached tmux session on the remote host.
func (p *TerminalProxy) CreateSession(connectionID, sessionName string) error {
	t, err := p.transportFor(connectionID)
	if err != nil {
		return err
	}
	out, err := t.exec("tmux new-session -d -s " + shellQuote(sessionName))
	if err != nil {
		return fmt.Errorf("remote new-session: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

// KillSession kills a tmux session on the remote host.
func (p *TerminalProxy) KillSession(connectionID, sessionName string) error {
	t, err := p.transportFor(connectionID)
	if err != nil {
		return err
	}
	out, err := t.exec("tmux kill-session -t " + shellQuote(sessionName))
	if err != nil {
		return fmt.Errorf("remote kill-session: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

// channelKey addresses one attached terminal within a proxy.
func channelKey(connectionID, sessionName string) string {
	return connectionID + ":" + sessionName
}

// AttachSession opens a remote pty attached to the named tmux session.
// Output chunks are delivered through onOutput. onClose fires once if the
// terminal ends without the caller asking for it: the remote command exiting
// or the connection dropping. A deliberate DetachSession does not invoke it.
func (p *TerminalProxy) AttachSession(connectionID, sessionName string, cols, rows uint16, onOutput func([]byte), onClose func(error)) error {
	t, err := p.transportFor(connectionID)
	if err != nil {
		return err
	}

	key := channelKey(connectionID, sessionName)
	p.mu.Lock()
	if _, exists := p.channels[key]; exists {
		p.mu.Unlock()
		return fmt.Errorf("session %s already attached on %s", sessionName, connectionID)
	}
	p.mu.Unlock()

	term, err := t.openTerminal("tmux attach-session -t "+shellQuote(sessionName), cols, rows)
	if err != nil {
		return fmt.Errorf("attach %s on %s: %w", sessionName, connectionID, err)
	}

	ch := &remoteChannel{
		connectionID: connectionID,
		sessionName:  sessionName,
		term:         term,
		onClose:      onClose,
	}

	p.mu.Lock()
	p.channels[key] = ch
	p.mu.Unlock()

	go func() {
		buf := make([]byte, 32*1024)
		r := term.Output()
		for {
			n, err := r.Read(buf)
			if n > 0 && onOutput != nil {
				data := make([]byte, n)
				copy(data, buf[:n])
				onOutput(data)
			}
			if err != nil {
				break
			}
		}
		waitErr := term.Wait()

		p.mu.Lock()
		_, stillOurs := p.channels[key]
		if stillOurs && p.channels[key] == ch {
			delete(p.channels, key)
		} else {
			// handleDisconnect or Detach already claimed this channel
			// and fired its callback.
			stillOurs = false
		}
		p.mu.Unlock()

		if stillOurs && onClose != nil {
			onClose(waitErr)
		}
	}()

	return nil
}

// SendInput writes keystrokes to an attached remote terminal.
func (p *TerminalProxy) SendInput(connectionID, sessionName string, data []byte) error {
	p.mu.Lock()
	ch, ok := p.channels[channelKey(connectionID, sessionName)]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s is not attached on %s", sessionName, connectionID)
	}
	_, err := ch.term.Write(data)
	return err
}

// ResizeTerminal resizes an attached remote terminal.
func (p *TerminalProxy) ResizeTerminal(connectionID, sessionName string, cols, rows uint16) error {
	p.mu.Lock()
	ch, ok := p.channels[channelKey(connectionID, sessionName)]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s is not attached on %s", sessionName, connectionID)
	}
	return ch.term.Resize(cols, rows)
}

// DetachSession closes an attached remote terminal. The tmux session keeps
// running on the remote host.
func (p *TerminalProxy) DetachSession(connectionID, sessionName string) error {
	key := channelKey(connectionID, sessionName)
	p.mu.Lock()
	ch, ok := p.channels[key]
	if ok {
		delete(p.channels, key)
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s is not attached on %s", sessionName, connectionID)
	}
	return ch.term.Close()
}

// Cleanup tears down every terminal, timer, and connection this proxy holds.
func (p *TerminalProxy) Cleanup() {
	p.mu.Lock()
	for id, timer := range p.retryTimers {
		timer.Stop()
		delete(p.retryTimers, id)
	}
	channels := p.channels
	p.channels = make(map[string]*remoteChannel)
	conns := p.conns
	p.conns = make(map[string]*remoteConn)
	p.attempts = make(map[string]int)
	p.mu.Unlock()

	for _, ch := range channels {
		ch.term.Close()
	}
	for _, rc := range conns {
		rc.t.close()
	}
	for id := range p.state.all() {
		p.state.remove(id)
	}
}

// shellQuote wraps s in single quotes for the remote shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
