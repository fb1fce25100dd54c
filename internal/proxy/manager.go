package proxy

import (
	"log"
	"sync"
	"time"

	"github.com/termshare/termshare/internal/logutil"
)

// DefaultIdleTimeout is how long a user's proxy survives without being
// touched before its connections are torn down.
const DefaultIdleTimeout = 30 * time.Minute

// TerminalProxyManager pools one TerminalProxy per user, created lazily.
// Every access resets the user's idle timer; an idle proxy is cleaned up and
// discarded, so its SSH connections do not linger for departed users.
type TerminalProxyManager struct {
	hosts          map[string]HostConfig
	maxReconnects  int
	connectTimeout time.Duration
	idleTimeout    time.Duration

	mu      sync.Mutex
	proxies map[string]*pooledProxy

	// Swappable in tests.
	afterFunc func(time.Duration, func()) *time.Timer
}

type pooledProxy struct {
	proxy     *TerminalProxy
	idleTimer *time.Timer
}

func NewTerminalProxyManager(hosts map[string]HostConfig, maxReconnects int, connectTimeout, idleTimeout time.Duration) *TerminalProxyManager {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &TerminalProxyManager{
		hosts:          hosts,
		maxReconnects:  maxReconnects,
		connectTimeout: connectTimeout,
		idleTimeout:    idleTimeout,
		proxies:        make(map[string]*pooledProxy),
		afterFunc:      time.AfterFunc,
	}
}

// Get returns the user's proxy, creating it on first use. The idle timer is
// reset on every call.
func (m *TerminalProxyManager) Get(userID string) *TerminalProxy {
	m.mu.Lock()
	defer m.mu.Unlock()

	pp, ok := m.proxies[userID]
	if ok {
		pp.idleTimer.Reset(m.idleTimeout)
		return pp.proxy
	}

	p := NewTerminalProxy(m.hosts, m.maxReconnects, m.connectTimeout)
	pp = &pooledProxy{proxy: p}
	pp.idleTimer = m.afterFunc(m.idleTimeout, func() {
		m.evict(userID, pp)
	})
	m.proxies[userID] = pp

	log.Printf("[proxy] created proxy for user %s", logutil.SanitizeForLog(userID))
	return p
}

// evict removes an idle proxy and closes everything it holds.
func (m *TerminalProxyManager) evict(userID string, pp *pooledProxy) {
	m.mu.Lock()
	current, ok := m.proxies[userID]
	if !ok || current != pp {
		// Replaced or already removed; a stale timer changes nothing.
		m.mu.Unlock()
		return
	}
	delete(m.proxies, userID)
	m.mu.Unlock()

	log.Printf("[proxy] evicting idle proxy for user %s", logutil.SanitizeForLog(userID))
	pp.proxy.Cleanup()
}

// Count returns the number of pooled proxies.
func (m *TerminalProxyManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.proxies)
}

// Shutdown tears down every pooled proxy.
func (m *TerminalProxyManager) Shutdown() {
	m.mu.Lock()
	proxies := m.proxies
	m.proxies = make(map[string]*pooledProxy)
	m.mu.Unlock()

	for _, pp := range proxies {
		pp.idleTimer.Stop()
		pp.proxy.Cleanup()
	}
}
