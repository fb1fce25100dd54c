package proxy

import (
	"sync"
	"testing"
	"time"
)

// newTestManager captures idle timer callbacks so tests can fire them.
func newTestManager() (*TerminalProxyManager, *[]func(), *sync.Mutex) {
	m := NewTerminalProxyManager(testHosts, DefaultMaxReconnects, time.Second, 30*time.Minute)

	var mu sync.Mutex
	callbacks := []func(){}
	m.afterFunc = func(d time.Duration, fn func()) *time.Timer {
		mu.Lock()
		callbacks = append(callbacks, fn)
		mu.Unlock()
		return time.NewTimer(time.Hour)
	}
	return m, &callbacks, &mu
}

func TestGetCreatesAndReuses(t *testing.T) {
	m, _, _ := newTestManager()

	p1 := m.Get("alice")
	p2 := m.Get("alice")
	if p1 != p2 {
		t.Error("repeated Get returned a different proxy")
	}
	if m.Count() != 1 {
		t.Errorf("Count = %d, want 1", m.Count())
	}

	p3 := m.Get("bob")
	if p3 == p1 {
		t.Error("different users share a proxy")
	}
	if m.Count() != 2 {
		t.Errorf("Count = %d, want 2", m.Count())
	}
}

func TestIdleEviction(t *testing.T) {
	m, callbacks, mu := newTestManager()

	p1 := m.Get("alice")

	mu.Lock()
	fire := append([]func(){}, *callbacks...)
	mu.Unlock()
	for _, fn := range fire {
		fn()
	}

	if m.Count() != 0 {
		t.Fatalf("Count after eviction = %d, want 0", m.Count())
	}

	// The next Get builds a fresh proxy.
	p2 := m.Get("alice")
	if p2 == p1 {
		t.Error("evicted proxy was reused")
	}
}

func TestStaleEvictionTimerIgnored(t *testing.T) {
	m := NewTerminalProxyManager(testHosts, DefaultMaxReconnects, time.Second, time.Hour)

	p1 := m.Get("alice")
	m.mu.Lock()
	pp := m.proxies["alice"]
	m.mu.Unlock()

	// Simulate the proxy being replaced before the old timer fires.
	m.mu.Lock()
	delete(m.proxies, "alice")
	m.mu.Unlock()
	p2 := m.Get("alice")
	if p2 == p1 {
		t.Fatal("expected a fresh proxy")
	}

	m.evict("alice", pp)
	if m.Count() != 1 {
		t.Errorf("stale timer evicted the replacement proxy")
	}
}

func TestShutdownCleansEverything(t *testing.T) {
	m, _, _ := newTestManager()
	m.Get("alice")
	m.Get("bob")

	m.Shutdown()
	if m.Count() != 0 {
		t.Errorf("Count after shutdown = %d, want 0", m.Count())
	}
}
