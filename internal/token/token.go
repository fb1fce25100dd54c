// Package token issues and validates capability tokens for terminal sessions.
//
// A token is an opaque bearer credential scoping access to exactly one
// session with a permission level and an expiry. Tokens carry no user
// identity. Storage is purely in-memory; the only failure mode is
// "not found", surfaced as a nil result rather than an error.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// Permission is the access level a token grants on its session.
type Permission string

const (
	PermRead  Permission = "read"
	PermWrite Permission = "write"
)

// DefaultTTL is the token lifetime applied when the caller does not request
// a specific one.
const DefaultTTL = 60 * time.Minute

// SessionToken is the stored record for one issued token.
type SessionToken struct {
	Token      string
	SessionID  string
	ExpiresAt  time.Time
	Permission Permission
}

// Manager owns the live token set. All methods are safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	tokens map[string]*SessionToken

	// injectable for tests
	now       func() time.Time
	afterFunc func(d time.Duration, f func()) *time.Timer
}

func NewManager() *Manager {
	return &Manager{
		tokens:    make(map[string]*SessionToken),
		now:       time.Now,
		afterFunc: time.AfterFunc,
	}
}

// Issue generates a new opaque token for the given session. A deferred
// deletion fires at expiry regardless of any earlier explicit Revoke
// (deleting an already-removed token is a no-op). The token's expiry is
// fixed at issuance; extending a token means issuing a new one.
func (m *Manager) Issue(sessionID string, ttl time.Duration, perm Permission) (*SessionToken, error) {
	if perm == "" {
		perm = PermWrite
	}

	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	tok := hex.EncodeToString(b)

	st := &SessionToken{
		Token:      tok,
		SessionID:  sessionID,
		ExpiresAt:  m.now().Add(ttl),
		Permission: perm,
	}

	m.mu.Lock()
	m.tokens[tok] = st
	m.mu.Unlock()

	m.afterFunc(ttl, func() { m.Revoke(tok) })

	return st, nil
}

// Validate returns the token record, or nil if the token is unknown or
// expired. An expired token is deleted as a side effect, so validating it
// twice yields nil both times.
func (m *Manager) Validate(tok string) *SessionToken {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.tokens[tok]
	if !ok {
		return nil
	}
	if !m.now().Before(st.ExpiresAt) {
		delete(m.tokens, tok)
		return nil
	}
	return st
}

// Revoke removes a token. Revoking an unknown token is a no-op.
func (m *Manager) Revoke(tok string) {
	m.mu.Lock()
	delete(m.tokens, tok)
	m.mu.Unlock()
}

// ActiveCount returns the number of stored tokens, for diagnostics. The
// count may include tokens that have expired but not yet been swept by
// their deferred deletion.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}
