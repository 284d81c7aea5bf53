package service

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// previewCookie carries the preview session token. The cookie is HttpOnly
// and scoped to the whole site so both page routes and the API see it.
const previewCookie = "__pressroom_preview"

// previewSessions tracks active preview tokens. Sessions expire after the
// configured TTL and are pruned opportunistically.
type previewSessions struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]time.Time
	now      func() time.Time
}

func newPreviewSessions(ttl time.Duration) *previewSessions {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &previewSessions{
		ttl:      ttl,
		sessions: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Start issues a new session token.
func (p *previewSessions) Start() (string, time.Time) {
	token := uuid.NewString()
	expires := p.now().Add(p.ttl)

	p.mu.Lock()
	p.prune()
	p.sessions[token] = expires
	p.mu.Unlock()

	return token, expires
}

// Active reports whether the token belongs to an unexpired session.
func (p *previewSessions) Active(token string) bool {
	if token == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	expires, ok := p.sessions[token]
	if !ok {
		return false
	}
	if p.now().After(expires) {
		delete(p.sessions, token)
		return false
	}
	return true
}

// End invalidates a session token.
func (p *previewSessions) End(token string) {
	p.mu.Lock()
	delete(p.sessions, token)
	p.mu.Unlock()
}

// Count returns the number of unexpired sessions.
func (p *previewSessions) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prune()
	return len(p.sessions)
}

// prune removes expired sessions. Callers must hold the lock.
func (p *previewSessions) prune() {
	now := p.now()
	for token, expires := range p.sessions {
		if now.After(expires) {
			delete(p.sessions, token)
		}
	}
}
