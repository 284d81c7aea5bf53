// Package connections provides a process-wide cache for a single lazily
// established connection handle. The cache dials on first use, coalesces
// concurrent callers onto one in-flight attempt and resets after a failed
// attempt so the next caller retries with a fresh dial.
package connections

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Handle is an opaque reference to an established connection. A handle is
// created by a Dialer, owned by the cache once resolved and shared read-only
// by every caller until the cache invalidates or closes it.
type Handle interface {
	Close() error
}

// Dialer performs one establishment attempt against the external resource.
// The supplied context carries the dial timeout configured on the cache, never
// a caller context: waiters may abandon an attempt without aborting it.
type Dialer func(ctx context.Context) (Handle, error)

var (
	// ErrNotConfigured is reported by Acquire when the cache was constructed
	// without a dialer because the connection configuration is absent. No
	// establishment attempt is issued in that case.
	ErrNotConfigured = errors.New("connection not configured")

	// ErrClosed is reported by Acquire once the cache has been closed.
	ErrClosed = errors.New("connection cache closed")
)

// attempt is one in-flight establishment shared by every caller that arrives
// while it is pending. done is closed exactly once, after handle and err are
// final, so all waiters observe the same outcome.
type attempt struct {
	done   chan struct{}
	handle Handle
	err    error
}

// Cache holds at most one resolved handle and at most one pending attempt.
// The zero value is not usable; construct with NewCache. All methods are safe
// for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	dial    Dialer
	timeout time.Duration

	handle  Handle
	pending *attempt
	closed  bool

	attempts uint64
	failures uint64
}

// Option adjusts cache construction.
type Option func(*Cache)

// WithDialTimeout bounds every establishment attempt. Zero or negative
// disables the bound.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Cache) {
		c.timeout = d
	}
}

// NewCache creates a cache around the given dialer. The cache is expected to
// be owned by the composition root and handed to the components that need the
// connection; it is initialised on first Acquire and torn down via Close at
// shutdown. A nil dialer yields a cache whose Acquire always fails with
// ErrNotConfigured.
func NewCache(dial Dialer, opts ...Option) *Cache {
	c := &Cache{dial: dial}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Acquire returns the shared connection handle. A resolved handle is returned
// immediately. While an attempt is pending, the caller attaches to its
// outcome instead of dialling again; otherwise a single new attempt is
// started. After a failed attempt the cache is empty again and the next
// Acquire dials fresh.
//
// The context cancels only this caller's wait. The attempt itself always runs
// to completion and other waiters are unaffected.
func (c *Cache) Acquire(ctx context.Context) (Handle, error) {
	c.mu.RLock()
	if h := c.handle; h != nil {
		c.mu.RUnlock()
		return h, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if h := c.handle; h != nil {
		c.mu.Unlock()
		return h, nil
	}
	if c.dial == nil {
		c.mu.Unlock()
		return nil, ErrNotConfigured
	}
	att := c.pending
	if att == nil {
		att = &attempt{done: make(chan struct{})}
		c.pending = att
		c.attempts++
		go c.establish(att)
	}
	c.mu.Unlock()

	select {
	case <-att.done:
		return att.handle, att.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// establish runs one attempt to completion and publishes its outcome to every
// attached waiter.
func (c *Cache) establish(att *attempt) {
	ctx := context.Background()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	handle, err := c.dial(ctx)
	if err == nil && handle == nil {
		err = errors.New("dialer returned no handle")
	}

	c.mu.Lock()
	c.pending = nil
	closed := c.closed
	switch {
	case err != nil:
		c.failures++
		att.err = err
	case closed:
		att.err = ErrClosed
	default:
		c.handle = handle
		att.handle = handle
	}
	c.mu.Unlock()

	if err == nil && closed {
		_ = handle.Close()
	}
	close(att.done)
}

// Invalidate discards the cached handle if h is still the one being shared,
// and closes it. Callers invalidate after operations through the handle
// report a broken connection; the next Acquire then dials fresh. Handles that
// have already been replaced are ignored.
func (c *Cache) Invalidate(h Handle) {
	if h == nil {
		return
	}
	c.mu.Lock()
	if c.handle != h {
		c.mu.Unlock()
		return
	}
	c.handle = nil
	c.mu.Unlock()
	_ = h.Close()
}

// Close tears the cache down and closes the resolved handle if any. An
// attempt pending at close time still runs to completion; its handle is
// closed on arrival and waiters observe ErrClosed. Subsequent Acquire calls
// fail with ErrClosed.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	h := c.handle
	c.handle = nil
	c.mu.Unlock()

	if h == nil {
		return nil
	}
	if err := h.Close(); err != nil {
		return fmt.Errorf("close connection: %w", err)
	}
	return nil
}

// Stats describes the observable cache state.
type Stats struct {
	Attempts uint64 `json:"attempts"`
	Failures uint64 `json:"failures"`
	Resolved bool   `json:"resolved"`
	Pending  bool   `json:"pending"`
	Closed   bool   `json:"closed"`
}

// Stats returns a snapshot of attempt counters and state flags.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Attempts: c.attempts,
		Failures: c.failures,
		Resolved: c.handle != nil,
		Pending:  c.pending != nil,
		Closed:   c.closed,
	}
}
