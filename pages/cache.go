// Package pages caches rendered pages as immutable snapshots and keeps them
// fresh through time-based staleness, background refreshes and on-demand
// rebuilds.
package pages

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/pressroom-dev/pressroom/render"
	"github.com/pressroom-dev/pressroom/store"
	"github.com/pressroom-dev/pressroom/telemetry"
)

// Builder produces page bodies for routes and enumerates the routes that
// currently exist. It is implemented by the renderer.
type Builder interface {
	Render(ctx context.Context, route string, preview bool) (render.Result, error)
	Routes(ctx context.Context) ([]string, error)
}

// Snapshot is one cached page build.
type Snapshot struct {
	Route       string    `json:"route"`
	Body        []byte    `json:"body"`
	ContentType string    `json:"content_type"`
	Hash        string    `json:"hash"`
	BuiltAt     time.Time `json:"built_at"`
	Builds      uint64    `json:"builds"`
}

// Status classifies how a lookup was served.
type Status string

const (
	// StatusHit means the snapshot was fresh.
	StatusHit Status = "hit"
	// StatusStale means a stale snapshot was served while a background
	// refresh was kicked off.
	StatusStale Status = "stale"
	// StatusMiss means the page was built synchronously for this lookup.
	StatusMiss Status = "miss"
)

type entry struct {
	snapshot   Snapshot
	refreshing atomic.Bool
}

// Cache holds the built pages. All methods are safe for concurrent use.
type Cache struct {
	builder      Builder
	ttl          time.Duration
	buildTimeout time.Duration
	workers      int
	logger       zerolog.Logger
	metrics      telemetry.Collector
	snapshots    *SnapshotStore

	group   singleflight.Group
	mu      sync.RWMutex
	entries map[string]*entry

	now func() time.Time
}

// Option configures the cache.
type Option func(*Cache)

// WithTTL sets the age after which a snapshot counts as stale. Zero or
// negative disables time-based staleness, pages then only change through
// explicit refreshes.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// WithSnapshotStore persists builds so a restart serves the previous
// snapshot instead of starting cold.
func WithSnapshotStore(s *SnapshotStore) Option {
	return func(c *Cache) {
		c.snapshots = s
	}
}

// WithMetrics wires the telemetry collector.
func WithMetrics(collector telemetry.Collector) Option {
	return func(c *Cache) {
		if collector != nil {
			c.metrics = collector
		}
	}
}

// WithBuildTimeout bounds background rebuilds that have no caller waiting.
func WithBuildTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.buildTimeout = d
		}
	}
}

// WithWorkers sets the concurrency of bulk rebuilds.
func WithWorkers(slots int) Option {
	return func(c *Cache) {
		if slots > 0 {
			c.workers = slots
		}
	}
}

// New builds a page cache around the given builder.
func New(builder Builder, logger zerolog.Logger, opts ...Option) (*Cache, error) {
	if builder == nil {
		return nil, errors.New("page cache requires a builder")
	}
	c := &Cache{
		builder:      builder,
		ttl:          30 * time.Second,
		buildTimeout: 30 * time.Second,
		workers:      2,
		logger:       logger,
		metrics:      telemetry.Noop(),
		entries:      make(map[string]*entry),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.snapshots != nil {
		c.restore()
	}
	return c, nil
}

// restore loads persisted snapshots into memory. Restored pages may be older
// than the TTL, they are served stale and refreshed on first access.
func (c *Cache) restore() {
	snaps, err := c.snapshots.Load()
	if err != nil {
		c.logger.Warn().Err(err).Msg("restore page snapshots")
		return
	}
	if len(snaps) == 0 {
		return
	}
	c.mu.Lock()
	for _, snap := range snaps {
		c.entries[snap.Route] = &entry{snapshot: snap}
	}
	count := len(c.entries)
	c.mu.Unlock()
	c.metrics.SetCachedPages(count)
	c.logger.Info().Int("pages", count).Msg("restored page snapshots")
}

func (c *Cache) stale(snap Snapshot) bool {
	if c.ttl <= 0 {
		return false
	}
	return c.now().Sub(snap.BuiltAt) >= c.ttl
}

// Get returns the snapshot for a route. Fresh snapshots are returned as-is.
// Stale snapshots are returned immediately while a background refresh runs,
// so readers never wait for a rebuild once a page exists. Unknown routes are
// built synchronously, concurrent first requests share one build.
func (c *Cache) Get(ctx context.Context, route string) (Snapshot, Status, error) {
	c.mu.RLock()
	ent, ok := c.entries[route]
	var snap Snapshot
	if ok {
		snap = ent.snapshot
	}
	c.mu.RUnlock()

	if ok {
		if !c.stale(snap) {
			return snap, StatusHit, nil
		}
		c.refreshAsync(route, ent)
		return snap, StatusStale, nil
	}

	built, err := c.build(ctx, route, "demand")
	if err != nil {
		return Snapshot{}, StatusMiss, err
	}
	return built, StatusMiss, nil
}

// refreshAsync rebuilds a stale page in the background. Only one refresh per
// entry runs at a time, further stale hits keep serving the old snapshot.
func (c *Cache) refreshAsync(route string, ent *entry) {
	if !ent.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer ent.refreshing.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), c.buildTimeout)
		defer cancel()
		if _, err := c.build(ctx, route, "stale"); err != nil {
			if errors.Is(err, store.ErrNotFound) || errors.Is(err, render.ErrUnknownRoute) {
				c.Drop(route)
				c.logger.Info().Str("route", route).Msg("page vanished, snapshot dropped")
				return
			}
			c.logger.Warn().Err(err).Str("route", route).Msg("background refresh failed, serving stale page")
		}
	}()
}

// build renders a route and records the snapshot. Concurrent builds of the
// same route are coalesced, every caller gets the same snapshot or error.
func (c *Cache) build(ctx context.Context, route string, trigger string) (Snapshot, error) {
	v, err, _ := c.group.Do(route, func() (interface{}, error) {
		result, err := c.builder.Render(ctx, route, false)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) && !errors.Is(err, render.ErrUnknownRoute) {
				c.metrics.IncPageBuildError(route)
			}
			return nil, err
		}
		return c.record(route, result, trigger), nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return v.(Snapshot), nil
}

func (c *Cache) record(route string, result render.Result, trigger string) Snapshot {
	c.mu.Lock()
	var builds uint64 = 1
	if prev, ok := c.entries[route]; ok {
		builds = prev.snapshot.Builds + 1
	}
	snap := Snapshot{
		Route:       route,
		Body:        result.Body,
		ContentType: result.ContentType,
		Hash:        hashBody(result.Body),
		BuiltAt:     c.now().UTC(),
		Builds:      builds,
	}
	c.entries[route] = &entry{snapshot: snap}
	count := len(c.entries)
	c.mu.Unlock()

	c.metrics.IncPageBuild(route, trigger)
	c.metrics.SetCachedPages(count)
	if c.snapshots != nil {
		if err := c.snapshots.Save(snap); err != nil {
			c.logger.Warn().Err(err).Str("route", route).Msg("persist page snapshot")
		}
	}
	c.logger.Debug().Str("route", route).Str("trigger", trigger).Uint64("builds", builds).Msg("page built")
	return snap
}

// Refresh rebuilds one route synchronously. A refresh that coincides with an
// in-flight build of the same route joins that build instead of rendering
// twice.
func (c *Cache) Refresh(ctx context.Context, route string, trigger string) (Snapshot, error) {
	return c.build(ctx, route, trigger)
}

// RefreshAll rebuilds every route the site currently has and drops cached
// pages whose route no longer exists. It returns the number of pages built.
func (c *Cache) RefreshAll(ctx context.Context, trigger string) (int, error) {
	routes, err := c.builder.Routes(ctx)
	if err != nil {
		return 0, fmt.Errorf("enumerate routes: %w", err)
	}

	want := make(map[string]struct{}, len(routes))
	for _, route := range routes {
		want[route] = struct{}{}
	}
	c.mu.RLock()
	var vanished []string
	for route := range c.entries {
		if _, ok := want[route]; !ok {
			vanished = append(vanished, route)
		}
	}
	c.mu.RUnlock()
	for _, route := range vanished {
		c.Drop(route)
	}

	return c.rebuildRoutes(ctx, routes, trigger)
}

// Sweep proactively rebuilds every stale snapshot so readers keep hitting
// fresh pages. It returns the number of pages rebuilt.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	c.mu.RLock()
	var staleRoutes []string
	for route, ent := range c.entries {
		if c.stale(ent.snapshot) {
			staleRoutes = append(staleRoutes, route)
		}
	}
	c.mu.RUnlock()

	sort.Strings(staleRoutes)
	return c.rebuildRoutes(ctx, staleRoutes, "sweep")
}

// Drop removes a route from the cache and its persisted snapshot. It reports
// whether a snapshot existed.
func (c *Cache) Drop(route string) bool {
	c.mu.Lock()
	_, existed := c.entries[route]
	delete(c.entries, route)
	count := len(c.entries)
	c.mu.Unlock()

	if existed {
		c.metrics.SetCachedPages(count)
	}
	if c.snapshots != nil {
		if err := c.snapshots.Delete(route); err != nil {
			c.logger.Warn().Err(err).Str("route", route).Msg("delete persisted snapshot")
		}
	}
	return existed
}

// Len returns the number of cached pages.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// PageStatus describes one cached page for status reporting.
type PageStatus struct {
	Route   string    `json:"route"`
	BuiltAt time.Time `json:"built_at"`
	Builds  uint64    `json:"builds"`
	Hash    string    `json:"hash"`
	Stale   bool      `json:"stale"`
	Size    int       `json:"size"`
}

// Pages lists the cached pages sorted by route.
func (c *Cache) Pages() []PageStatus {
	c.mu.RLock()
	result := make([]PageStatus, 0, len(c.entries))
	for route, ent := range c.entries {
		snap := ent.snapshot
		result = append(result, PageStatus{
			Route:   route,
			BuiltAt: snap.BuiltAt,
			Builds:  snap.Builds,
			Hash:    snap.Hash,
			Stale:   c.stale(snap),
			Size:    len(snap.Body),
		})
	}
	c.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].Route < result[j].Route })
	return result
}

func hashBody(body []byte) string {
	h := fnv.New64a()
	_, _ = h.Write(body)
	return fmt.Sprintf("%016x", h.Sum64())
}
