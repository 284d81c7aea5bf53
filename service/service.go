// Package service exposes the cached site over HTTP together with the
// maintenance API used to revalidate pages, manage preview sessions and edit
// content.
package service

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pressroom-dev/pressroom/config"
	"github.com/pressroom-dev/pressroom/connections"
	"github.com/pressroom-dev/pressroom/pages"
	"github.com/pressroom-dev/pressroom/render"
	"github.com/pressroom-dev/pressroom/store"
)

// Service serves the rendered site and its maintenance API.
type Service struct {
	name          string
	listen        string
	store         store.Store
	renderer      *render.Renderer
	cache         *pages.Cache
	sessions      *previewSessions
	sweeper       *sweepController
	previewSecret string
	adminSecret   string
	ttl           time.Duration
	logger        zerolog.Logger
	gatherer      prometheus.Gatherer
	mux           *http.ServeMux
	startedAt     time.Time

	mu   sync.RWMutex
	addr string
}

// Option configures optional service dependencies.
type Option func(*Service)

// WithGatherer enables the /metrics endpoint for the given registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Service) {
		s.gatherer = g
	}
}

// New assembles the HTTP service from its parts.
func New(cfg *config.Config, st store.Store, renderer *render.Renderer, cache *pages.Cache, logger zerolog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("service requires a configuration")
	}
	if st == nil || renderer == nil || cache == nil {
		return nil, errors.New("service requires store, renderer and page cache")
	}
	s := &Service{
		name:          cfg.ServiceName(),
		listen:        cfg.ListenAddr(),
		store:         st,
		renderer:      renderer,
		cache:         cache,
		sessions:      newPreviewSessions(cfg.Preview.SessionTTL()),
		sweeper:       newSweepController(cfg.Pages.SweepIntervalOrDefault()),
		previewSecret: cfg.Preview.Secret,
		adminSecret:   cfg.Admin.RevalidateSecret,
		ttl:           cfg.Pages.RevalidateInterval(),
		logger:        logger,
		startedAt:     time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mux = s.routes()
	return s, nil
}

func (s *Service) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndexPage)
	mux.HandleFunc("/posts/", s.handlePostPage)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/revalidate", s.handleRevalidate)
	mux.HandleFunc("/api/preview", s.handlePreview)
	mux.HandleFunc("/api/posts", s.handlePosts)
	mux.HandleFunc("/api/posts/", s.handlePostItem)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/sweep", s.handleSweep)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Handler returns the HTTP handler serving all routes. It is used by Run and
// directly by tests.
func (s *Service) Handler() http.Handler {
	return s.mux
}

// Addr returns the bound listen address once Run has started.
func (s *Service) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Run serves HTTP and drives the background sweep until the context is
// cancelled.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.listen, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	srv := &http.Server{Handler: s.mux}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return s.sweepLoop(gctx)
	})

	s.logger.Info().Str("listen", s.Addr()).Str("service", s.name).Msg("service started")
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Service) sweepLoop(ctx context.Context) error {
	for {
		if _, err := s.sweeper.Wait(ctx); err != nil {
			return err
		}
		swept, err := s.cache.Sweep(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn().Err(err).Msg("sweep failed")
			continue
		}
		if swept > 0 {
			s.logger.Debug().Int("pages", swept).Msg("sweep rebuilt stale pages")
		}
	}
}

func (s *Service) handleIndexPage(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	s.servePage(w, r, render.RouteIndex)
}

func (s *Service) handlePostPage(w http.ResponseWriter, r *http.Request) {
	if _, ok := render.SplitRoute(r.URL.Path); !ok {
		http.NotFound(w, r)
		return
	}
	s.servePage(w, r, r.URL.Path)
}

// servePage answers a page request. Requests carrying an active preview
// session bypass the cache entirely and are rendered per request, everything
// else is served from snapshots.
func (s *Service) servePage(w http.ResponseWriter, r *http.Request, route string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.previewActive(r) {
		result, err := s.renderer.Render(r.Context(), route, true)
		if err != nil {
			s.pageError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", result.ContentType)
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("X-Preview", "1")
		if r.Method == http.MethodHead {
			return
		}
		if _, err := w.Write(result.Body); err != nil {
			s.logger.Debug().Err(err).Str("route", route).Msg("write preview page")
		}
		return
	}

	snap, status, err := s.cache.Get(r.Context(), route)
	if err != nil {
		s.pageError(w, r, err)
		return
	}

	etag := `W/"` + snap.Hash + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("X-Cache", string(status))
	w.Header().Set("Cache-Control", s.cacheControl())
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", snap.ContentType)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(snap.Body); err != nil {
		s.logger.Debug().Err(err).Str("route", route).Msg("write page")
	}
}

func (s *Service) cacheControl() string {
	if s.ttl <= 0 {
		return "public"
	}
	return fmt.Sprintf("public, s-maxage=%d, stale-while-revalidate", int(s.ttl.Seconds()))
}

func (s *Service) pageError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, render.ErrUnknownRoute):
		http.NotFound(w, r)
	case errors.Is(err, connections.ErrNotConfigured):
		s.logger.Error().Str("path", r.URL.Path).Msg("content store not configured")
		http.Error(w, "content store not configured", http.StatusServiceUnavailable)
	default:
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("serve page")
		http.Error(w, "content store unavailable", http.StatusServiceUnavailable)
	}
}

// previewActive reports whether the request carries a live preview session.
func (s *Service) previewActive(r *http.Request) bool {
	cookie, err := r.Cookie(previewCookie)
	if err != nil {
		return false
	}
	return s.sessions.Active(cookie.Value)
}

// authorized checks the admin secret on mutating endpoints. The secret is
// accepted from the X-Admin-Secret header or a secret query parameter.
func (s *Service) authorized(r *http.Request) bool {
	if s.adminSecret == "" {
		return false
	}
	secret := r.Header.Get("X-Admin-Secret")
	if secret == "" {
		secret = r.URL.Query().Get("secret")
	}
	return secretsEqual(secret, s.adminSecret)
}

func secretsEqual(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("encode response")
	}
}

func (s *Service) apiError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
