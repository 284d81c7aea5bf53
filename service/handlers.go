package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pressroom-dev/pressroom/connections"
	"github.com/pressroom-dev/pressroom/pages"
	"github.com/pressroom-dev/pressroom/render"
	"github.com/pressroom-dev/pressroom/store"
)

type revalidateRequest struct {
	Path string `json:"path"`
}

type revalidateResponse struct {
	Revalidated bool   `json:"revalidated"`
	Path        string `json:"path,omitempty"`
	Pages       int    `json:"pages"`
	Dropped     bool   `json:"dropped,omitempty"`
}

// handleRevalidate rebuilds pages on demand. Without a path the whole cache
// is rebuilt, with a path only that page. Revalidating a page whose content
// vanished drops it from the cache.
func (s *Service) handleRevalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.apiError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.adminSecret == "" {
		s.apiError(w, http.StatusForbidden, "revalidation disabled")
		return
	}
	if !s.authorized(r) {
		s.apiError(w, http.StatusUnauthorized, "invalid secret")
		return
	}

	var req revalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.apiError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if p := r.URL.Query().Get("path"); p != "" {
		req.Path = p
	}

	if req.Path == "" {
		n, err := s.cache.RefreshAll(r.Context(), "api")
		if err != nil {
			s.storeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, revalidateResponse{Revalidated: true, Pages: n})
		return
	}

	route := req.Path
	if route != render.RouteIndex {
		if _, ok := render.SplitRoute(route); !ok {
			s.apiError(w, http.StatusBadRequest, "unknown path")
			return
		}
	}
	if _, err := s.cache.Refresh(r.Context(), route, "api"); err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, render.ErrUnknownRoute) {
			s.cache.Drop(route)
			s.writeJSON(w, http.StatusOK, revalidateResponse{Revalidated: true, Path: route, Dropped: true})
			return
		}
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, revalidateResponse{Revalidated: true, Path: route, Pages: 1})
}

type previewResponse struct {
	Preview bool      `json:"preview"`
	Expires time.Time `json:"expires,omitempty"`
}

// handlePreview starts and ends preview sessions. POST with the preview
// secret sets the session cookie, DELETE clears it.
func (s *Service) handlePreview(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		if s.previewSecret == "" {
			s.apiError(w, http.StatusForbidden, "preview disabled")
			return
		}
		if !s.previewAuthorized(r) {
			s.apiError(w, http.StatusUnauthorized, "invalid secret")
			return
		}
		token, expires := s.sessions.Start()
		http.SetCookie(w, &http.Cookie{
			Name:     previewCookie,
			Value:    token,
			Path:     "/",
			Expires:  expires,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
		if target := r.URL.Query().Get("redirect"); strings.HasPrefix(target, "/") && !strings.HasPrefix(target, "//") {
			http.Redirect(w, r, target, http.StatusFound)
			return
		}
		s.writeJSON(w, http.StatusOK, previewResponse{Preview: true, Expires: expires})
	case http.MethodDelete:
		if cookie, err := r.Cookie(previewCookie); err == nil {
			s.sessions.End(cookie.Value)
		}
		http.SetCookie(w, &http.Cookie{
			Name:     previewCookie,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
		s.writeJSON(w, http.StatusOK, previewResponse{Preview: false})
	default:
		s.apiError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Service) previewAuthorized(r *http.Request) bool {
	secret := r.Header.Get("X-Preview-Secret")
	if secret == "" {
		secret = r.URL.Query().Get("secret")
	}
	return secretsEqual(secret, s.previewSecret)
}

// handlePosts lists posts and creates new ones.
func (s *Service) handlePosts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		includeDrafts := s.previewActive(r) || s.authorized(r)
		posts, err := s.store.List(r.Context(), includeDrafts)
		if err != nil {
			s.storeError(w, err)
			return
		}
		if posts == nil {
			posts = []store.Post{}
		}
		s.writeJSON(w, http.StatusOK, posts)
	case http.MethodPost:
		if !s.authorized(r) {
			s.apiError(w, http.StatusUnauthorized, "invalid secret")
			return
		}
		var post store.Post
		if err := json.NewDecoder(r.Body).Decode(&post); err != nil {
			s.apiError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		created, err := s.store.Create(r.Context(), post)
		if err != nil {
			s.storeError(w, err)
			return
		}
		s.refreshPages(created.Slug)
		s.writeJSON(w, http.StatusCreated, created)
	default:
		s.apiError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handlePostItem reads, updates and deletes a single post by slug.
func (s *Service) handlePostItem(w http.ResponseWriter, r *http.Request) {
	slug := strings.TrimPrefix(r.URL.Path, "/api/posts/")
	if slug == "" || strings.Contains(slug, "/") {
		s.apiError(w, http.StatusNotFound, "post not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		post, err := s.store.Get(r.Context(), slug)
		if err != nil {
			s.storeError(w, err)
			return
		}
		if post.Draft && !s.previewActive(r) && !s.authorized(r) {
			s.apiError(w, http.StatusNotFound, "post not found")
			return
		}
		s.writeJSON(w, http.StatusOK, post)
	case http.MethodPut:
		if !s.authorized(r) {
			s.apiError(w, http.StatusUnauthorized, "invalid secret")
			return
		}
		var post store.Post
		if err := json.NewDecoder(r.Body).Decode(&post); err != nil {
			s.apiError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		updated, err := s.store.Update(r.Context(), slug, post)
		if err != nil {
			s.storeError(w, err)
			return
		}
		if updated.Slug != slug {
			s.cache.Drop(render.PostRoute(slug))
		}
		s.refreshPages(updated.Slug)
		s.writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		if !s.authorized(r) {
			s.apiError(w, http.StatusUnauthorized, "invalid secret")
			return
		}
		if err := s.store.Delete(r.Context(), slug); err != nil {
			s.storeError(w, err)
			return
		}
		s.cache.Drop(render.PostRoute(slug))
		s.refreshPages()
		w.WriteHeader(http.StatusNoContent)
	default:
		s.apiError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// refreshPages rebuilds the index and the given post pages after a content
// change. Failures are logged, the periodic sweep repairs anything missed.
func (s *Service) refreshPages(slugs ...string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.cache.Refresh(ctx, render.RouteIndex, "api"); err != nil {
		s.logger.Warn().Err(err).Msg("refresh index after content change")
	}
	for _, slug := range slugs {
		route := render.PostRoute(slug)
		if _, err := s.cache.Refresh(ctx, route, "api"); err != nil {
			if errors.Is(err, store.ErrNotFound) || errors.Is(err, render.ErrUnknownRoute) {
				s.cache.Drop(route)
				continue
			}
			s.logger.Warn().Err(err).Str("route", route).Msg("refresh page after content change")
		}
	}
}

type statusResponse struct {
	Name            string             `json:"name"`
	StartedAt       time.Time          `json:"started_at"`
	Connection      *connections.Stats `json:"connection,omitempty"`
	Pages           []pages.PageStatus `json:"pages"`
	Sweep           sweepStatus        `json:"sweep"`
	PreviewSessions int                `json:"preview_sessions"`
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.apiError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	resp := statusResponse{
		Name:            s.name,
		StartedAt:       s.startedAt,
		Pages:           s.cache.Pages(),
		Sweep:           s.sweeper.Status(),
		PreviewSessions: s.sessions.Count(),
	}
	if cs, ok := s.store.(store.ConnectionStats); ok {
		stats := cs.ConnectionStats()
		resp.Connection = &stats
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type sweepRequest struct {
	Action     string `json:"action"`
	IntervalMS int64  `json:"interval_ms"`
}

// handleSweep reports and adjusts the sweep loop. GET returns the current
// state, POST switches mode, retunes the interval or triggers a sweep.
func (s *Service) handleSweep(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, s.sweeper.Status())
	case http.MethodPost:
		if !s.authorized(r) {
			s.apiError(w, http.StatusUnauthorized, "invalid secret")
			return
		}
		var req sweepRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.apiError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		switch req.Action {
		case "run":
			s.sweeper.SetMode(sweepModeRun)
		case "pause":
			s.sweeper.SetMode(sweepModePause)
		case "trigger":
			s.sweeper.Trigger()
		case "interval":
			if req.IntervalMS <= 0 {
				s.apiError(w, http.StatusBadRequest, "interval_ms must be positive")
				return
			}
			s.sweeper.SetInterval(time.Duration(req.IntervalMS) * time.Millisecond)
		default:
			s.apiError(w, http.StatusBadRequest, "unknown action")
			return
		}
		s.writeJSON(w, http.StatusOK, s.sweeper.Status())
	default:
		s.apiError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type healthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
	Pages  int    `json:"pages"`
}

// handleHealth reports liveness. The store state is informational, cached
// pages keep serving even while the store is unreachable.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := healthResponse{Status: "ok", Store: "ok", Pages: s.cache.Len()}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		resp.Store = "unavailable"
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// storeError translates store failures into API responses.
func (s *Service) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrInvalid):
		s.apiError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		s.apiError(w, http.StatusNotFound, "post not found")
	case errors.Is(err, store.ErrSlugTaken):
		s.apiError(w, http.StatusConflict, "slug already in use")
	case errors.Is(err, connections.ErrNotConfigured):
		s.apiError(w, http.StatusServiceUnavailable, "content store not configured")
	case errors.Is(err, connections.ErrClosed):
		s.apiError(w, http.StatusServiceUnavailable, "content store closed")
	default:
		s.logger.Error().Err(err).Msg("store request failed")
		s.apiError(w, http.StatusServiceUnavailable, "content store unavailable")
	}
}
