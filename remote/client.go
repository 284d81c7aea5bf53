// Package remote provides a typed HTTP client for the page server's
// maintenance API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pressroom-dev/pressroom/connections"
	"github.com/pressroom-dev/pressroom/pages"
	"github.com/pressroom-dev/pressroom/store"
)

// ErrUnauthorized reports that the server rejected the admin secret.
var ErrUnauthorized = errors.New("unauthorized")

// Client calls the maintenance API of a running page server.
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithSecret sets the admin secret sent with every request.
func WithSecret(secret string) Option {
	return func(c *Client) {
		c.secret = secret
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// New creates a client for the server at baseURL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("remote base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// SweepStatus mirrors the sweep section of the status response.
type SweepStatus struct {
	Mode         string `json:"mode"`
	IntervalMS   int64  `json:"interval_ms"`
	IntervalText string `json:"interval_text"`
}

// Status is the server's status report.
type Status struct {
	Name            string             `json:"name"`
	StartedAt       time.Time          `json:"started_at"`
	Connection      *connections.Stats `json:"connection,omitempty"`
	Pages           []pages.PageStatus `json:"pages"`
	Sweep           SweepStatus        `json:"sweep"`
	PreviewSessions int                `json:"preview_sessions"`
}

// Health probes the liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// Status fetches the server status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var status Status
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &status)
	return status, err
}

// Posts lists the posts the server exposes. With an admin secret set the
// listing includes drafts.
func (c *Client) Posts(ctx context.Context) ([]store.Post, error) {
	var posts []store.Post
	err := c.do(ctx, http.MethodGet, "/api/posts", nil, &posts)
	return posts, err
}

// Post fetches a single post by slug.
func (c *Client) Post(ctx context.Context, slug string) (store.Post, error) {
	var post store.Post
	err := c.do(ctx, http.MethodGet, "/api/posts/"+url.PathEscape(slug), nil, &post)
	return post, err
}

// Create stores a new post.
func (c *Client) Create(ctx context.Context, post store.Post) (store.Post, error) {
	var created store.Post
	err := c.do(ctx, http.MethodPost, "/api/posts", post, &created)
	return created, err
}

// Update replaces the post with the given slug.
func (c *Client) Update(ctx context.Context, slug string, post store.Post) (store.Post, error) {
	var updated store.Post
	err := c.do(ctx, http.MethodPut, "/api/posts/"+url.PathEscape(slug), post, &updated)
	return updated, err
}

// Delete removes the post with the given slug.
func (c *Client) Delete(ctx context.Context, slug string) error {
	return c.do(ctx, http.MethodDelete, "/api/posts/"+url.PathEscape(slug), nil, nil)
}

type revalidateRequest struct {
	Path string `json:"path,omitempty"`
}

type revalidateResponse struct {
	Revalidated bool   `json:"revalidated"`
	Path        string `json:"path"`
	Pages       int    `json:"pages"`
	Dropped     bool   `json:"dropped"`
}

// Revalidate rebuilds the page at path, or every cached page when path is
// empty. It returns the number of rebuilt pages.
func (c *Client) Revalidate(ctx context.Context, path string) (int, error) {
	var resp revalidateResponse
	if err := c.do(ctx, http.MethodPost, "/api/revalidate", revalidateRequest{Path: path}, &resp); err != nil {
		return 0, err
	}
	return resp.Pages, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.secret != "" {
		req.Header.Set("X-Admin-Secret", c.secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return apiError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// apiError maps error responses back onto the store's error values so
// callers can branch with errors.Is.
func apiError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	message := resp.Status
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Error != "" {
		message = payload.Error
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, message)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", store.ErrNotFound, message)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", store.ErrSlugTaken, message)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", store.ErrInvalid, message)
	default:
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, message)
	}
}
