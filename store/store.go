// Package store persists blog posts and hides the backing database behind a
// small CRUD interface.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pressroom-dev/pressroom/connections"
)

// Errors reported by store implementations. Callers match them with
// errors.Is and translate them to transport-level responses.
var (
	ErrNotFound  = errors.New("post not found")
	ErrSlugTaken = errors.New("slug already in use")
	ErrInvalid   = errors.New("invalid post")
)

// Post is a single blog entry. Slugs identify posts in page routes and must
// be unique across the collection.
type Post struct {
	ID        string    `bson:"_id" json:"id"`
	Slug      string    `bson:"slug" json:"slug"`
	Title     string    `bson:"title" json:"title"`
	Author    string    `bson:"author,omitempty" json:"author,omitempty"`
	Tags      []string  `bson:"tags,omitempty" json:"tags,omitempty"`
	Body      string    `bson:"body" json:"body"`
	Draft     bool      `bson:"draft" json:"draft"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// Store provides access to the persisted posts.
type Store interface {
	// List returns all posts ordered newest first. Drafts are omitted unless
	// includeDrafts is set.
	List(ctx context.Context, includeDrafts bool) ([]Post, error)
	// Get returns the post with the given slug or ErrNotFound.
	Get(ctx context.Context, slug string) (Post, error)
	// Create stores a new post, assigning an ID and timestamps.
	Create(ctx context.Context, post Post) (Post, error)
	// Update replaces the mutable fields of the post with the given slug.
	Update(ctx context.Context, slug string, post Post) (Post, error)
	// Delete removes the post with the given slug or reports ErrNotFound.
	Delete(ctx context.Context, slug string) error
	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
	// Close releases held connections.
	Close() error
}

// ConnectionStats is implemented by stores backed by the lazy connection
// cache and exposes its lifecycle counters for status reporting.
type ConnectionStats interface {
	ConnectionStats() connections.Stats
}

// Slugify derives a URL-safe slug from a post title. Consecutive separators
// collapse into a single dash.
func Slugify(title string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(title)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// normalize fills derived fields before a post is stored. It is shared by
// the store implementations so validation behaves identically everywhere.
func normalize(post Post, now time.Time) (Post, error) {
	post.Title = strings.TrimSpace(post.Title)
	if post.Title == "" {
		return Post{}, fmt.Errorf("%w: title must not be empty", ErrInvalid)
	}
	if post.Slug == "" {
		post.Slug = Slugify(post.Title)
	}
	if post.Slug == "" {
		return Post{}, fmt.Errorf("%w: title %q yields an empty slug", ErrInvalid, post.Title)
	}
	if post.CreatedAt.IsZero() {
		post.CreatedAt = now
	}
	post.UpdatedAt = now
	return post, nil
}

// SamplePosts returns the seed content used by the seeding command and the
// in-memory development store.
func SamplePosts() []Post {
	base := time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)
	return []Post{
		{
			Slug:      "hello-world",
			Title:     "Hello World",
			Author:    "Editorial",
			Tags:      []string{"meta"},
			Body:      "Welcome to the pressroom. This post exists so the index page is never empty.",
			CreatedAt: base,
			UpdatedAt: base,
		},
		{
			Slug:      "static-pages-fresh-content",
			Title:     "Static Pages, Fresh Content",
			Author:    "Editorial",
			Tags:      []string{"architecture", "caching"},
			Body:      "Pages are rendered once, cached as snapshots and rebuilt in the background when they go stale. Readers always get a fast response, even while a rebuild is running.",
			CreatedAt: base.Add(24 * time.Hour),
			UpdatedAt: base.Add(24 * time.Hour),
		},
		{
			Slug:      "one-connection-many-requests",
			Title:     "One Connection, Many Requests",
			Author:    "Editorial",
			Tags:      []string{"database"},
			Body:      "The content store holds a single lazily established database connection. Concurrent page builds share the same dial attempt instead of stampeding the server.",
			CreatedAt: base.Add(48 * time.Hour),
			UpdatedAt: base.Add(48 * time.Hour),
		},
		{
			Slug:      "drafts-stay-hidden",
			Title:     "Drafts Stay Hidden",
			Author:    "Editorial",
			Tags:      []string{"workflow"},
			Body:      "This entry is a draft. It only shows up for editors browsing with an active preview session.",
			Draft:     true,
			CreatedAt: base.Add(72 * time.Hour),
			UpdatedAt: base.Add(72 * time.Hour),
		},
	}
}
