package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process store used for development mode and tests. It is
// safe for concurrent use.
type Memory struct {
	mu    sync.RWMutex
	posts map[string]Post
}

// NewMemory builds a store pre-seeded with the given posts. Posts without an
// ID get one assigned.
func NewMemory(posts ...Post) *Memory {
	m := &Memory{posts: make(map[string]Post, len(posts))}
	for _, post := range posts {
		if post.ID == "" {
			post.ID = uuid.NewString()
		}
		if post.Slug == "" {
			post.Slug = Slugify(post.Title)
		}
		m.posts[post.Slug] = post
	}
	return m
}

// List returns all posts ordered newest first.
func (m *Memory) List(ctx context.Context, includeDrafts bool) ([]Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]Post, 0, len(m.posts))
	for _, post := range m.posts {
		if post.Draft && !includeDrafts {
			continue
		}
		result = append(result, post)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].Slug < result[j].Slug
	})
	return result, nil
}

// Get returns the post with the given slug.
func (m *Memory) Get(ctx context.Context, slug string) (Post, error) {
	if err := ctx.Err(); err != nil {
		return Post{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	post, ok := m.posts[slug]
	if !ok {
		return Post{}, ErrNotFound
	}
	return post, nil
}

// Create stores a new post.
func (m *Memory) Create(ctx context.Context, post Post) (Post, error) {
	if err := ctx.Err(); err != nil {
		return Post{}, err
	}
	prepared, err := normalize(post, time.Now().UTC())
	if err != nil {
		return Post{}, err
	}
	if prepared.ID == "" {
		prepared.ID = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.posts[prepared.Slug]; exists {
		return Post{}, ErrSlugTaken
	}
	m.posts[prepared.Slug] = prepared
	return prepared, nil
}

// Update replaces the mutable fields of an existing post. Setting a new slug
// renames the post, subject to uniqueness.
func (m *Memory) Update(ctx context.Context, slug string, post Post) (Post, error) {
	if err := ctx.Err(); err != nil {
		return Post{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.posts[slug]
	if !ok {
		return Post{}, ErrNotFound
	}

	post.ID = current.ID
	post.CreatedAt = current.CreatedAt
	if post.Slug == "" {
		post.Slug = slug
	}
	prepared, err := normalize(post, time.Now().UTC())
	if err != nil {
		return Post{}, err
	}
	if prepared.Slug != slug {
		if _, exists := m.posts[prepared.Slug]; exists {
			return Post{}, ErrSlugTaken
		}
		delete(m.posts, slug)
	}
	m.posts[prepared.Slug] = prepared
	return prepared, nil
}

// Delete removes the post with the given slug.
func (m *Memory) Delete(ctx context.Context, slug string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.posts[slug]; !ok {
		return ErrNotFound
	}
	delete(m.posts, slug)
	return nil
}

// Ping always succeeds for the in-memory store.
func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error {
	return nil
}
