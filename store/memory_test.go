package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryCreateAssignsIDAndSlug(t *testing.T) {
	m := NewMemory()

	created, err := m.Create(context.Background(), Post{Title: "First Post", Body: "hello"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("expected generated ID")
	}
	if created.Slug != "first-post" {
		t.Fatalf("expected derived slug, got %q", created.Slug)
	}
	if created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
		t.Fatalf("expected timestamps to be set")
	}

	got, err := m.Get(context.Background(), "first-post")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != created.ID {
		t.Fatalf("expected same post back")
	}
}

func TestMemoryCreateRejectsEmptyTitle(t *testing.T) {
	m := NewMemory()
	if _, err := m.Create(context.Background(), Post{Title: "   "}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for empty title, got %v", err)
	}
}

func TestMemoryCreateRejectsDuplicateSlug(t *testing.T) {
	m := NewMemory()
	if _, err := m.Create(context.Background(), Post{Title: "Same Title"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := m.Create(context.Background(), Post{Title: "Same Title"})
	if !errors.Is(err, ErrSlugTaken) {
		t.Fatalf("expected ErrSlugTaken, got %v", err)
	}
}

func TestMemoryListOrdersNewestFirstAndFiltersDrafts(t *testing.T) {
	base := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemory(
		Post{Title: "Oldest", Slug: "oldest", CreatedAt: base},
		Post{Title: "Newest", Slug: "newest", CreatedAt: base.Add(2 * time.Hour)},
		Post{Title: "Hidden", Slug: "hidden", Draft: true, CreatedAt: base.Add(time.Hour)},
	)

	published, err := m.List(context.Background(), false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(published) != 2 {
		t.Fatalf("expected 2 published posts, got %d", len(published))
	}
	if published[0].Slug != "newest" || published[1].Slug != "oldest" {
		t.Fatalf("unexpected order: %q, %q", published[0].Slug, published[1].Slug)
	}

	all, err := m.List(context.Background(), true)
	if err != nil {
		t.Fatalf("list drafts: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 posts with drafts, got %d", len(all))
	}
	if all[1].Slug != "hidden" {
		t.Fatalf("expected draft in the middle, got %q", all[1].Slug)
	}
}

func TestMemoryUpdateRenamesSlug(t *testing.T) {
	m := NewMemory(Post{Title: "Original", Slug: "original"})

	updated, err := m.Update(context.Background(), "original", Post{
		Title: "Renamed",
		Slug:  "renamed",
		Body:  "new body",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Slug != "renamed" {
		t.Fatalf("expected new slug, got %q", updated.Slug)
	}

	if _, err := m.Get(context.Background(), "original"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected old slug gone, got %v", err)
	}
	got, err := m.Get(context.Background(), "renamed")
	if err != nil {
		t.Fatalf("get renamed: %v", err)
	}
	if got.Body != "new body" {
		t.Fatalf("expected updated body, got %q", got.Body)
	}
}

func TestMemoryUpdateKeepsIdentity(t *testing.T) {
	m := NewMemory()
	created, err := m.Create(context.Background(), Post{Title: "Keep Me"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := m.Update(context.Background(), created.Slug, Post{Title: "Keep Me", Body: "more"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.ID != created.ID {
		t.Fatalf("expected ID preserved")
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Fatalf("expected creation time preserved")
	}
}

func TestMemoryUpdateConflictsAndMisses(t *testing.T) {
	m := NewMemory(
		Post{Title: "One", Slug: "one"},
		Post{Title: "Two", Slug: "two"},
	)

	if _, err := m.Update(context.Background(), "one", Post{Title: "One", Slug: "two"}); !errors.Is(err, ErrSlugTaken) {
		t.Fatalf("expected ErrSlugTaken, got %v", err)
	}
	if _, err := m.Update(context.Background(), "missing", Post{Title: "X"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryDelete(t *testing.T) {
	m := NewMemory(Post{Title: "Gone Soon", Slug: "gone-soon"})

	if err := m.Delete(context.Background(), "gone-soon"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := m.Delete(context.Background(), "gone-soon"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}
