package remote

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pressroom-dev/pressroom/config"
	"github.com/pressroom-dev/pressroom/pages"
	"github.com/pressroom-dev/pressroom/render"
	"github.com/pressroom-dev/pressroom/service"
	"github.com/pressroom-dev/pressroom/store"
)

func startServer(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := &config.Config{
		Name:    "remote-test",
		Pages:   config.PagesConfig{Revalidate: config.Duration{Duration: time.Hour}},
		Preview: config.PreviewConfig{Secret: "preview-secret"},
		Admin:   config.AdminConfig{RevalidateSecret: "admin-secret"},
	}
	st := store.NewMemory(
		store.Post{Slug: "published", Title: "Published", Body: "Out there."},
		store.Post{Slug: "hidden", Title: "Hidden", Draft: true, Body: "Not yet."},
	)
	renderer, err := render.New(st, render.Options{Site: "remote test"}, zerolog.Nop())
	require.NoError(t, err)
	cache, err := pages.New(renderer, zerolog.Nop(), pages.WithTTL(time.Hour))
	require.NoError(t, err)
	svc, err := service.New(cfg, st, renderer, cache, zerolog.Nop())
	require.NoError(t, err)

	server := httptest.NewServer(svc.Handler())
	t.Cleanup(server.Close)
	return server
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New("")
	require.Error(t, err)

	_, err = New("   ")
	require.Error(t, err)
}

func TestClientHealth(t *testing.T) {
	server := startServer(t)

	client, err := New(server.URL)
	require.NoError(t, err)
	require.NoError(t, client.Health(context.Background()))
}

func TestClientStatus(t *testing.T) {
	server := startServer(t)

	client, err := New(server.URL)
	require.NoError(t, err)

	status, err := client.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, "remote-test", status.Name)
	require.Equal(t, "run", status.Sweep.Mode)
	require.Empty(t, status.Pages)
}

func TestClientPostLifecycle(t *testing.T) {
	server := startServer(t)

	client, err := New(server.URL, WithSecret("admin-secret"))
	require.NoError(t, err)
	ctx := context.Background()

	created, err := client.Create(ctx, store.Post{Title: "Remote Story", Body: "Filed over the wire."})
	require.NoError(t, err)
	require.Equal(t, "remote-story", created.Slug)
	require.NotEmpty(t, created.ID)

	fetched, err := client.Post(ctx, "remote-story")
	require.NoError(t, err)
	require.Equal(t, created.ID, fetched.ID)

	fetched.Body = "Filed, then corrected."
	updated, err := client.Update(ctx, "remote-story", fetched)
	require.NoError(t, err)
	require.Equal(t, "Filed, then corrected.", updated.Body)

	require.NoError(t, client.Delete(ctx, "remote-story"))

	_, err = client.Post(ctx, "remote-story")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestClientListsDraftsWithSecret(t *testing.T) {
	server := startServer(t)
	ctx := context.Background()

	anonymous, err := New(server.URL)
	require.NoError(t, err)
	posts, err := anonymous.Posts(ctx)
	require.NoError(t, err)
	require.Len(t, posts, 1)

	admin, err := New(server.URL, WithSecret("admin-secret"))
	require.NoError(t, err)
	posts, err = admin.Posts(ctx)
	require.NoError(t, err)
	require.Len(t, posts, 2)
}

func TestClientUnauthorized(t *testing.T) {
	server := startServer(t)

	client, err := New(server.URL)
	require.NoError(t, err)

	_, err = client.Create(context.Background(), store.Post{Title: "Nope"})
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = client.Revalidate(context.Background(), "")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestClientErrorMapping(t *testing.T) {
	server := startServer(t)

	client, err := New(server.URL, WithSecret("admin-secret"))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = client.Create(ctx, store.Post{Title: "Published", Slug: "published"})
	require.ErrorIs(t, err, store.ErrSlugTaken)

	_, err = client.Create(ctx, store.Post{Body: "no title"})
	require.ErrorIs(t, err, store.ErrInvalid)

	_, err = client.Update(ctx, "missing", store.Post{Title: "Missing"})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestClientRevalidate(t *testing.T) {
	server := startServer(t)

	client, err := New(server.URL, WithSecret("admin-secret"))
	require.NoError(t, err)
	ctx := context.Background()

	rebuilt, err := client.Revalidate(ctx, "/")
	require.NoError(t, err)
	require.Equal(t, 1, rebuilt)

	status, err := client.Status(ctx)
	require.NoError(t, err)
	require.Len(t, status.Pages, 1)

	_, err = client.Revalidate(ctx, "not-a-route")
	require.ErrorIs(t, err, store.ErrInvalid)
}

func TestClientHealthConnectionFailure(t *testing.T) {
	server := startServer(t)
	url := server.URL
	server.Close()

	client, err := New(url)
	require.NoError(t, err)
	require.Error(t, client.Health(context.Background()))
}
