package service

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/pressroom-dev/pressroom/config"
	"github.com/pressroom-dev/pressroom/store"
)

func adminRequest(method, target string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	req.Header.Set("X-Admin-Secret", "admin-secret")
	return req
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestRevalidateRequiresSecret(t *testing.T) {
	svc := newTestService(t, testConfig(), store.NewMemory(testPosts()...))
	handler := svc.Handler()

	rec := doRequest(handler, httptest.NewRequest(http.MethodPost, "/api/revalidate", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without secret, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/revalidate", nil)
	req.Header.Set("X-Admin-Secret", "wrong")
	rec = doRequest(handler, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong secret, got %d", rec.Code)
	}

	rec = doRequest(handler, httptest.NewRequest(http.MethodGet, "/api/revalidate", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET, got %d", rec.Code)
	}
}

func TestRevalidateDisabledWithoutSecret(t *testing.T) {
	cfg := testConfig()
	cfg.Admin.RevalidateSecret = ""
	svc := newTestService(t, cfg, store.NewMemory(testPosts()...))

	rec := doRequest(svc.Handler(), httptest.NewRequest(http.MethodPost, "/api/revalidate", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestRevalidateAllRebuildsCachedPages(t *testing.T) {
	st := store.NewMemory(testPosts()...)
	svc := newTestService(t, testConfig(), st)
	handler := svc.Handler()

	doRequest(handler, httptest.NewRequest(http.MethodGet, "/", nil))
	doRequest(handler, httptest.NewRequest(http.MethodGet, "/posts/first-post", nil))

	updated := store.Post{Title: "First Post", Body: "Rewritten body."}
	if _, err := st.Update(context.Background(), "first-post", updated); err != nil {
		t.Fatalf("update post: %v", err)
	}

	rec := doRequest(handler, adminRequest(http.MethodPost, "/api/revalidate", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp revalidateResponse
	decodeJSON(t, rec, &resp)
	if !resp.Revalidated || resp.Pages != 2 {
		t.Fatalf("unexpected response %+v", resp)
	}

	rec = doRequest(handler, httptest.NewRequest(http.MethodGet, "/posts/first-post", nil))
	if got := rec.Header().Get("X-Cache"); got != "hit" {
		t.Fatalf("expected rebuilt page to be served from cache, got %q", got)
	}
	if !strings.Contains(rec.Body.String(), "Rewritten body.") {
		t.Fatal("rebuilt page does not show updated content")
	}
}

func TestRevalidateSinglePath(t *testing.T) {
	st := store.NewMemory(testPosts()...)
	svc := newTestService(t, testConfig(), st)
	handler := svc.Handler()

	doRequest(handler, httptest.NewRequest(http.MethodGet, "/posts/second-post", nil))

	updated := store.Post{Title: "Second Post", Body: "Second draft, better words."}
	if _, err := st.Update(context.Background(), "second-post", updated); err != nil {
		t.Fatalf("update post: %v", err)
	}

	body := strings.NewReader(`{"path":"/posts/second-post"}`)
	rec := doRequest(handler, adminRequest(http.MethodPost, "/api/revalidate", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp revalidateResponse
	decodeJSON(t, rec, &resp)
	if resp.Path != "/posts/second-post" || resp.Pages != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}

	rec = doRequest(handler, httptest.NewRequest(http.MethodGet, "/posts/second-post", nil))
	if !strings.Contains(rec.Body.String(), "Second draft, better words.") {
		t.Fatal("page still serves stale content after revalidation")
	}
}

func TestRevalidateDropsVanishedPage(t *testing.T) {
	st := store.NewMemory(testPosts()...)
	svc := newTestService(t, testConfig(), st)
	handler := svc.Handler()

	doRequest(handler, httptest.NewRequest(http.MethodGet, "/posts/second-post", nil))
	if err := st.Delete(context.Background(), "second-post"); err != nil {
		t.Fatalf("delete post: %v", err)
	}

	body := strings.NewReader(`{"path":"/posts/second-post"}`)
	rec := doRequest(handler, adminRequest(http.MethodPost, "/api/revalidate", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp revalidateResponse
	decodeJSON(t, rec, &resp)
	if !resp.Dropped {
		t.Fatalf("expected page to be dropped, got %+v", resp)
	}

	rec = doRequest(handler, httptest.NewRequest(http.MethodGet, "/posts/second-post", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after drop, got %d", rec.Code)
	}
}

func TestRevalidateRejectsUnknownPath(t *testing.T) {
	svc := newTestService(t, testConfig(), store.NewMemory(testPosts()...))

	body := strings.NewReader(`{"path":"/nope"}`)
	rec := doRequest(svc.Handler(), adminRequest(http.MethodPost, "/api/revalidate", body))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestPostsCRUD(t *testing.T) {
	svc := newTestService(t, testConfig(), store.NewMemory(testPosts()...))
	handler := svc.Handler()

	body := strings.NewReader(`{"title":"Fresh Take","author":"Reporter","body":"Something happened today."}`)
	rec := doRequest(handler, adminRequest(http.MethodPost, "/api/posts", body))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created store.Post
	decodeJSON(t, rec, &created)
	if created.Slug != "fresh-take" {
		t.Fatalf("expected derived slug, got %q", created.Slug)
	}
	if created.ID == "" || created.CreatedAt.IsZero() {
		t.Fatalf("created post missing id or timestamps: %+v", created)
	}

	rec = doRequest(handler, httptest.NewRequest(http.MethodGet, "/api/posts", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var listed []store.Post
	decodeJSON(t, rec, &listed)
	found := false
	for _, p := range listed {
		if p.Slug == "fresh-take" {
			found = true
		}
	}
	if !found {
		t.Fatal("created post missing from listing")
	}

	rec = doRequest(handler, httptest.NewRequest(http.MethodGet, "/api/posts/fresh-take", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	body = strings.NewReader(`{"title":"Fresh Take","slug":"fresh-take","body":"Corrected version."}`)
	rec = doRequest(handler, adminRequest(http.MethodPut, "/api/posts/fresh-take", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var updated store.Post
	decodeJSON(t, rec, &updated)
	if updated.Body != "Corrected version." {
		t.Fatalf("update not applied: %+v", updated)
	}
	if updated.ID != created.ID {
		t.Fatal("update changed the post id")
	}

	rec = doRequest(handler, adminRequest(http.MethodDelete, "/api/posts/fresh-take", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	rec = doRequest(handler, httptest.NewRequest(http.MethodGet, "/api/posts/fresh-take", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestPostsCreateConflictAndInvalid(t *testing.T) {
	svc := newTestService(t, testConfig(), store.NewMemory(testPosts()...))
	handler := svc.Handler()

	body := strings.NewReader(`{"title":"First Post","slug":"first-post","body":"duplicate"}`)
	rec := doRequest(handler, adminRequest(http.MethodPost, "/api/posts", body))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}

	body = strings.NewReader(`{"body":"no title"}`)
	rec = doRequest(handler, adminRequest(http.MethodPost, "/api/posts", body))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "title") {
		t.Fatalf("error should name the missing field, got %s", rec.Body.String())
	}
}

func TestPostsMutationsRequireSecret(t *testing.T) {
	svc := newTestService(t, testConfig(), store.NewMemory(testPosts()...))
	handler := svc.Handler()

	body := strings.NewReader(`{"title":"Nope"}`)
	rec := doRequest(handler, httptest.NewRequest(http.MethodPost, "/api/posts", body))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 creating, got %d", rec.Code)
	}

	body = strings.NewReader(`{"title":"Nope"}`)
	rec = doRequest(handler, httptest.NewRequest(http.MethodPut, "/api/posts/first-post", body))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 updating, got %d", rec.Code)
	}

	rec = doRequest(handler, httptest.NewRequest(http.MethodDelete, "/api/posts/first-post", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 deleting, got %d", rec.Code)
	}
}

func TestPostsListHidesDrafts(t *testing.T) {
	svc := newTestService(t, testConfig(), store.NewMemory(testPosts()...))
	handler := svc.Handler()

	rec := doRequest(handler, httptest.NewRequest(http.MethodGet, "/api/posts", nil))
	var public []store.Post
	decodeJSON(t, rec, &public)
	for _, p := range public {
		if p.Draft {
			t.Fatalf("listing leaked draft %q", p.Slug)
		}
	}
	if len(public) != 2 {
		t.Fatalf("expected 2 published posts, got %d", len(public))
	}

	rec = doRequest(handler, adminRequest(http.MethodGet, "/api/posts", nil))
	var all []store.Post
	decodeJSON(t, rec, &all)
	if len(all) != 3 {
		t.Fatalf("expected drafts with admin secret, got %d posts", len(all))
	}
}

func TestPostsGetDraftNeedsAuth(t *testing.T) {
	svc := newTestService(t, testConfig(), store.NewMemory(testPosts()...))
	handler := svc.Handler()

	rec := doRequest(handler, httptest.NewRequest(http.MethodGet, "/api/posts/secret-draft", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for anonymous draft read, got %d", rec.Code)
	}

	rec = doRequest(handler, adminRequest(http.MethodGet, "/api/posts/secret-draft", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with admin secret, got %d", rec.Code)
	}
}

func TestCreateRefreshesIndexPage(t *testing.T) {
	svc := newTestService(t, testConfig(), store.NewMemory(testPosts()...))
	handler := svc.Handler()

	doRequest(handler, httptest.NewRequest(http.MethodGet, "/", nil))

	body := strings.NewReader(`{"title":"Breaking News","body":"Just in."}`)
	rec := doRequest(handler, adminRequest(http.MethodPost, "/api/posts", body))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	rec = doRequest(handler, httptest.NewRequest(http.MethodGet, "/", nil))
	if got := rec.Header().Get("X-Cache"); got != "hit" {
		t.Fatalf("expected index served from cache, got %q", got)
	}
	if !strings.Contains(rec.Body.String(), "Breaking News") {
		t.Fatal("index was not rebuilt after create")
	}
}

func TestStatusEndpoint(t *testing.T) {
	svc := newTestService(t, testConfig(), store.NewMemory(testPosts()...))
	handler := svc.Handler()

	doRequest(handler, httptest.NewRequest(http.MethodGet, "/", nil))
	doRequest(handler, httptest.NewRequest(http.MethodPost, "/api/preview?secret=preview-secret", nil))

	rec := doRequest(handler, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var status statusResponse
	decodeJSON(t, rec, &status)
	if status.Name != "pressroom-test" {
		t.Fatalf("unexpected name %q", status.Name)
	}
	if len(status.Pages) != 1 || status.Pages[0].Route != "/" {
		t.Fatalf("unexpected pages %+v", status.Pages)
	}
	if status.Sweep.Mode != sweepModeRun {
		t.Fatalf("unexpected sweep mode %q", status.Sweep.Mode)
	}
	if status.PreviewSessions != 1 {
		t.Fatalf("expected 1 preview session, got %d", status.PreviewSessions)
	}
	if status.Connection != nil {
		t.Fatal("memory store should not report connection stats")
	}
}

func TestStatusReportsConnectionStats(t *testing.T) {
	st := store.NewMongo(config.StorageConfig{}, zerolog.Nop(), nil)
	svc := newTestService(t, testConfig(), st)

	rec := doRequest(svc.Handler(), httptest.NewRequest(http.MethodGet, "/api/status", nil))
	var status statusResponse
	decodeJSON(t, rec, &status)
	if status.Connection == nil {
		t.Fatal("expected connection stats from the mongo store")
	}
	if status.Connection.Attempts != 0 || status.Connection.Resolved {
		t.Fatalf("unexpected stats %+v", status.Connection)
	}
}

func TestSweepEndpoints(t *testing.T) {
	svc := newTestService(t, testConfig(), store.NewMemory(testPosts()...))
	handler := svc.Handler()

	rec := doRequest(handler, httptest.NewRequest(http.MethodGet, "/api/sweep", nil))
	var status sweepStatus
	decodeJSON(t, rec, &status)
	if status.Mode != sweepModeRun {
		t.Fatalf("expected run mode, got %q", status.Mode)
	}

	rec = doRequest(handler, adminRequest(http.MethodPost, "/api/sweep", strings.NewReader(`{"action":"pause"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	decodeJSON(t, rec, &status)
	if status.Mode != sweepModePause {
		t.Fatalf("expected pause mode, got %q", status.Mode)
	}

	rec = doRequest(handler, adminRequest(http.MethodPost, "/api/sweep", strings.NewReader(`{"action":"interval","interval_ms":500}`)))
	decodeJSON(t, rec, &status)
	if status.IntervalMS != 500 {
		t.Fatalf("expected 500ms interval, got %d", status.IntervalMS)
	}

	rec = doRequest(handler, adminRequest(http.MethodPost, "/api/sweep", strings.NewReader(`{"action":"trigger"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for trigger, got %d", rec.Code)
	}

	rec = doRequest(handler, adminRequest(http.MethodPost, "/api/sweep", strings.NewReader(`{"action":"explode"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown action, got %d", rec.Code)
	}

	rec = doRequest(handler, httptest.NewRequest(http.MethodPost, "/api/sweep", strings.NewReader(`{"action":"pause"}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without secret, got %d", rec.Code)
	}
}
