// Package render turns stored posts into complete HTML pages. It knows the
// route layout of the site and which posts are visible on public pages.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pressroom-dev/pressroom/store"
)

// ErrUnknownRoute marks a route the renderer has no page for.
var ErrUnknownRoute = errors.New("unknown route")

// RouteIndex is the route of the post listing page.
const RouteIndex = "/"

const postRoutePrefix = "/posts/"

// PostRoute returns the route of a single post page.
func PostRoute(slug string) string {
	return postRoutePrefix + slug
}

// SplitRoute extracts the slug from a post route. The second return value is
// false for any route that is not a post page.
func SplitRoute(route string) (string, bool) {
	if !strings.HasPrefix(route, postRoutePrefix) {
		return "", false
	}
	slug := strings.TrimPrefix(route, postRoutePrefix)
	if slug == "" || strings.Contains(slug, "/") {
		return "", false
	}
	return slug, true
}

// Result is a fully rendered page body.
type Result struct {
	Body        []byte
	ContentType string
}

// Renderer builds HTML pages from the content store.
type Renderer struct {
	store  store.Store
	rule   *Rule
	tpl    *template.Template
	site   string
	logger zerolog.Logger
}

// Options configures a renderer beyond its data source.
type Options struct {
	// Site is the display name shown on every page.
	Site string
	// TemplateDir optionally overrides the built-in templates. Files matching
	// *.tmpl are parsed on top of the defaults, so a deployment can replace
	// individual pages only.
	TemplateDir string
	// VisibilityRule is the expression deciding which posts are shown.
	VisibilityRule string
}

// New builds a renderer reading from the given store.
func New(st store.Store, opts Options, logger zerolog.Logger) (*Renderer, error) {
	if st == nil {
		return nil, errors.New("renderer requires a store")
	}
	rule, err := CompileRule(opts.VisibilityRule)
	if err != nil {
		return nil, err
	}
	tpl, err := loadTemplates(opts.TemplateDir)
	if err != nil {
		return nil, err
	}
	site := opts.Site
	if site == "" {
		site = "pressroom"
	}
	return &Renderer{store: st, rule: rule, tpl: tpl, site: site, logger: logger}, nil
}

func loadTemplates(dir string) (*template.Template, error) {
	tpl := template.New("pages").Funcs(template.FuncMap{
		"paragraphs": paragraphs,
	})
	tpl = template.Must(tpl.Parse(defaultTemplates))
	if dir == "" {
		return tpl, nil
	}
	loaded, err := tpl.ParseGlob(filepath.Join(dir, "*.tmpl"))
	if err != nil {
		return nil, fmt.Errorf("parse templates in %s: %w", dir, err)
	}
	return loaded, nil
}

func paragraphs(body string) []string {
	parts := strings.Split(body, "\n\n")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}

// Render builds the page for a route. Preview rendering applies the
// visibility rule with the preview flag set and is never cached by callers.
// Unknown routes return ErrUnknownRoute and posts that exist but are not
// visible return store.ErrNotFound, so both map to a missing page.
func (r *Renderer) Render(ctx context.Context, route string, preview bool) (Result, error) {
	if route == RouteIndex {
		return r.renderIndex(ctx, preview)
	}
	if slug, ok := SplitRoute(route); ok {
		return r.renderPost(ctx, slug, preview)
	}
	return Result{}, ErrUnknownRoute
}

// Routes lists every route that currently resolves to a public page. The
// index is always included.
func (r *Renderer) Routes(ctx context.Context) ([]string, error) {
	posts, err := r.store.List(ctx, true)
	if err != nil {
		return nil, err
	}
	routes := make([]string, 0, len(posts)+1)
	routes = append(routes, RouteIndex)
	for _, post := range posts {
		visible, err := r.rule.Visible(post, false)
		if err != nil {
			return nil, err
		}
		if visible {
			routes = append(routes, PostRoute(post.Slug))
		}
	}
	return routes, nil
}

type indexData struct {
	Site        string
	GeneratedAt time.Time
	Preview     bool
	Posts       []store.Post
}

type postData struct {
	Site        string
	GeneratedAt time.Time
	Preview     bool
	Post        store.Post
}

func (r *Renderer) renderIndex(ctx context.Context, preview bool) (Result, error) {
	posts, err := r.store.List(ctx, true)
	if err != nil {
		return Result{}, err
	}
	visible := make([]store.Post, 0, len(posts))
	for _, post := range posts {
		ok, err := r.rule.Visible(post, preview)
		if err != nil {
			return Result{}, err
		}
		if ok {
			visible = append(visible, post)
		}
	}
	data := indexData{
		Site:        r.site,
		GeneratedAt: time.Now().UTC(),
		Preview:     preview,
		Posts:       visible,
	}
	return r.execute("index", data)
}

func (r *Renderer) renderPost(ctx context.Context, slug string, preview bool) (Result, error) {
	post, err := r.store.Get(ctx, slug)
	if err != nil {
		return Result{}, err
	}
	visible, err := r.rule.Visible(post, preview)
	if err != nil {
		return Result{}, err
	}
	if !visible {
		return Result{}, store.ErrNotFound
	}
	data := postData{
		Site:        r.site,
		GeneratedAt: time.Now().UTC(),
		Preview:     preview,
		Post:        post,
	}
	return r.execute("post", data)
}

func (r *Renderer) execute(name string, data interface{}) (Result, error) {
	var buf bytes.Buffer
	if err := r.tpl.ExecuteTemplate(&buf, name, data); err != nil {
		r.logger.Error().Err(err).Str("template", name).Msg("render page")
		return Result{}, fmt.Errorf("render %s: %w", name, err)
	}
	return Result{Body: buf.Bytes(), ContentType: "text/html; charset=utf-8"}, nil
}

const defaultTemplates = `{{define "head"}}<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Site}}</title>
<style>
body { font-family: Georgia, serif; max-width: 46rem; margin: 2rem auto; padding: 0 1rem; color: #222; }
a { color: #1d4ed8; text-decoration: none; }
a:hover { text-decoration: underline; }
header { border-bottom: 1px solid #ddd; margin-bottom: 1.5rem; padding-bottom: 0.5rem; }
header h1 { margin: 0; font-size: 1.6rem; }
.meta { color: #777; font-size: 0.85rem; }
.tag { background: #eef2ff; border-radius: 3px; padding: 0 0.4rem; margin-right: 0.3rem; font-size: 0.8rem; }
.draft { background: #fef3c7; border-radius: 3px; padding: 0 0.4rem; font-size: 0.8rem; }
.preview-banner { background: #fef3c7; border: 1px solid #f59e0b; padding: 0.5rem 1rem; margin-bottom: 1.5rem; }
footer { border-top: 1px solid #ddd; margin-top: 2rem; padding-top: 0.5rem; color: #999; font-size: 0.8rem; }
article { margin-bottom: 1.5rem; }
</style>
</head>
<body>
<header><h1><a href="/">{{.Site}}</a></h1></header>
{{if .Preview}}<div class="preview-banner">Preview mode: drafts are visible.</div>{{end}}
{{end}}

{{define "foot"}}<footer>generated at {{.GeneratedAt.Format "2006-01-02 15:04:05 MST"}}</footer>
</body>
</html>
{{end}}

{{define "index"}}{{template "head" .}}
{{range .Posts}}<article>
<h2><a href="/posts/{{.Slug}}">{{.Title}}</a>{{if .Draft}} <span class="draft">draft</span>{{end}}</h2>
<div class="meta">{{.CreatedAt.Format "2006-01-02"}}{{if .Author}} · {{.Author}}{{end}}
{{range .Tags}}<span class="tag">{{.}}</span>{{end}}</div>
</article>
{{else}}<p>No posts yet.</p>
{{end}}{{template "foot" .}}{{end}}

{{define "post"}}{{template "head" .}}
<article>
<h2>{{.Post.Title}}{{if .Post.Draft}} <span class="draft">draft</span>{{end}}</h2>
<div class="meta">{{.Post.CreatedAt.Format "2006-01-02"}}{{if .Post.Author}} · {{.Post.Author}}{{end}}
{{range .Post.Tags}}<span class="tag">{{.}}</span>{{end}}</div>
{{range paragraphs .Post.Body}}<p>{{.}}</p>
{{end}}</article>
<p><a href="/">&larr; all posts</a></p>
{{template "foot" .}}{{end}}
`
