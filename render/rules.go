package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/pressroom-dev/pressroom/store"
)

// DefaultVisibilityRule hides drafts unless the page is rendered for an
// active preview session.
const DefaultVisibilityRule = "!post.draft || preview"

// Rule decides whether a post appears on rendered pages. The expression is
// evaluated with the post fields, the preview flag and the current time, so
// deployments can express scheduled publishing or tag-based gating without
// code changes.
type Rule struct {
	src     string
	program *vm.Program
}

// CompileRule compiles a visibility expression. An empty source falls back
// to the default rule.
func CompileRule(src string) (*Rule, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		src = DefaultVisibilityRule
	}
	program, err := expr.Compile(src, expr.Env(map[string]interface{}{}), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile visibility rule: %w", err)
	}
	return &Rule{src: src, program: program}, nil
}

// Source returns the expression the rule was compiled from.
func (r *Rule) Source() string {
	if r == nil {
		return ""
	}
	return r.src
}

// Visible evaluates the rule for a post.
func (r *Rule) Visible(post store.Post, preview bool) (bool, error) {
	if r == nil || r.program == nil {
		return !post.Draft || preview, nil
	}
	env := map[string]interface{}{
		"post":    postEnv(post),
		"preview": preview,
		"now":     time.Now().UTC(),
	}
	out, err := vm.Run(r.program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate visibility rule: %w", err)
	}
	visible, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("visibility rule %q returned %T, want bool", r.src, out)
	}
	return visible, nil
}

func postEnv(post store.Post) map[string]interface{} {
	tags := make([]interface{}, 0, len(post.Tags))
	for _, tag := range post.Tags {
		tags = append(tags, tag)
	}
	return map[string]interface{}{
		"slug":       post.Slug,
		"title":      post.Title,
		"author":     post.Author,
		"tags":       tags,
		"draft":      post.Draft,
		"created_at": post.CreatedAt,
		"updated_at": post.UpdatedAt,
	}
}
