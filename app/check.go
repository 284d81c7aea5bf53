package app

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pressroom-dev/pressroom/config"
	"github.com/pressroom-dev/pressroom/render"
	"github.com/pressroom-dev/pressroom/store"
)

// Check loads and validates the configuration at path without starting the
// service. It catches schema violations, a broken visibility rule and
// template parse errors.
func Check(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	return validate(cfg)
}

// validate verifies the parts of the configuration the schema cannot, by
// building a throwaway renderer. Used before swapping runtimes so an invalid
// reload never takes down a running service.
func validate(cfg *config.Config) error {
	_, err := render.New(store.NewMemory(), render.Options{
		Site:           cfg.Pages.Site(),
		TemplateDir:    cfg.Pages.TemplateDir,
		VisibilityRule: cfg.Pages.Visibility,
	}, zerolog.Nop())
	if err != nil {
		return fmt.Errorf("validate configuration: %w", err)
	}
	return nil
}
