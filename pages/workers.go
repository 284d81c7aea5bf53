package pages

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/pressroom-dev/pressroom/render"
	"github.com/pressroom-dev/pressroom/store"
)

// rebuildRoutes rebuilds the given routes with bounded concurrency and
// returns the number of successful builds. A route whose content vanished is
// dropped from the cache, other build failures are logged and skipped so one
// broken page cannot stall a sweep. Only context cancellation aborts the run.
func (c *Cache) rebuildRoutes(ctx context.Context, routes []string, trigger string) (int, error) {
	if len(routes) == 0 {
		return 0, nil
	}

	g, groupCtx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, c.workers)
	var built atomic.Int64

	for _, route := range routes {
		route := route
		g.Go(func() error {
			select {
			case <-groupCtx.Done():
				return groupCtx.Err()
			case sem <- struct{}{}:
				defer func() { <-sem }()
			}

			if _, err := c.build(groupCtx, route, trigger); err != nil {
				if errors.Is(err, store.ErrNotFound) || errors.Is(err, render.ErrUnknownRoute) {
					c.Drop(route)
					return nil
				}
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				c.logger.Warn().Err(err).Str("route", route).Str("trigger", trigger).Msg("page rebuild failed")
				return nil
			}
			built.Add(1)
			return nil
		})
	}

	err := g.Wait()
	return int(built.Load()), err
}
