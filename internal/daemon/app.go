// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
)

const janitorInterval = time.Hour

// Run starts the HTTP server, the scheduler dispatch loop, the event hub and
// the janitors, then blocks until ctx is canceled or a subsystem fails.
// Shutdown order: stop accepting HTTP, drain the scheduler, close stores.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	httpSrv := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           a.server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		a.logger.Info().Str("addr", httpSrv.Addr).Msg("http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error { return a.sched.Run(ctx) })
	g.Go(func() error { return a.hub.Run(ctx) })
	g.Go(func() error { return a.janitor(ctx) })

	err := g.Wait()

	if cerr := a.backend.Close(); cerr != nil {
		a.logger.Error().Err(cerr).Msg("queue backend close failed")
	}
	if cerr := a.users.Close(); cerr != nil {
		a.logger.Error().Err(cerr).Msg("identity store close failed")
	}
	if cerr := a.store.Close(); cerr != nil {
		a.logger.Error().Err(cerr).Msg("job store close failed")
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// janitor runs the periodic housekeeping passes: expired upload sessions and
// orphaned output directories.
func (a *App) janitor(ctx context.Context) error {
	t := time.NewTicker(janitorInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}

		if n, err := a.uploads.SweepExpired(ctx); err != nil {
			a.logger.Error().Err(err).Msg("upload sweep failed")
		} else if n > 0 {
			a.logger.Info().Int("removed", n).Msg("expired upload sessions swept")
		}

		exists := func(ctx context.Context, jobID string) (bool, error) {
			_, err := a.store.GetJob(ctx, jobID)
			if err == nil {
				return true, nil
			}
			return false, nil
		}
		if n, err := a.manifests.SweepOrphans(ctx, exists, 24*time.Hour); err != nil {
			a.logger.Error().Err(err).Msg("orphan sweep failed")
		} else if n > 0 {
			a.logger.Info().Int("removed", n).Msg("orphaned output directories swept")
		}

		if n, err := a.users.SweepExpiredTokens(ctx); err != nil {
			a.logger.Error().Err(err).Msg("refresh token sweep failed")
		} else if n > 0 {
			a.logger.Info().Int("removed", n).Msg("expired refresh tokens swept")
		}
	}
}

func envInitialAdminPassword() string {
	return os.Getenv("INITIAL_ADMIN_PASSWORD")
}
