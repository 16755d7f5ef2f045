// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dolaplink/lockerd/internal/api"
	"github.com/dolaplink/lockerd/internal/broadcast"
	"github.com/dolaplink/lockerd/internal/config"
	"github.com/dolaplink/lockerd/internal/events"
	"github.com/dolaplink/lockerd/internal/fleet"
	"github.com/dolaplink/lockerd/internal/kiosk"
	"github.com/dolaplink/lockerd/internal/locker"
	"github.com/dolaplink/lockerd/internal/modbus"
	"github.com/dolaplink/lockerd/internal/queue"
	"github.com/dolaplink/lockerd/internal/ratelimit"
	"github.com/dolaplink/lockerd/internal/store"
	"github.com/dolaplink/lockerd/internal/userflow"
)

// App owns the assembled subsystems and their lifecycle.
type App struct {
	holder   *config.Holder
	store    *store.Store
	port     modbus.Port
	manager  *locker.Manager
	queue    *queue.Queue
	executor *modbus.Executor
	runner   *kiosk.Runner
	sessions *userflow.SessionManager
	limiter  *ratelimit.Limiter
	events   *events.Logger
	tracker  *fleet.Tracker
	server   *api.Server
	hub      *broadcast.Hub
	logger   zerolog.Logger
}

// Run starts every background worker and blocks until ctx is cancelled or a
// fatal error occurs. Shutdown lets in-flight iterations finish.
func (a *App) Run(ctx context.Context) error {
	cfg := a.holder.Get()

	if err := a.store.EnsureLockers(ctx, cfg.Kiosk.ID, cfg.Lockers.Count); err != nil {
		return fmt.Errorf("daemon: locker initialization: %w", err)
	}

	// A fresh boot drops commands queued for the previous process life.
	if _, err := a.tracker.NotifyRestart(ctx, cfg.Kiosk.ID, a.queue); err != nil {
		a.logger.Warn().Err(err).Msg("restart bookkeeping failed")
	}

	a.executor.Start()
	defer a.executor.Stop()

	g, ctx := errgroup.WithContext(ctx)

	// Config watcher is best-effort; startup survives without it.
	if err := a.holder.StartWatcher(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("config watcher start failed")
	}

	g.Go(func() error {
		return ignoreCancel(a.hub.Run(ctx))
	})

	g.Go(func() error {
		a.sessions.Run(ctx, 5*time.Second)
		return nil
	})

	g.Go(func() error {
		a.limiter.Run(ctx, 5*time.Minute)
		return nil
	})

	if cfg.Lockers.AutoReleaseEnabled() {
		sweeper := &locker.Sweeper{
			Manager: a.manager,
			Conf: locker.SweeperConfig{
				Interval:         time.Minute,
				AutoReleaseHours: *cfg.Lockers.AutoReleaseHours,
			},
		}
		g.Go(func() error {
			sweeper.Run(ctx)
			return nil
		})
	}

	g.Go(func() error {
		a.events.RunRetention(ctx, retentionConfig(cfg.Retention))
		return nil
	})

	g.Go(func() error {
		a.runQueueCleanup(ctx, cfg.Retention.CommandRetentionDays)
		return nil
	})

	monitor := &fleet.Monitor{
		Tracker: a.tracker,
		Conf: fleet.MonitorConfig{
			Interval:         10 * time.Second,
			OfflineThreshold: cfg.Kiosk.OfflineThreshold(),
		},
	}
	g.Go(func() error {
		return ignoreCancel(monitor.Run(ctx))
	})

	g.Go(func() error {
		return ignoreCancel(a.runner.Run(ctx))
	})

	g.Go(func() error {
		return a.runHTTP(ctx, cfg)
	})

	g.Go(func() error {
		return a.watchReloadSignal(ctx)
	})

	err := g.Wait()

	a.holder.Stop()
	if cerr := a.port.Close(); cerr != nil {
		a.logger.Warn().Err(cerr).Msg("serial port close failed")
	}
	if cerr := a.store.Close(); cerr != nil {
		a.logger.Warn().Err(cerr).Msg("store close failed")
	}
	return err
}

func (a *App) runHTTP(ctx context.Context, cfg config.Config) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Listen, cfg.Server.Port),
		Handler:           a.server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn().Err(err).Msg("http shutdown incomplete")
		}
		return nil
	}
}

func (a *App) runQueueCleanup(ctx context.Context, retentionDays int) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.queue.CleanupOld(ctx, retentionDays)
			if err != nil {
				a.logger.Error().Err(err).Msg("command cleanup failed")
				continue
			}
			if n > 0 {
				a.logger.Info().Int("removed", n).Msg("old commands cleaned")
			}
		}
	}
}

// watchReloadSignal triggers a config reload on SIGHUP.
func (a *App) watchReloadSignal(ctx context.Context) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			a.logger.Info().Msg("reload signal received")
			if err := a.holder.Reload(ctx); err != nil {
				a.logger.Warn().Err(err).Msg("config reload failed")
			}
		}
	}
}

func retentionConfig(cfg config.RetentionConfig) events.RetentionConfig {
	r := events.DefaultRetention()
	if cfg.EventRetentionDays > 0 {
		r.EventRetention = time.Duration(cfg.EventRetentionDays) * 24 * time.Hour
		r.AnonymizeAfter = r.EventRetention
	}
	if cfg.AuditRetentionDays > 0 {
		r.AuditRetention = time.Duration(cfg.AuditRetentionDays) * 24 * time.Hour
	}
	r.AnonymizeIDs = cfg.AnonymizationEnabled
	return r
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
