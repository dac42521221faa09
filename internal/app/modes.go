package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tokenpool/internal/scheduler"
	"github.com/alanyoungcy/tokenpool/internal/server"
	"github.com/alanyoungcy/tokenpool/internal/server/handler"
	"github.com/alanyoungcy/tokenpool/internal/server/middleware"
	"github.com/alanyoungcy/tokenpool/internal/server/ws"
)

const shutdownTimeout = 10 * time.Second

// ServerMode serves the HTTP API (and the WebSocket hub when a signal bus is
// configured) until ctx is cancelled.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// WorkerMode runs the scheduled jobs: the auto-close sweep and, with blob
// storage configured, the monthly ledger archive.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting worker mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startScheduler(ctx, g, deps); err != nil {
		return err
	}
	return g.Wait()
}

// FullMode runs the HTTP API and the scheduled jobs in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startScheduler(ctx, g, deps); err != nil {
		return err
	}
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}
	return g.Wait()
}

func (a *App) startScheduler(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	spec := a.cfg.Scheduler.ArchiveSpec
	if deps.Archiver == nil {
		spec = ""
	}
	sched := scheduler.New(deps.Markets, scheduler.Config{
		CloseSweepSpec: a.cfg.Scheduler.CloseSweepSpec,
		ArchiveSpec:    spec,
		JobTimeout:     a.cfg.Scheduler.JobTimeout.Duration,
	}, a.logger)
	if err := sched.Register(ctx); err != nil {
		return err
	}

	g.Go(func() error {
		return sched.Run(ctx)
	})
	return nil
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	handlers := server.Handlers{
		Health:   handler.NewHealthHandler(deps.healthChecks(), a.logger),
		Status:   handler.NewStatusHandler(a.cfg.Mode, deps.Storage, deps.Arena.Len),
		Events:   handler.NewEventHandler(deps.Markets, a.logger),
		Accounts: handler.NewAccountHandler(deps.Accounts, a.logger),
		Metrics:  deps.Metrics.Handler(),
	}

	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, a.logger, ws.Config{
			Mode:        a.cfg.Mode,
			StartedAt:   time.Now().UTC(),
			CORSOrigins: a.cfg.Server.CORSOrigins,
		})
		g.Go(func() error {
			return hub.Run(ctx)
		})
	} else {
		a.logger.InfoContext(ctx, "redis disabled, websocket hub not started")
	}

	srv := server.NewServer(
		server.Config{Port: a.cfg.Server.Port, CORSOrigins: a.cfg.Server.CORSOrigins},
		handlers,
		hub,
		middleware.Logging(a.logger, deps.Metrics),
		a.logger,
	)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	a.logger.InfoContext(ctx, "HTTP server configured",
		slog.Int("port", a.cfg.Server.Port),
		slog.Bool("websocket", hub != nil),
	)
}
