package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/perpcore/internal/domain"
	"github.com/alanyoungcy/perpcore/internal/oracle"
	"github.com/alanyoungcy/perpcore/internal/server"
	"github.com/alanyoungcy/perpcore/internal/server/handler"
	"github.com/alanyoungcy/perpcore/internal/server/ws"
	"github.com/alanyoungcy/perpcore/internal/service"
)

// KeeperMode serves the keeper API and the event stream.
func (a *App) KeeperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting keeper mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startKeeper(ctx, g, deps)
	return g.Wait()
}

// ArchiveMode periodically moves old events from Postgres to S3.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startArchiver(ctx, g, deps)
	return g.Wait()
}

// FullMode runs the keeper and the archiver side by side.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startKeeper(ctx, g, deps)
	a.startArchiver(ctx, g, deps)
	return g.Wait()
}

func (a *App) startKeeper(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	aggregator := oracle.NewAggregator(deps.OracleConfig, deps.Registry, deps.Reference, a.logger)
	keeper := service.NewKeeperService(
		deps.DataStore,
		aggregator,
		deps.Locks,
		deps.EventSink,
		deps.PriceCache,
		deps.Metrics,
		service.KeeperConfig{LockTTL: a.cfg.Keeper.LockTTL.Duration},
		a.logger,
	)

	if !a.cfg.Server.Enabled {
		a.logger.WarnContext(ctx, "server.enabled is false; keeper has no API and will idle")
		g.Go(func() error {
			<-ctx.Done()
			return nil
		})
		return
	}
	a.startHTTPServer(ctx, g, deps, keeper)
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, keeper *service.KeeperService) {
	hub := ws.NewHub(deps.SignalBus, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	h := server.Handlers{
		Health:   handler.NewHealthHandler(deps.Health, a.logger),
		Keeper:   handler.NewKeeperHandler(keeper, a.logger),
		Hub:      hub,
		Metrics:  deps.Metrics.Handler(),
		Recorder: deps.Metrics,
		Limiter:  deps.RateLimiter,
	}
	if deps.EventLog != nil {
		h.Events = handler.NewEventHandler(deps.EventLog, a.logger)
	}

	srv := server.New(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, h, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Archiver == nil {
		a.logger.WarnContext(ctx, "archiver not wired (needs postgres and s3); skipping")
		return
	}
	interval := a.cfg.Archive.Interval.Duration
	retention := a.cfg.Archive.Retention.Duration
	g.Go(func() error {
		return runArchiver(ctx, deps.Archiver, interval, retention, time.Now, a.logger)
	})
}

// runArchiver archives once immediately and then every interval. Failures
// are logged and retried on the next tick.
func runArchiver(ctx context.Context, arch domain.Archiver, interval, retention time.Duration, now func() time.Time, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		cutoff := now().Add(-retention)
		n, err := arch.ArchiveEvents(ctx, cutoff)
		switch {
		case err != nil && ctx.Err() == nil:
			logger.ErrorContext(ctx, "archive events failed",
				slog.Time("cutoff", cutoff),
				slog.String("error", err.Error()),
			)
		case n > 0:
			logger.InfoContext(ctx, "archive run complete",
				slog.Int64("events", n),
				slog.Time("cutoff", cutoff),
			)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
