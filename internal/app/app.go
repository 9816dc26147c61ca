// Package app owns the keeper's process lifecycle: it wires the data store,
// caches, event sinks, object storage and notifications, then runs the
// goroutines of the configured mode until the context ends.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/perpcore/internal/config"
)

// modes maps each configured mode name to the function that runs it.
var modes = map[string]func(*App, context.Context, *Dependencies) error{
	"keeper":  (*App).KeeperMode,
	"archive": (*App).ArchiveMode,
	"full":    (*App).FullMode,
}

// App runs one keeper process. Resources opened by Wire are released by
// Close in reverse order.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires dependencies, provisions the configured markets and blocks in
// the selected mode.
func (a *App) Run(ctx context.Context) error {
	mode := strings.ToLower(a.cfg.Mode)
	run, ok := modes[mode]
	if !ok {
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	a.logger.InfoContext(ctx, "dependencies ready",
		slog.String("mode", mode),
		slog.String("datastore", a.cfg.Datastore),
		slog.Int("markets", len(a.cfg.Markets)),
		slog.Bool("event_log", deps.EventLog != nil),
		slog.Bool("archiver", deps.Archiver != nil),
	)
	return run(a, ctx, deps)
}

// Close is idempotent.
func (a *App) Close() {
	if len(a.closers) == 0 {
		return
	}
	a.logger.Info("releasing resources")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
