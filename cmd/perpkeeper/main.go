// Command perpkeeper runs the perp risk core: it loads configuration, wires
// the data store and event sinks, and serves the keeper API or the event
// archiver depending on the configured mode.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alanyoungcy/perpcore/internal/app"
	"github.com/alanyoungcy/perpcore/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	check := flag.Bool("check", false, "validate the configuration, print it with secrets redacted and exit")
	textLogs := flag.Bool("text-logs", false, "log as text instead of JSON")
	flag.Parse()

	logger := newLogger(*textLogs, slog.LevelInfo)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config", slog.String("path", *configPath), slog.String("error", err.Error()))
		return 1
	}
	logger = newLogger(*textLogs, parseLevel(cfg.LogLevel))

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		return 1
	}
	if *check {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(config.RedactedConfig(cfg)); err != nil {
			logger.Error("print config", slog.String("error", err.Error()))
			return 1
		}
		return 0
	}

	logger.Info("perpkeeper starting", slog.String("mode", cfg.Mode), slog.String("config", *configPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application := app.New(cfg, logger)
	defer application.Close()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("perpkeeper exited", slog.String("error", err.Error()))
		return 1
	}
	logger.Info("perpkeeper stopped")
	return 0
}

func newLogger(text bool, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if text {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return l
}
