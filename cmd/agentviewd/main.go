package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentview/agentview/internal/bridge"
	"github.com/agentview/agentview/internal/bus"
	"github.com/agentview/agentview/internal/config"
	"github.com/agentview/agentview/internal/connector"
	"github.com/agentview/agentview/internal/gateway"
	"github.com/agentview/agentview/internal/history"
	"github.com/agentview/agentview/internal/inputq"
	"github.com/agentview/agentview/internal/model"
	"github.com/agentview/agentview/internal/registry"
	"github.com/agentview/agentview/internal/supervisor"
	"github.com/agentview/agentview/internal/watcher"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigPath(), "YAML config path")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	listen := flag.String("listen", "", "HTTP/WebSocket bind address (overrides config)")
	registryPath := flag.String("registry", "", "session registry path (overrides config)")
	historyPath := flag.String("history-db", "", "event history SQLite path (overrides config)")
	flag.Parse()

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	cfg, err := config.LoadFile(*configPath, config.DefaultConfig())
	if err != nil {
		fatal(err)
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *registryPath != "" {
		cfg.RegistryPath = *registryPath
	}
	if *historyPath != "" {
		cfg.HistoryDBPath = *historyPath
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	hist, err := history.Open(ctx, cfg.HistoryDBPath)
	if err != nil {
		return err
	}
	defer hist.Close() //nolint:errcheck

	reg := registry.New(cfg.RegistryPath, cfg.SaveDebounceDuration, logger)
	if err := reg.Load(); err != nil {
		return err
	}

	sup := supervisor.New(cfg, logger)
	reg.Reconcile(func(tmuxSession string) bool {
		return sup.IsAlive(ctx, tmuxSession)
	})

	events := bus.New()
	pipes := connector.New(cfg, sup, reg, logger)
	router := inputq.New(sup, reg, logger)
	core := bridge.New(cfg, pipes, sup, reg, router, events, hist, logger)

	files := watcher.New(cfg.WatchDebounceDuration, func(sessionID string, count int) {
		events.Publish(bus.Event{
			Type:      bus.TypeFilesUpdate,
			SessionID: sessionID,
			Payload:   gateway.FilesUpdatePayload{SessionID: sessionID, FileCount: count},
		})
	}, logger)
	defer files.Close()

	// Keep the watcher in step with the session table: watch on create,
	// drop when a session goes offline.
	events.Subscribe(func(ev bus.Event) {
		if ev.Type != bus.TypeSessionUpdate {
			return
		}
		sess, ok := ev.Payload.(model.Session)
		if !ok {
			return
		}
		if sess.Status == model.StatusOffline {
			files.Unwatch(sess.ID)
			return
		}
		if err := files.Watch(sess.ID, sess.WorkDir); err != nil {
			logger.Warn("workdir watch failed", "session", sess.ID, "error", err)
		}
	})
	for _, sess := range reg.List() {
		if err := files.Watch(sess.ID, sess.WorkDir); err != nil {
			logger.Warn("workdir watch failed", "session", sess.ID, "error", err)
		}
	}

	gw := gateway.NewServer(cfg, core, pipes, hist, events, logger)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: gw.Handler()}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	gw.Shutdown()
	core.Shutdown()
	if err := reg.Close(); err != nil {
		logger.Warn("registry flush failed", "error", err)
	}
	return ctx.Err()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "agentviewd: %v\n", err)
	os.Exit(1)
}
