// HYPERDESK daemon -- LAN peer-to-peer file sharing.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/idiehl/hyperdesk/internal/config"
	"github.com/idiehl/hyperdesk/internal/controller"
	hyperdeskmetrics "github.com/idiehl/hyperdesk/internal/metrics"
	appversion "github.com/idiehl/hyperdesk/internal/version"
)

// shutdownTimeout is the maximum time to wait for the control and metrics
// servers to drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("hyperdesk"))
		return 0
	}

	// 2. Load config.
	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("hyperdesk starting",
		slog.String("version", appversion.Version),
		slog.String("control_addr", fmt.Sprintf("%s:%d", cfg.Control.Host, cfg.Control.Port)),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.Bool("mdns", cfg.Discovery.UseMDNS),
	)

	// 4. Create Prometheus metrics collector.
	reg := prometheus.NewRegistry()
	collector := hyperdeskmetrics.NewCollector(reg)

	// 5. Create the app state and controller.
	state := controller.NewState()
	state.OnLogAdded(func(line string) {
		logger.Info(line, slog.String("channel", "state"))
	})

	ctrl, err := controller.New(cfg, state, logger, controller.WithMetrics(collector))
	if err != nil {
		logger.Error("failed to initialize controller",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 6. Run.
	if err := runDaemon(cfg, ctrl, reg, logLevel, *configPath, logger); err != nil {
		logger.Error("hyperdesk exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("hyperdesk stopped")
	return 0
}

// runDaemon starts the controller and metrics server under an errgroup with
// a signal-aware context, then shuts everything down cooperatively.
func runDaemon(
	cfg *config.Config,
	ctrl *controller.Controller,
	reg *prometheus.Registry,
	logLevel *slog.LevelVar,
	configPath string,
	logger *slog.Logger,
) error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("start controller: %w", err)
	}

	g, gCtx := errgroup.WithContext(ctx)

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(gCtx, metricsSrv, cfg.Metrics.Addr)
	})

	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(gCtx, sigHUP, configPath, logLevel, logger)
		return nil
	})

	notifyReady(logger)

	// Shutdown goroutine: waits for context cancellation.
	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, ctrl, metricsSrv, logger)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run daemon: %w", err)
	}
	return nil
}

// gracefulShutdown stops the controller (watcher, announcer, control
// server, store) and drains the metrics server.
func gracefulShutdown(
	ctx context.Context,
	ctrl *controller.Controller,
	metricsSrv *http.Server,
	logger *slog.Logger,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	// Derive a fresh shutdown context from the parent (which is cancelled).
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	ctrl.Shutdown(shutdownCtx)

	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization and is ready to serve.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd, indicating the daemon is
// beginning graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd at half the
// configured interval. Exits immediately when no watchdog is configured.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — log level
// -------------------------------------------------------------------------

// handleSIGHUP listens for SIGHUP and reloads the log level from the
// configuration file. Reload errors keep the current settings. Blocks
// until the context is cancelled.
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			newCfg, err := config.Load(configPath)
			if err != nil {
				logger.Error("failed to reload configuration, keeping current settings",
					slog.String("error", err.Error()),
				)
				continue
			}
			oldLevel := logLevel.Level()
			newLevel := config.ParseLogLevel(newCfg.Log.Level)
			logLevel.Set(newLevel)
			logger.Info("configuration reloaded",
				slog.String("old_log_level", oldLevel.String()),
				slog.String("new_log_level", newLevel.String()),
			)
		}
	}
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

// listenAndServe creates a TCP listener via ListenConfig and serves until
// the server is shut down.
func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// newMetricsServer creates an HTTP server for the Prometheus metrics endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes via SIGHUP reload.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
