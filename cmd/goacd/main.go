// goacd daemon -- IPv4 Address Conflict Detection (RFC 5227).
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
	"runtime/trace"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/goacd/internal/acd"
	"github.com/dantte-lp/goacd/internal/config"
	acdmetrics "github.com/dantte-lp/goacd/internal/metrics"
	"github.com/dantte-lp/goacd/internal/netio"
	"github.com/dantte-lp/goacd/internal/server"
	appversion "github.com/dantte-lp/goacd/internal/version"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// readHeaderTimeout bounds request header reads on both listeners.
const readHeaderTimeout = 10 * time.Second

// flightRecorderMinAge is the minimum window age for the flight recorder.
// Captures the last few seconds of execution so a conflict storm can be
// inspected after the fact.
const flightRecorderMinAge = 5 * time.Second

// flightRecorderMaxBytes is the upper bound on flight recorder window size.
const flightRecorderMaxBytes = 2 * 1024 * 1024 // 2 MiB

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("goacd"))
		return 0
	}

	// 2. Load config.
	cfg, err := loadConfig(*configPath)
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

	logger.Info("goacd starting",
		slog.String("version", appversion.Version),
		slog.String("http_addr", cfg.HTTP.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.Int("sessions", len(cfg.Sessions)),
	)

	// 4. Start flight recorder for post-mortem debugging.
	fr := startFlightRecorder(logger)

	// 5. Create Prometheus metrics collector.
	reg := prometheus.NewRegistry()
	collector := acdmetrics.NewCollector(reg)

	// 6. Create the ACD session manager with metrics, retry policy and
	// AF_PACKET sockets wired in.
	mgr := acd.NewManager(logger,
		acd.WithManagerMetrics(collector),
		acd.WithRetryPolicy(retryPolicy(cfg.ACD)),
		acd.WithSessionOptions(acd.WithConnOpener(arpConnOpener())),
	)
	defer mgr.Close()

	// 7. Run servers.
	if err := runServers(cfg, mgr, reg, logger, *configPath, logLevel, fr); err != nil {
		logger.Error("goacd exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("goacd stopped")
	return 0
}

// runServers sets up and runs the API and metrics HTTP servers, the link
// monitor and the event pipeline using an errgroup with signal-aware
// context for graceful shutdown.
func runServers(
	cfg *config.Config,
	mgr *acd.Manager,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
	fr *trace.FlightRecorder,
) error {
	broker := server.NewBroker(logger)

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	apiSrv := newAPIServer(cfg.HTTP, mgr, broker, logger)

	// errgroup with signal-aware context.
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	// Event pipeline: sessions -> manager dispatch -> broker -> WatchEvents streams.
	g.Go(func() error {
		mgr.RunDispatch(gCtx)
		return nil
	})
	g.Go(func() error {
		broker.Run(gCtx, mgr.Events())
		return nil
	})

	mon := newLinkMonitor(cfg.Interfaces, logger)
	defer closeLinkMonitor(mon, logger)
	startLinkMonitor(gCtx, g, mon, mgr, logger)

	startHTTPServers(gCtx, g, cfg, apiSrv, metricsSrv, logger)
	startDaemonGoroutines(gCtx, g, configPath, logLevel, cfg, mgr, logger)

	// Reconcile declarative sessions from config at startup.
	reconcileSessions(gCtx, cfg, mgr, logger)

	notifyReady(logger)

	// Shutdown goroutine: waits for context cancellation.
	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, fr, apiSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// startHTTPServers registers the API and metrics HTTP server goroutines.
func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	apiSrv *http.Server,
	metricsSrv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("api server listening", slog.String("addr", cfg.HTTP.Addr))
		return listenAndServe(ctx, &lc, apiSrv, cfg.HTTP.Addr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

// startDaemonGoroutines registers the watchdog and SIGHUP reload goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	cfg *config.Config,
	mgr *acd.Manager,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, cfg, mgr, logger)
		return nil
	})
}

// -------------------------------------------------------------------------
// Link Monitor — stop on link down, probe again on link up
// -------------------------------------------------------------------------

// newLinkMonitor returns the rtnetlink monitor, or the stub when monitoring
// is disabled or unavailable on this platform.
func newLinkMonitor(cfg config.InterfacesConfig, logger *slog.Logger) netio.InterfaceMonitor {
	if !cfg.Monitor {
		logger.Info("interface monitoring disabled")
		return netio.NewStubInterfaceMonitor(logger)
	}

	mon, err := netio.NewLinkMonitor(logger)
	if err != nil {
		logger.Warn("link monitor unavailable, sessions will not follow link state",
			slog.String("error", err.Error()),
		)
		return netio.NewStubInterfaceMonitor(logger)
	}
	return mon
}

// startLinkMonitor runs the monitor and forwards its events to the manager.
// A monitor failure is logged and does not stop the daemon.
func startLinkMonitor(
	ctx context.Context,
	g *errgroup.Group,
	mon netio.InterfaceMonitor,
	mgr *acd.Manager,
	logger *slog.Logger,
) {
	g.Go(func() error {
		if err := mon.Run(ctx); err != nil {
			logger.Error("link monitor failed",
				slog.String("error", err.Error()),
			)
		}
		return nil
	})

	g.Go(func() error {
		for ev := range mon.Events() {
			mgr.HandleLinkEvent(ev)
		}
		return nil
	})
}

// closeLinkMonitor closes the monitor, logging any error.
func closeLinkMonitor(mon netio.InterfaceMonitor, logger *slog.Logger) {
	if err := mon.Close(); err != nil {
		logger.Warn("failed to close link monitor",
			slog.String("error", err.Error()),
		)
	}
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

// notifyStopping sends STOPPING=1 to systemd, indicating the daemon
// is beginning graceful shutdown.
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

// notifyReloading sends RELOADING=1 to systemd while SIGHUP is handled.
// READY=1 is sent again once the reload finishes.
func notifyReloading(logger *slog.Logger) {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReloading); err != nil {
		logger.Warn("failed to notify systemd reloading",
			slog.String("error", err.Error()),
		)
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd.
// The interval is WatchdogSec/2 as recommended by the systemd documentation.
// If watchdog is not configured, the goroutine exits immediately.
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

	// Send keepalive at half the watchdog interval.
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
// SIGHUP Reload — log level + session reconciliation
// -------------------------------------------------------------------------

// handleSIGHUP listens for SIGHUP signals and reloads configuration.
// On reload, the log level is updated dynamically via the shared LevelVar,
// and declarative sessions are reconciled (new sessions created, removed
// sessions destroyed).
// Blocks until the context is cancelled (graceful shutdown).
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	current *config.Config,
	mgr *acd.Manager,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			notifyReloading(logger)
			if next := reloadConfig(ctx, configPath, logLevel, current, mgr, logger); next != nil {
				current = next
			}
			notifyReady(logger)
		}
	}
}

// reloadConfig loads a fresh configuration from the given path, updates
// the dynamic log level, and reconciles declarative ACD sessions.
// Errors during reload are logged but do not stop the daemon -- the
// previous configuration remains in effect and nil is returned.
func reloadConfig(
	ctx context.Context,
	configPath string,
	logLevel *slog.LevelVar,
	current *config.Config,
	mgr *acd.Manager,
	logger *slog.Logger,
) *config.Config {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return nil
	}

	// Update log level.
	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)

	for _, section := range restartOnlyChanges(current, newCfg) {
		logger.Warn("configuration change requires a restart to take effect",
			slog.String("section", section),
		)
	}

	// Reconcile declarative sessions.
	reconcileSessions(ctx, newCfg, mgr, logger)

	return newCfg
}

// restartOnlyChanges names the sections that differ between old and next
// but are only read at startup.
func restartOnlyChanges(old, next *config.Config) []string {
	var changed []string
	if old.HTTP != next.HTTP {
		changed = append(changed, "http")
	}
	if old.Metrics != next.Metrics {
		changed = append(changed, "metrics")
	}
	if old.Log.Format != next.Log.Format {
		changed = append(changed, "log.format")
	}
	if old.ACD != next.ACD {
		changed = append(changed, "acd")
	}
	if old.Interfaces != next.Interfaces {
		changed = append(changed, "interfaces")
	}
	return changed
}

// reconcileSessions diffs the declarative sessions from the config against
// the current session set and creates/destroys sessions as needed. An empty
// list destroys every session, so removing the last entry on reload
// releases its address.
func reconcileSessions(
	ctx context.Context,
	cfg *config.Config,
	mgr *acd.Manager,
	logger *slog.Logger,
) {
	desired := configSessions(cfg.Sessions, logger)

	created, destroyed, err := mgr.ReconcileSessions(ctx, desired)
	if err != nil {
		logger.Error("session reconciliation had errors",
			slog.String("error", err.Error()),
			slog.Int("created", created),
			slog.Int("destroyed", destroyed),
		)
		return
	}

	logger.Info("sessions reconciled",
		slog.Int("desired", len(desired)),
		slog.Int("created", created),
		slog.Int("destroyed", destroyed),
	)
}

// configSessions converts declarative session entries to manager configs.
// Invalid entries are logged and skipped.
func configSessions(sessions []config.SessionConfig, logger *slog.Logger) []acd.SessionConfig {
	desired := make([]acd.SessionConfig, 0, len(sessions))
	for _, sc := range sessions {
		addr, err := sc.Addr()
		if err != nil {
			logger.Error("invalid session config, skipping",
				slog.String("interface", sc.Interface),
				slog.String("address", sc.Address),
				slog.String("error", err.Error()),
			)
			continue
		}
		desired = append(desired, acd.SessionConfig{
			Interface: sc.Interface,
			Address:   addr,
		})
	}
	return desired
}

// retryPolicy maps the acd configuration section to a RetryPolicy.
func retryPolicy(cfg config.ACDConfig) acd.RetryPolicy {
	return acd.RetryPolicy{
		MaxConflicts:      cfg.MaxConflicts,
		RateLimitInterval: cfg.RateLimitInterval,
		RestartDelay:      cfg.RestartDelay,
		RestartOnLost:     cfg.RestartOnLost,
	}
}

// arpConnOpener opens an AF_PACKET ARP socket per session.
func arpConnOpener() acd.ConnOpener {
	return acd.ConnOpenerFunc(func(ifIndex int) (acd.PacketConn, error) {
		conn, err := netio.ListenARP(ifIndex)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

// gracefulShutdown drains the HTTP servers. Sessions are stopped by the
// deferred Manager.Close in run once the errgroup has returned.
func gracefulShutdown(
	ctx context.Context,
	logger *slog.Logger,
	fr *trace.FlightRecorder,
	servers ...*http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	// Stop flight recorder.
	if fr != nil {
		fr.Stop()
		logger.Debug("flight recorder stopped")
	}

	// Derive a fresh shutdown context from the parent (which is cancelled).
	// context.WithoutCancel detaches from the parent's cancellation so we
	// can enforce our own drain timeout.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Flight Recorder
// -------------------------------------------------------------------------

// startFlightRecorder initializes and starts the runtime/trace
// FlightRecorder. The recorder maintains a rolling window of execution
// trace data that can be dumped on demand.
func startFlightRecorder(logger *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   flightRecorderMinAge,
		MaxBytes: flightRecorderMaxBytes,
	})

	if err := fr.Start(); err != nil {
		logger.Warn("failed to start flight recorder",
			slog.String("error", err.Error()),
		)
		return nil
	}

	logger.Info("flight recorder started",
		slog.Duration("min_age", flightRecorderMinAge),
		slog.Uint64("max_bytes", flightRecorderMaxBytes),
	)

	return fr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

// listenAndServe creates a TCP listener using the ListenConfig (for noctx
// compliance) and serves HTTP requests until the server is shut down.
func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
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
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// newAPIServer creates the HTTP server for the status API and the gRPC
// health endpoint. The handler is wrapped with h2c so gRPC health probes
// can use HTTP/2 without TLS. No write timeout is set: WatchEvents streams.
func newAPIServer(cfg config.HTTPConfig, mgr *acd.Manager, broker *server.Broker, logger *slog.Logger) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2c.NewHandler(server.New(mgr, broker, logger), &http2.Server{}),
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// loadConfig loads configuration from a file path or returns defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes via SIGHUP reload.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
