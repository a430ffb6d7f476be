// overlayd -- overlay L2 network manager daemon.
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
	"syscall"
	"time"

	"connectrpc.com/grpchealth"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/l2sm/overlayd/internal/config"
	"github.com/l2sm/overlayd/internal/fabric"
	overlaymetrics "github.com/l2sm/overlayd/internal/metrics"
	"github.com/l2sm/overlayd/internal/netio"
	"github.com/l2sm/overlayd/internal/overlay"
	"github.com/l2sm/overlayd/internal/server"
	"github.com/l2sm/overlayd/internal/store"
	appversion "github.com/l2sm/overlayd/internal/version"
	"github.com/l2sm/overlayd/pkg/overlayv1"
)

// shutdownTimeout bounds how long the API and metrics servers may take to
// drain on shutdown.
const shutdownTimeout = 10 * time.Second

// Flight recorder window: at least flightRecorderMinAge of trace, capped at
// flightRecorderMaxBytes.
const (
	flightRecorderMinAge   = 500 * time.Millisecond
	flightRecorderMaxBytes = 2 * 1024 * 1024
)

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

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

	logger.Info("overlayd starting",
		slog.String("version", appversion.Version),
		slog.String("api_addr", cfg.API.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	// 4. Start flight recorder for post-mortem debugging.
	fr := startFlightRecorder(logger)

	// 5. Create Prometheus metrics collector.
	reg := prometheus.NewRegistry()
	collector := overlaymetrics.NewCollector(reg)

	// 6. Build the fabric collaborators.
	links, err := cfg.Topology.FabricLinks()
	if err != nil {
		logger.Error("invalid topology", slog.String("error", err.Error()))
		return 1
	}
	topo := fabric.NewStaticTopology(links)

	inst := fabric.NewMemoryInstaller(logger)
	defer closeInstaller(inst, logger)

	// 7. Open the declaration journal, if configured.
	opts := []overlay.ManagerOption{
		overlay.WithWorkers(cfg.Overlay.Workers),
		overlay.WithQueueSize(cfg.Overlay.QueueSize),
		overlay.WithLockTimeout(cfg.Overlay.LockTimeout),
		overlay.WithGetTimeout(cfg.Overlay.GetTimeout),
		overlay.WithPriorities(cfg.Overlay.OverlayPriorities()),
		overlay.WithMetrics(collector),
	}
	if cfg.Store.Path != "" {
		journal, err := store.Open(cfg.Store.Path, logger)
		if err != nil {
			logger.Error("failed to open journal", slog.String("error", err.Error()))
			return 1
		}
		defer closeJournal(journal, logger)
		opts = append(opts, overlay.WithJournal(journal))
	}

	// 8. Create and open the overlay manager; Open replays the journal.
	mgr, err := overlay.NewManager(logger, topo, inst, opts...)
	if err != nil {
		logger.Error("failed to create overlay manager", slog.String("error", err.Error()))
		return 1
	}
	if err := mgr.Open(context.Background()); err != nil {
		logger.Error("failed to open overlay manager", slog.String("error", err.Error()))
		return 1
	}
	defer closeManager(mgr, logger)

	dispatcher := netio.NewDispatcher(mgr, logger,
		netio.WithEmitter(netio.NewLogEmitter(logger)),
		netio.WithRateLimit(cfg.Overlay.PacketInRate, cfg.Overlay.PacketInBurst),
		netio.WithDropReporter(collector),
	)

	// 9. Run servers.
	d := &daemonState{
		configPath: *configPath,
		logLevel:   logLevel,
		topo:       topo,
		mgr:        mgr,
		logger:     logger,
	}
	if err := runServers(cfg, d, dispatcher, reg, fr); err != nil {
		logger.Error("overlayd exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("overlayd stopped")
	return 0
}

// daemonState groups what SIGHUP reload and reconciliation act on.
type daemonState struct {
	configPath string
	logLevel   *slog.LevelVar
	topo       *fabric.StaticTopology
	mgr        *overlay.Manager
	logger     *slog.Logger
}

// runServers sets up and runs the API and metrics HTTP servers using an
// errgroup with signal-aware context for graceful shutdown.
func runServers(
	cfg *config.Config,
	d *daemonState,
	dispatcher *netio.Dispatcher,
	reg *prometheus.Registry,
	fr *trace.FlightRecorder,
) error {
	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	apiSrv := newAPIServer(cfg.API, d.mgr, dispatcher, d.logger)

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	startHTTPServers(gCtx, g, cfg, apiSrv, metricsSrv, d.logger)
	startDaemonGoroutines(gCtx, g, d)

	// Reconcile declarative networks from config at startup.
	d.reconcile(gCtx, cfg)

	notifyReady(d.logger)

	// SIGINT/SIGTERM or any failing goroutine cancels gCtx.
	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, d.logger, fr, apiSrv, metricsSrv)
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
		logger.Info("API server listening", slog.String("addr", cfg.API.Addr))
		return listenAndServe(ctx, &lc, apiSrv, cfg.API.Addr)
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
func startDaemonGoroutines(ctx context.Context, g *errgroup.Group, d *daemonState) {
	g.Go(func() error {
		return runWatchdog(ctx, d.logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		d.handleSIGHUP(ctx, sigHUP)
		return nil
	})
}

// -------------------------------------------------------------------------
// Systemd Integration (sd_notify, watchdog)
// -------------------------------------------------------------------------

// notifyReady tells systemd that startup reconciliation is done.
func notifyReady(logger *slog.Logger) {
	sdNotify(logger, daemon.SdNotifyReady, "READY")
}

// notifyStopping tells systemd that shutdown has begun.
func notifyStopping(logger *slog.Logger) {
	sdNotify(logger, daemon.SdNotifyStopping, "STOPPING")
}

func sdNotify(logger *slog.Logger, state, name string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		logger.Warn("failed to notify systemd",
			slog.String("state", name),
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd", slog.String("state", name))
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd at half the
// configured WatchdogSec. Without a watchdog it returns immediately.
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
// SIGHUP Reload
// -------------------------------------------------------------------------

// handleSIGHUP reloads configuration on every SIGHUP until ctx ends.
func (d *daemonState) handleSIGHUP(ctx context.Context, sigHUP <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			d.logger.Info("received SIGHUP, reloading configuration")
			d.reload(ctx)
		}
	}
}

// reload loads a fresh configuration, updates the log level, swaps the
// topology and reconciles declarative networks. A configuration that fails
// to load or validate leaves the running one in effect. Settings that size
// the manager or bind listeners need a restart.
func (d *daemonState) reload(ctx context.Context) {
	newCfg, err := loadConfig(d.configPath)
	if err != nil {
		d.logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	oldLevel := d.logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	d.logLevel.Set(newLevel)

	// Validated by loadConfig.
	links, _ := newCfg.Topology.FabricLinks()
	d.topo.Replace(links)

	d.logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
		slog.Int("links", len(links)),
	)

	d.reconcile(ctx, newCfg)
}

// reconcile converges the declarative networks of cfg. Existing programs
// are not recompiled against a replaced topology; only networks touched by
// the reconcile are.
func (d *daemonState) reconcile(ctx context.Context, cfg *config.Config) {
	desired, err := config.Declarations(cfg.Networks)
	if err != nil {
		d.logger.Error("invalid network declarations, skipping reconciliation",
			slog.String("error", err.Error()),
		)
		return
	}

	created, deleted, err := d.mgr.Reconcile(ctx, desired)
	if err != nil {
		d.logger.Error("network reconciliation had errors",
			slog.Int("created", created),
			slog.Int("deleted", deleted),
			slog.String("error", err.Error()),
		)
	}
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

// gracefulShutdown signals systemd, stops the flight recorder and shuts
// down the HTTP servers. The manager is closed by run once the servers
// are gone, which withdraws every installed program.
//
// ctx is already cancelled here; only its values are used.
func gracefulShutdown(
	ctx context.Context,
	logger *slog.Logger,
	fr *trace.FlightRecorder,
	servers ...*http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	if fr != nil {
		fr.Stop()
		logger.Debug("flight recorder stopped")
	}

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

func closeManager(mgr *overlay.Manager, logger *slog.Logger) {
	if err := mgr.Close(); err != nil {
		logger.Warn("overlay manager closed with errors",
			slog.String("error", err.Error()),
		)
	}
}

func closeInstaller(inst *fabric.MemoryInstaller, logger *slog.Logger) {
	if err := inst.Close(); err != nil {
		logger.Warn("failed to close installer",
			slog.String("error", err.Error()),
		)
	}
}

func closeJournal(j *store.Journal, logger *slog.Logger) {
	if err := j.Close(); err != nil {
		logger.Warn("failed to close journal",
			slog.String("error", err.Error()),
		)
	}
}

// -------------------------------------------------------------------------
// Flight Recorder
// -------------------------------------------------------------------------

// startFlightRecorder starts a rolling execution trace window for
// post-mortem debugging of stalled programming.
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

	logger.Debug("flight recorder started",
		slog.Duration("min_age", flightRecorderMinAge),
		slog.Uint64("max_bytes", flightRecorderMaxBytes),
	)

	return fr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

// listenAndServe creates a TCP listener using the ListenConfig and serves
// HTTP requests until the server is shut down.
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

// newMetricsServer serves reg on cfg.Path.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newAPIServer creates the h2c HTTP server for the ConnectRPC API and the
// grpc.health.v1 endpoint.
func newAPIServer(
	cfg config.APIConfig,
	mgr *overlay.Manager,
	dispatcher *netio.Dispatcher,
	logger *slog.Logger,
) *http.Server {
	mux := http.NewServeMux()

	path, handler := server.New(mgr, dispatcher, logger,
		server.LoggingInterceptorOption(logger),
		server.RecoveryInterceptorOption(logger),
	)
	mux.Handle(path, handler)

	checker := grpchealth.NewStaticChecker(
		grpchealth.HealthV1ServiceName,
		overlayv1.OverlayServiceName,
	)
	mux.Handle(grpchealth.NewHandler(checker))

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// loadConfig loads configuration from a file path, or from defaults and
// the environment when path is empty.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newLoggerWithLevel builds the stdout logger. level is shared with the
// SIGHUP handler so reloads take effect without rebuilding handlers.
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
