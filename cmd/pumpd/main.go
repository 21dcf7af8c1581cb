// pumpd is the daemon entrypoint: it loads configuration, constructs a
// PumpManager over a chosen PumpStateStore backend, serves Prometheus
// metrics, and holds long-lived Pump connections for every configured
// pump profile until signalled to stop.
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
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/kestrel-health/pumpcore/internal/config"
	pumpmetrics "github.com/kestrel-health/pumpcore/internal/metrics"
	corepump "github.com/kestrel-health/pumpcore/internal/pump"
	"github.com/kestrel-health/pumpcore/internal/store"
	appversion "github.com/kestrel-health/pumpcore/internal/version"
	"github.com/kestrel-health/pumpcore/pkg/pump"
)

// shutdownTimeout bounds how long the metrics HTTP server is given to
// drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()))
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("pumpd starting",
		slog.String("version", appversion.Version),
		slog.String("api_addr", cfg.API.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.Int("profiles", len(cfg.Pumps)))

	reg := prometheus.NewRegistry()
	collector := pumpmetrics.NewCollector(reg)

	stateStore, err := openStore(cfg.Store)
	if err != nil {
		logger.Error("failed to open pump state store", slog.String("error", err.Error()))
		return 1
	}

	// No real adapter ships with the core (BlueZ/Android code is out of
	// scope); pumpd runs against Mock, the same stand-in the session and
	// orchestrator tests use. A deployment with real hardware substitutes
	// its own BluetoothInterface here.
	bt := pump.NewMock("pumpd")

	mgr := pump.NewManager(bt, stateStore, logger, pump.WithManagerMetrics(collector))

	if err := runServers(cfg, mgr, reg, logger, *configPath, logLevel); err != nil {
		logger.Error("pumpd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("pumpd stopped")
	return 0
}

// runServers starts the metrics HTTP server and the per-profile connection
// supervisor under an errgroup with a signal-aware context, then waits for
// either to fail or for a shutdown signal.
func runServers(
	cfg *config.Config,
	mgr *pump.Manager,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	lc := net.ListenConfig{}
	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr), slog.String("path", cfg.Metrics.Path))
		return listenAndServe(gCtx, &lc, metricsSrv, cfg.Metrics.Addr)
	})

	conns := newConnectionSupervisor(mgr, cfg.Pump, logger)
	g.Go(func() error {
		return conns.Run(gCtx, cfg.Pumps)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(gCtx, sigHUP, configPath, logLevel, conns, logger)
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, conns, metricsSrv, logger)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Connection Supervisor — holds one Pump per configured profile
// -------------------------------------------------------------------------

// connectionSupervisor keeps a connected Pump handle for every pump
// profile in the current configuration, reconnecting dropped sessions is
// left to a future Connect call (spec §4.8 Connect is caller-driven, not
// auto-retried); it only establishes the initial connections and tracks
// what's currently held for graceful shutdown.
type connectionSupervisor struct {
	mgr    *pump.Manager
	cfg    config.PumpConfig
	logger *slog.Logger

	mu   sync.Mutex
	held map[string]*pump.Pump
}

func newConnectionSupervisor(mgr *pump.Manager, cfg config.PumpConfig, logger *slog.Logger) *connectionSupervisor {
	return &connectionSupervisor{mgr: mgr, cfg: cfg, logger: logger, held: make(map[string]*pump.Pump)}
}

// Run connects every profile's pump and then blocks until ctx is
// cancelled.
func (c *connectionSupervisor) Run(ctx context.Context, profiles []config.PumpProfile) error {
	for _, p := range profiles {
		c.connectProfile(ctx, p)
	}

	<-ctx.Done()
	return nil
}

func (c *connectionSupervisor) connectProfile(ctx context.Context, p config.PumpProfile) {
	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	handle, err := c.mgr.AcquirePump(connectCtx, p.Address)
	if err != nil {
		c.logger.Error("failed to acquire pump",
			slog.String("address", p.Address), slog.String("nickname", p.Nickname), slog.String("error", err.Error()))
		return
	}

	progress := func(frac float64) {
		c.logger.Debug("connect progress",
			slog.String("address", p.Address), slog.Float64("fraction", frac))
	}

	if err := handle.Connect(connectCtx, progress); err != nil {
		c.logger.Error("failed to connect pump",
			slog.String("address", p.Address), slog.String("nickname", p.Nickname), slog.String("error", err.Error()))
		return
	}

	c.mu.Lock()
	c.held[p.Address] = handle
	c.mu.Unlock()

	c.logger.Info("pump connected", slog.String("address", p.Address), slog.String("nickname", p.Nickname))
}

// DisconnectAll disconnects every held pump, logging but not failing on
// individual errors.
func (c *connectionSupervisor) DisconnectAll(ctx context.Context) {
	c.mu.Lock()
	held := make(map[string]*pump.Pump, len(c.held))
	for addr, h := range c.held {
		held[addr] = h
	}
	c.mu.Unlock()

	for addr, h := range held {
		if err := h.Disconnect(ctx); err != nil {
			c.logger.Warn("failed to disconnect pump", slog.String("address", addr), slog.String("error", err.Error()))
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — log level only; profile reconciliation is left to a
// future restart, since re-pairing/re-acquiring live Pump handles on the
// fly has no safe story without tearing down in-flight RT sessions.
// -------------------------------------------------------------------------

func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	conns *connectionSupervisor,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading log level")
			reloadLogLevel(configPath, logLevel, logger)
			_ = conns
		}
	}
}

func reloadLogLevel(configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings", slog.String("error", err.Error()))
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()), slog.String("new_log_level", newLevel.String()))
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

func gracefulShutdown(ctx context.Context, conns *connectionSupervisor, metricsSrv *http.Server, logger *slog.Logger) error {
	logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	conns.DisconnectAll(shutdownCtx)

	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}

	return nil
}

// -------------------------------------------------------------------------
// Store / Config / Logger / HTTP Setup
// -------------------------------------------------------------------------

func openStore(cfg config.StoreConfig) (corepump.PumpStateStore, error) {
	switch cfg.Backend {
	case "memory":
		return store.NewInMemory(), nil
	case "file":
		s, err := store.NewFileBacked(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open file-backed store: %w", err)
		}
		return s, nil
	case "sqlite":
		s, err := store.NewSqlite(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("open store: %w", config.ErrInvalidStoreBackend)
	}
}

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

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
