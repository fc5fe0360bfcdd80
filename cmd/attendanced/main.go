package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/attendance-verifier/internal/backend"
	"github.com/example/attendance-verifier/internal/config"
	"github.com/example/attendance-verifier/internal/device"
	"github.com/example/attendance-verifier/internal/geofence"
	httptransport "github.com/example/attendance-verifier/internal/http"
	"github.com/example/attendance-verifier/internal/logging"
	"github.com/example/attendance-verifier/internal/metrics"
	"github.com/example/attendance-verifier/internal/offlinequeue"
	"github.com/example/attendance-verifier/internal/persistence/sqlite"
	"github.com/example/attendance-verifier/internal/scan"
	"github.com/example/attendance-verifier/internal/token"
)

// venueTask is the name the OS geofence callback is registered under.
const venueTask = "geofence-venue"

const flushInterval = time.Minute

func main() {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(handler)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ring := logging.NewRing(cfg.LogRingSize)
	logger = logging.New(handler, ring)
	slog.SetDefault(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	daemon, err := newApp(ctx, cfg, appDeps{Logger: logger, Ring: ring, Registry: registry})
	if err != nil {
		logger.Error("failed to initialise attendance daemon", "error", err)
		os.Exit(1)
	}
	defer daemon.Close()

	go daemon.flushLoop(ctx, flushInterval)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           daemon.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("failed to shutdown server", "error", err)
		}
	}()

	logger.Info("attendance daemon listening", "addr", server.Addr, "device_tag", daemon.DeviceTag)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server encountered error", "error", err)
		os.Exit(1)
	}
}

type appDeps struct {
	Logger     *slog.Logger
	Ring       *logging.Ring
	Registry   *prometheus.Registry
	HTTPClient *http.Client
}

type app struct {
	Handler   http.Handler
	DeviceTag string

	store    *sqlite.Store
	eventLog *backend.PostgresEventLog
	monitor  *geofence.Monitor
	sessions *scan.Manager
	logger   *slog.Logger
}

// newApp opens durable state and wires every component behind the loopback API.
func newApp(ctx context.Context, cfg config.Config, deps appDeps) (_ *app, err error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Registry == nil {
		deps.Registry = prometheus.NewRegistry()
	}

	storage, err := sqlite.Open(cfg.SQLiteDSN)
	if err != nil {
		return nil, err
	}
	a := &app{store: storage, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := storage.Migrate(ctx); err != nil {
		return nil, err
	}

	a.DeviceTag, err = device.LoadOrCreateTag(ctx, storage, uuid.NewString)
	if err != nil {
		return nil, err
	}

	instruments := metrics.New(deps.Registry)

	client, err := backend.NewClient(backend.Options{
		BaseURL:    cfg.BackendURL,
		APIKey:     cfg.BackendAPIKey,
		Timeout:    cfg.BackendTimeout,
		HTTPClient: deps.HTTPClient,
		Metrics:    instruments,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	healthChecks := map[string]httptransport.HealthCheck{"storage": storage.Ping}
	if cfg.EventLogDSN != "" {
		eventLog, err := backend.ConnectEventLog(ctx, cfg.EventLogDSN)
		if err != nil {
			return nil, err
		}
		a.eventLog = eventLog
		if err := eventLog.Migrate(ctx); err != nil {
			return nil, err
		}
		client.SetEventLog(eventLog)
		healthChecks["event_log"] = eventLog.Ready
	} else {
		client.SetEventLog(backend.NewRESTEventLog(client, ""))
	}

	queue := offlinequeue.New(storage, offlinequeue.WithMetrics(instruments), offlinequeue.WithLogger(logger))
	a.monitor = geofence.NewMonitor(storage, client, queue, geofence.Config{
		DebounceWindow: cfg.DebounceWindow,
		DeviceTag:      a.DeviceTag,
		Permissions:    geofence.StaticPermissions(cfg.BackgroundLocation),
		Metrics:        instruments,
		Logger:         logger,
	})
	state, err := a.monitor.Restore(ctx)
	if err != nil {
		return nil, err
	}
	logger.Info("geofence monitor restored", "state", state)

	tasks := geofence.NewRegistry()
	if _, err := tasks.Register(venueTask, a.monitor); err != nil {
		return nil, err
	}

	master := []byte(cfg.TokenMasterSecret)
	secrets := func(eventID string) (string, error) {
		return token.DeriveEventSecret(master, eventID)
	}

	session := scan.DefaultConfig("")
	session.DeviceTag = a.DeviceTag
	session.PINTTL = cfg.PINTTL
	session.ScanCooldown = cfg.ScanCooldown
	session.RateWindow = cfg.RateWindow
	session.MaxScansPerWindow = cfg.MaxScansPerWindow
	session.RateLimitPause = cfg.RateLimitPause
	session.TokenDedup = cfg.TokenDedup
	session.UserCooldown = cfg.UserCooldown
	session.ResumeDelay = cfg.ResumeDelay
	session.BannerTTL = cfg.BannerTTL
	session.Publisher = client
	session.Metrics = instruments
	session.Logger = logger
	a.sessions = scan.NewManager(secrets, client, scan.ManagerConfig{
		Session:     session,
		TokenPeriod: cfg.TokenPeriod,
		MaxAgeSlots: cfg.MaxAgeSlots,
	})

	codecs := func(eventID string) (*token.Codec, error) {
		secret, err := secrets(eventID)
		if err != nil {
			return nil, err
		}
		return token.NewCodec(secret, token.Options{Period: cfg.TokenPeriod, MaxAgeSlots: cfg.MaxAgeSlots}), nil
	}

	a.Handler = httptransport.NewRouter(httptransport.RouterConfig{
		Scan:        httptransport.NewScanHandler(a.sessions, logger),
		Geofence:    httptransport.NewGeofenceHandler(a.monitor, tasks, queue, logger),
		Tokens:      httptransport.NewTokenHandler(codecs, logger),
		Diagnostics: httptransport.NewDiagnosticsHandler(deps.Ring, healthChecks, logger),
		Metrics:     promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}),
		Middleware:  []func(http.Handler) http.Handler{httptransport.RequestLogger(logger), httptransport.Recoverer(logger)},
	})
	return a, nil
}

// flushLoop retries queued geofence events until ctx is done.
func (a *app) flushLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := a.monitor.Flush(ctx)
			if err != nil {
				a.logger.Warn("periodic flush failed", "error", err)
				continue
			}
			if result.OK > 0 || result.Failed > 0 {
				a.logger.Info("periodic flush finished", "ok", result.OK, "failed", result.Failed)
			}
		}
	}
}

func (a *app) Close() {
	if a.sessions != nil {
		a.sessions.Close(context.Background())
	}
	if a.eventLog != nil {
		a.eventLog.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("failed to close storage", "error", err)
		}
	}
}
