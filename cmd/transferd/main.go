package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/postfinance/single"
	"github.com/rs/zerolog"

	"github.com/transferd/transferd/internal/api"
	"github.com/transferd/transferd/internal/config"
	"github.com/transferd/transferd/internal/database"
	"github.com/transferd/transferd/internal/download"
	"github.com/transferd/transferd/internal/eventloop"
	"github.com/transferd/transferd/internal/health"
	"github.com/transferd/transferd/internal/idle"
	"github.com/transferd/transferd/internal/logger"
	"github.com/transferd/transferd/internal/manager"
	"github.com/transferd/transferd/internal/network"
	"github.com/transferd/transferd/internal/paths"
	"github.com/transferd/transferd/internal/preferences"
	"github.com/transferd/transferd/internal/progress"
	"github.com/transferd/transferd/internal/retry"
	"github.com/transferd/transferd/internal/scheduler"
	"github.com/transferd/transferd/internal/scheduler/tasks"
	"github.com/transferd/transferd/internal/store"
	"github.com/transferd/transferd/internal/upload"
	"github.com/transferd/transferd/internal/websocket"
)

const (
	idleCheckInterval   = 30 * time.Second
	healthCheckInterval = 5 * time.Minute
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(config.Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	tail := logger.NewTail(1000)
	log := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
		Tail:       tail,
	})
	defer log.Close()

	log.Info().
		Str("version", config.Version).
		Str("logLevel", cfg.Logging.Level).
		Msg("starting transferd")

	if err := run(cfg, log, tail); err != nil {
		log.Error().Err(err).Msg("transferd stopped with error")
		log.Close()
		os.Exit(1)
	}
	log.Info().Msg("transferd stopped")
}

func run(cfg *config.Config, log *logger.Logger, tail *logger.Tail) error {
	if err := os.MkdirAll(cfg.Daemon.LockDir, 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	lock, err := single.New("transferd", single.WithLockPath(cfg.Daemon.LockDir))
	if err != nil {
		return fmt.Errorf("failed to create instance lock: %w", err)
	}
	if err := lock.Lock(); err != nil {
		if errors.Is(err, single.ErrAlreadyRunning) {
			return errors.New("another transferd instance is already running")
		}
		return fmt.Errorf("failed to acquire instance lock: %w", err)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.Warn().Err(err).Msg("failed to release instance lock")
		}
	}()

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	log.Info().Str("path", db.Path()).Msg("running database migrations")
	if err := db.Migrate(context.Background()); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	records := store.New(db.Conn())

	monitor, probe, err := newMonitor(cfg.Network, log.WithComponent("network"))
	if err != nil {
		return err
	}

	// The loop and hub outlive ctx so shutdown can still drain state changes.
	serviceCtx, stopServices := context.WithCancel(context.Background())
	defer stopServices()

	loop := eventloop.New(log.WithComponent("eventloop"))
	go loop.Run(serviceCtx)

	hub := websocket.NewHub(log.WithComponent("websocket"))
	go hub.Run(serviceCtx)

	progressMgr := progress.NewManager(hub, log.Logger)
	unsubNet := monitor.Subscribe(networkBroadcaster(hub, log.Logger))
	defer unsubNet()

	downloads, uploads, err := newManagers(serviceCtx, cfg, managerDeps{
		loop:     loop,
		monitor:  monitor,
		store:    records,
		prefs:    preferences.NewService(db.Conn()),
		hub:      hub,
		progress: progressMgr,
		logger:   log.Logger,
	})
	if err != nil {
		return err
	}
	defer downloads.Close()
	defer uploads.Close()

	for _, dir := range []string{cfg.Downloads.Dir, cfg.Uploads.ResponseDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("failed to create transfer directory")
		}
	}

	healthSvc := health.NewService(hub, log.Logger)
	checker := health.NewChecker(healthSvc, health.CheckerConfig{
		Folders: []health.Folder{
			{ID: "downloads", Name: "Download directory", Path: cfg.Downloads.Dir},
			{ID: "upload-responses", Name: "Upload response directory", Path: cfg.Uploads.ResponseDir},
		},
		Database: db.Conn(),
	}, log.Logger)
	stopNetworkHealth := checker.WatchNetwork(monitor)
	defer stopNetworkHealth()

	tracker := idle.New()
	onSize := func(kind manager.Kind, size int) { tracker.Set(string(kind), size) }
	downloads.OnSizeChanged(onSize)
	uploads.OnSizeChanged(onSize)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched, err := scheduler.New(log.WithComponent("scheduler"))
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if probe != nil {
		if err := tasks.RegisterNetworkRefreshTask(sched, probe, cfg.Network.PollInterval); err != nil {
			return fmt.Errorf("failed to register network refresh task: %w", err)
		}
	}
	if err := tasks.RegisterHealthCheckTask(sched, checker, healthCheckInterval); err != nil {
		return fmt.Errorf("failed to register health check task: %w", err)
	}
	if cfg.Daemon.PurgeAfter > 0 {
		if err := tasks.RegisterPurgeTask(sched, records, cfg.Daemon.PurgeAfter, log.WithComponent("purge")); err != nil {
			return fmt.Errorf("failed to register purge task: %w", err)
		}
	}
	if cfg.Daemon.IdleTimeout > 0 {
		shutdown := func() {
			log.Info().Dur("idleTimeout", cfg.Daemon.IdleTimeout).Msg("idle timeout reached")
			cancel()
		}
		if err := tasks.RegisterIdleCheckTask(sched, tracker, cfg.Daemon.IdleTimeout, idleCheckInterval, shutdown); err != nil {
			return fmt.Errorf("failed to register idle check task: %w", err)
		}
	}
	sched.Start()
	defer func() {
		if err := sched.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop scheduler")
		}
	}()

	server := api.NewServer(api.Config{
		Downloads: downloads,
		Uploads:   uploads,
		Network:   monitor,
		Hub:       hub,
		Progress:  progressMgr,
		Health:    healthSvc,
		Scheduler: sched,
		Logs:      tail,
		Version:   config.Version,
		Logger:    log.Logger,
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(cfg.Server.Address())
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Error().Err(err).Msg("failed to notify systemd")
	}
	stopWatchdog := startWatchdog(log.Logger)

	log.Info().Str("address", cfg.Server.Address()).Msg("transferd ready")

	var runErr error
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("HTTP server failed: %w", err)
		}
	}

	stopWatchdog()
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		log.Error().Err(err).Msg("failed to notify systemd")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown failed")
	}

	for _, m := range []*manager.Manager{downloads, uploads} {
		if err := m.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Str("kind", string(m.Kind())).Msg("failed to stop transfers")
		}
	}

	stopServices()
	select {
	case <-loop.Done():
	case <-shutdownCtx.Done():
		log.Warn().Msg("event loop did not stop in time")
	}
	return runErr
}

type broadcaster interface {
	Broadcast(msgType string, payload interface{}) error
}

// networkBroadcaster forwards connectivity changes to websocket clients.
func networkBroadcaster(b broadcaster, logger zerolog.Logger) func(network.Class) {
	return func(c network.Class) {
		if err := b.Broadcast("network:changed", api.NetworkState{Class: c}); err != nil {
			logger.Warn().Err(err).Stringer("class", c).Msg("failed to broadcast network change")
		}
	}
}

// newMonitor returns the configured monitor and, in auto mode, the probe
// monitor the refresh task polls.
func newMonitor(cfg config.NetworkConfig, logger zerolog.Logger) (api.NetworkControl, *network.ProbeMonitor, error) {
	if cfg.Mode == config.NetworkStatic {
		class, err := cfg.StaticClass()
		if err != nil {
			return nil, nil, fmt.Errorf("invalid network class: %w", err)
		}
		logger.Info().Str("class", class.String()).Msg("using static network class")
		return network.NewStatic(class), nil, nil
	}
	probe := network.NewProbeMonitor(network.SystemProber{}, logger)
	if _, err := probe.Refresh(); err != nil {
		logger.Warn().Err(err).Msg("initial network probe failed")
	}
	return probe, probe, nil
}

type managerDeps struct {
	loop     *eventloop.Loop
	monitor  network.Monitor
	store    *store.Store
	prefs    *preferences.Service
	hub      *websocket.Hub
	progress *progress.Manager
	logger   zerolog.Logger
}

func newManagers(ctx context.Context, cfg *config.Config, deps managerDeps) (*manager.Manager, *manager.Manager, error) {
	names := paths.NewNameLock()
	httpClient := &http.Client{Transport: newTransport()}

	router := &download.Router{HTTP: download.NewHTTPFetcher(httpClient, "transferd/"+config.Version)}
	s3Client, err := download.NewS3Client(ctx, download.S3Config{
		Profile:  cfg.S3.Profile,
		Region:   cfg.S3.Region,
		Endpoint: cfg.S3.Endpoint,
	})
	if err != nil {
		deps.logger.Warn().Err(err).Msg("s3 downloads disabled")
	} else {
		router.S3 = download.NewS3Fetcher(s3Client)
	}

	downloadDefaults, err := transferDefaults(cfg.Downloads)
	if err != nil {
		return nil, nil, fmt.Errorf("downloads: %w", err)
	}
	uploadDefaults, err := transferDefaults(cfg.Uploads)
	if err != nil {
		return nil, nil, fmt.Errorf("uploads: %w", err)
	}

	downloads := manager.New(manager.Config{
		Factory: &download.Factory{
			Fetcher:    router,
			Names:      names,
			Loop:       deps.loop,
			Monitor:    deps.monitor,
			DefaultDir: cfg.Downloads.Dir,
			Retry:      retry.DefaultPolicy(),
			Logger:     deps.logger,
		},
		Loop:     deps.loop,
		Monitor:  deps.monitor,
		Store:    deps.store,
		Hub:      deps.hub,
		Progress: deps.progress,
		Logger:   deps.logger,

		Defaults:    downloadDefaults,
		Preferences: deps.prefs,
	})

	uploads := manager.New(manager.Config{
		Factory: &upload.Factory{
			Client:      httpClient,
			Names:       names,
			Loop:        deps.loop,
			Monitor:     deps.monitor,
			ResponseDir: cfg.Uploads.ResponseDir,
			Retry:       retry.DefaultPolicy(),
			Logger:      deps.logger,
		},
		Loop:     deps.loop,
		Monitor:  deps.monitor,
		Store:    deps.store,
		Hub:      deps.hub,
		Progress: deps.progress,
		Logger:   deps.logger,

		Defaults:    uploadDefaults,
		Preferences: deps.prefs,
	})
	return downloads, uploads, nil
}

func transferDefaults(cfg config.TransferConfig) (manager.Defaults, error) {
	throttle, err := cfg.ThrottleBytes()
	if err != nil {
		return manager.Defaults{}, err
	}
	return manager.Defaults{Throttle: throttle, AllowMobileData: cfg.AllowMobileData}, nil
}

// newTransport bounds connection setup but not the body, which may take hours.
func newTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.ResponseHeaderTimeout = 60 * time.Second
	t.TLSHandshakeTimeout = 15 * time.Second
	t.MaxIdleConnsPerHost = 4
	return t
}

// startWatchdog pings the systemd watchdog at a third of its interval when
// WatchdogSec is set. The returned func stops it.
func startWatchdog(logger zerolog.Logger) func() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return func() {}
	}

	ticker := time.NewTicker(interval / 3)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
					logger.Error().Err(err).Msg("failed to notify watchdog")
				}
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}
