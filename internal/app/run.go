package app

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tunnelward/portlease/internal/config"
	"github.com/tunnelward/portlease/internal/health"
	"github.com/tunnelward/portlease/internal/httpapi"
	"github.com/tunnelward/portlease/internal/ledger"
	"github.com/tunnelward/portlease/internal/portmgr"
	"github.com/tunnelward/portlease/internal/probe"
	"github.com/tunnelward/portlease/internal/secrets"
)

const authTokenEnv = "PORTLEASE_AUTH_TOKEN"

func runCmd(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	configPath := fs.String("config", "./portlease.toml", "path to the TOML config file")
	listenFlag := fs.String("listen", "", "listen address override")
	dbFlag := fs.String("db", "", "sqlite database path override")
	postgresDSN := fs.String("postgres-dsn", "", "postgres DSN override (selects the postgres driver)")
	pidFile := fs.String("pid-file", "", "write process PID to file")
	watch := fs.Bool("watch", false, "watch config file for reload")
	logLevel := fs.String("log-level", "", "log level override (debug|info|warn|error)")
	dotenvPath := fs.String("dotenv", "", "load environment variables from file before reading config")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *dotenvPath != "" {
		if err := godotenv.Load(*dotenvPath); err != nil {
			fmt.Fprintf(os.Stderr, "run: load dotenv %q: %v\n", *dotenvPath, err)
			return 1
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: config: %v\n", err)
		return 1
	}
	applyFlagOverrides(&cfg, *listenFlag, *dbFlag, *postgresDSN, *pidFile, *logLevel)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "run: config: %v\n", err)
		return 1
	}

	logger, levelVar, logCloser, err := newLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Sink)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return 1
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	releasePIDFile, err := claimPIDFile(cfg.Server.PidFile)
	if err != nil {
		logger.Error("pid_file_failed", slog.Any("err", err))
		return 1
	}
	defer releasePIDFile()

	store, err := openStore(cfg.Storage)
	if err != nil {
		logger.Error("storage_open_failed",
			slog.String("driver", cfg.Storage.Driver),
			slog.Any("err", err),
		)
		return 1
	}
	defer store.Close()
	logger.Info("storage_ready", slog.String("driver", cfg.Storage.Driver))

	manager, err := portmgr.New(store, cfg.Pool.MinPort, cfg.Pool.MaxPort, logger)
	if err != nil {
		logger.Error("manager_init_failed", slog.Any("err", err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var tracingShutdown func(context.Context) error
	if cfg.Tracing.Enabled {
		shutdown, err := initTracing(ctx, cfg.Tracing, func(err error) {
			logger.Warn("tracing_export_error", slog.Any("err", err))
		})
		if err != nil {
			// Tracing is diagnostics; the lease service runs without it.
			logger.Warn("tracing_init_failed", slog.Any("err", err))
		} else {
			tracingShutdown = shutdown
			logger.Info("tracing_enabled", slog.String("endpoint", cfg.Tracing.Endpoint))
		}
	}

	reg := prometheus.NewRegistry()
	var metrics *leaseMetrics
	if cfg.Metrics.Enabled {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = newLeaseMetrics(reg, manager)
	}

	tokens, err := authTokens(cfg)
	if err != nil {
		logger.Error("auth_token_resolve_failed", slog.Any("err", err))
		return 1
	}

	var prober probe.Prober
	if cfg.Health.ProbeEnabled {
		p, err := probe.NewSSHProber(cfg.Health.ProbeCommand, probe.WithTimeout(cfg.Health.ProbeTimeout.Std()))
		if err != nil {
			logger.Error("prober_init_failed", slog.Any("err", err))
			return 1
		}
		prober = p
	}

	monitor := &health.Monitor{
		Manager:         manager,
		Prober:          prober,
		Logger:          logger,
		ProbeHost:       cfg.Health.ProbeHost,
		ReclaimInterval: cfg.Health.ReclaimInterval.Std(),
		ProbeInterval:   cfg.Health.ProbeInterval.Std(),
	}
	monitor.SetStaleThreshold(cfg.Health.StaleThreshold.Std())
	if metrics != nil {
		monitor.ObserveReclaim = metrics.observeReclaim
		monitor.ObserveProbe = metrics.observeProbe
	}
	monitor.Start()

	api := &httpapi.Server{
		Manager:   manager,
		Authorize: httpapi.BearerTokenAuthorizer(tokens),
		Logger:    logger,
		HealthDiagnostics: func() map[string]any {
			return map[string]any{
				"version":         version,
				"stale_threshold": monitor.StaleThreshold().String(),
			}
		},
	}

	mux := http.NewServeMux()
	if cfg.Metrics.Enabled {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", api)

	handler := withAccessLog(logger, wrapTracingHandler(cfg.Tracing.Enabled, "portlease", mux))
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.Server.ListenAddress)
	if err != nil {
		logger.Error("listen_failed", slog.String("addr", cfg.Server.ListenAddress), slog.Any("err", err))
		return 1
	}
	logger.Info("listening",
		slog.String("addr", ln.Addr().String()),
		slog.Int("pool_min", cfg.Pool.MinPort),
		slog.Int("pool_max", cfg.Pool.MaxPort),
	)
	serveOnListener(logger, "api", srv, ln, stop)

	reloadNow := func(trigger string) {
		reloadConfig(*configPath, &cfg, levelVar, monitor, logger, trigger)
	}

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hupCh:
				reloadNow("signal_sighup")
			}
		}
	}()

	if *watch {
		go watchConfig(ctx, *configPath, logger, func() {
			reloadNow("watch")
		})
	}

	<-ctx.Done()
	logger.Info("shutting_down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http_shutdown_error", slog.Any("err", err))
	}
	if !monitor.Drain(10 * time.Second) {
		logger.Warn("monitor_drain_timeout")
	}
	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			logger.Warn("tracing_shutdown_error", slog.Any("err", err))
		}
	}

	logger.Info("shutdown_complete")
	return 0
}

func applyFlagOverrides(cfg *config.Config, listen, db, postgresDSN, pidFile, logLevel string) {
	if strings.TrimSpace(listen) != "" {
		cfg.Server.ListenAddress = strings.TrimSpace(listen)
	}
	if strings.TrimSpace(db) != "" {
		cfg.Storage.Driver = "sqlite"
		cfg.Storage.SQLitePath = strings.TrimSpace(db)
	}
	if strings.TrimSpace(postgresDSN) != "" {
		cfg.Storage.Driver = "postgres"
		cfg.Storage.PostgresDSN = strings.TrimSpace(postgresDSN)
	}
	if strings.TrimSpace(pidFile) != "" {
		cfg.Server.PidFile = strings.TrimSpace(pidFile)
	}
	if strings.TrimSpace(logLevel) != "" {
		cfg.Logging.Level = strings.TrimSpace(logLevel)
	}
}

// authTokens collects API bearer tokens from config and the environment.
// Config entries may be secret references (env:, file:, raw:, vault:).
func authTokens(cfg config.Config) ([][]byte, error) {
	tokens := make([][]byte, 0, len(cfg.Server.AuthTokens)+1)
	for _, t := range cfg.Server.AuthTokens {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		resolved, err := secrets.MaybeResolve(t)
		if err != nil {
			return nil, fmt.Errorf("resolve auth token: %w", err)
		}
		tokens = append(tokens, []byte(resolved))
	}
	if env := strings.TrimSpace(os.Getenv(authTokenEnv)); env != "" {
		tokens = append(tokens, []byte(env))
	}
	return tokens, nil
}

func openStore(cfg config.Storage) (ledger.Store, error) {
	switch cfg.Driver {
	case "memory":
		return ledger.NewMemoryStore(), nil
	case "sqlite":
		return ledger.NewSQLiteStore(cfg.SQLitePath)
	case "postgres":
		dsn, err := secrets.MaybeResolve(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("resolve postgres dsn: %w", err)
		}
		return ledger.NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// reloadConfig applies the settings that are safe to change at runtime: the
// log level and the stale-lease threshold. Listener, storage, and pool
// changes require a restart and are reported as such.
func reloadConfig(path string, running *config.Config, levelVar *slog.LevelVar, monitor *health.Monitor, logger *slog.Logger, trigger string) {
	next, err := config.Load(path)
	if err != nil {
		logger.Error("config_reload_failed", slog.Any("err", err), slog.String("trigger", trigger))
		return
	}

	if next.Server.ListenAddress != running.Server.ListenAddress ||
		next.Storage != running.Storage ||
		next.Pool != running.Pool {
		logger.Info("config_reloaded_restart_required", slog.String("trigger", trigger))
		return
	}

	if next.Logging.Level != running.Logging.Level {
		lvl, err := parseLogLevel(next.Logging.Level)
		if err != nil {
			logger.Error("config_reload_failed", slog.Any("err", err), slog.String("trigger", trigger))
			return
		}
		levelVar.Set(lvl)
	}
	if next.Health.StaleThreshold != running.Health.StaleThreshold {
		monitor.SetStaleThreshold(next.Health.StaleThreshold.Std())
	}

	running.Logging.Level = next.Logging.Level
	running.Health.StaleThreshold = next.Health.StaleThreshold
	logger.Info("config_reloaded_ok", slog.String("trigger", trigger))
}

func watchConfig(ctx context.Context, path string, logger *slog.Logger, reload func()) {
	if logger == nil {
		logger = slog.Default()
	}
	if reload == nil {
		return
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}
	defer w.Close()

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := w.Add(dir); err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}

	logger.Info("watching_config", slog.String("path", path))

	// Debounce to coalesce bursty editor/atomic-write events.
	var timer *time.Timer
	var timerCh <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(200 * time.Millisecond)
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(200 * time.Millisecond)
		}
		timerCh = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			schedule()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warn("watch_error", slog.Any("err", err))
		case <-timerCh:
			timerCh = nil
			reload()
		}
	}
}
