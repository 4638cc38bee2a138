package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/go-agency/internal/agent"
	"github.com/basket/go-agency/internal/alert"
	"github.com/basket/go-agency/internal/bus"
	"github.com/basket/go-agency/internal/channels"
	"github.com/basket/go-agency/internal/config"
	"github.com/basket/go-agency/internal/cron"
	"github.com/basket/go-agency/internal/gateway"
	"github.com/basket/go-agency/internal/metrics"
	otelpkg "github.com/basket/go-agency/internal/otel"
	"github.com/basket/go-agency/internal/persistence"
	"github.com/basket/go-agency/internal/publisher"
	"github.com/basket/go-agency/internal/router"
	"github.com/basket/go-agency/internal/scheduler"
	"github.com/basket/go-agency/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), quiet)
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "log to the log file only")
	return cmd
}

func runDaemon(ctx context.Context, quiet bool) error {
	cfg, err := config.Load()
	if err != nil {
		return startupFailure(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return startupFailure(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "version", Version)

	if cfg.NeedsGenesis {
		if err := config.WriteStarter(cfg.HomeDir); err != nil {
			return startupFailure(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with starter agents", "home", cfg.HomeDir)
		cfg, err = config.Load()
		if err != nil {
			return startupFailure(logger, "E_CONFIG_RELOAD", err)
		}
	}
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected", "bind_addr", cfg.BindAddr)
		}
	}

	eventBus := bus.New()

	otelProvider, err := otelpkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		return startupFailure(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	instruments, err := otelpkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return startupFailure(logger, "E_OTEL_INIT", err)
	}
	tracer := otelProvider.Tracer

	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		return startupFailure(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	registry := agent.NewRegistry(agent.Config{Store: store, Bus: eventBus, Logger: logger})

	publishers, err := buildPublishers(cfg)
	if err != nil {
		return startupFailure(logger, "E_PUBLISHERS", err)
	}
	sched := scheduler.New(scheduler.Config{
		Store:          store,
		Bus:            eventBus,
		Publishers:     publishers,
		Agents:         registry,
		Logger:         logger,
		Tracer:         tracer,
		Metrics:        instruments,
		Interval:       cfg.Scheduler.TickInterval(),
		PublishTimeout: cfg.Scheduler.PublishTimeout(),
		MaxParallel:    cfg.Scheduler.MaxParallel,
		BatchSize:      cfg.Scheduler.BatchSize,
		Breaker: scheduler.BreakerConfig{
			Failures:   cfg.Scheduler.Breaker.FailureThreshold,
			Executions: cfg.Scheduler.Breaker.Executions,
			Delay:      time.Duration(cfg.Scheduler.Breaker.DelaySeconds) * time.Second,
		},
	})
	recovered, err := sched.Recover(ctx)
	if err != nil {
		return startupFailure(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "recovered", len(recovered))

	seeded, err := registry.Seed(ctx, cfg.Agents)
	if err != nil {
		return startupFailure(logger, "E_AGENT_SEED", err)
	}
	logger.Info("startup phase", "phase", "agents_seeded", "registered", seeded, "configured", len(cfg.Agents))

	msgRouter := router.New(router.Config{
		Store:   store,
		Bus:     eventBus,
		Agents:  registry,
		Logger:  logger,
		Tracer:  tracer,
		Metrics: instruments,
	})
	if err := msgRouter.Schemas().LoadFiles(cfg.SchemaFiles()); err != nil {
		return startupFailure(logger, "E_SCHEMA_LOAD", err)
	}

	alerts := alert.NewEngine(alert.Config{
		Store:      store,
		Bus:        eventBus,
		Logger:     logger,
		Metrics:    instruments,
		Thresholds: &cfg.Alerts,
	})
	agg := metrics.New(metrics.Config{
		Store:   store,
		Bus:     eventBus,
		Alerts:  alerts,
		Logger:  logger,
		Tracer:  tracer,
		Metrics: instruments,
	})
	exporter := metrics.NewExporter(agg, sched.BreakerStates)
	go exporter.Run(ctx, eventBus)

	cronSched, err := cron.NewScheduler(cron.Config{
		Schedules: cfg.Metrics.Schedules,
		Run: func(ctx context.Context, period persistence.Period) error {
			_, err := agg.Cycle(ctx, period)
			return err
		},
		Logger:   logger,
		Interval: time.Duration(cfg.Metrics.CheckIntervalSeconds) * time.Second,
	})
	if err != nil {
		return startupFailure(logger, "E_CRON_INIT", err)
	}

	sched.Start(ctx)
	logger.Info("startup phase", "phase", "scheduler_started")
	cronSched.Start(ctx)
	if cfg.Metrics.CollectOnStart {
		go func() {
			if _, err := agg.Cycle(ctx, persistence.PeriodHourly); err != nil {
				logger.Warn("startup metrics collection failed", "error", err)
			}
		}()
	}

	if tg := cfg.Channels.Telegram; tg.Enabled {
		if tg.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			notifier := channels.NewTelegramNotifier(channels.TelegramConfig{
				Token:       tg.Token,
				ChatIDs:     tg.ChatIDs,
				MinSeverity: persistence.AlertSeverity(tg.MinSeverity),
				Bus:         eventBus,
				Alerts:      alerts,
				Logger:      logger,
			})
			go func() {
				if err := notifier.Start(ctx); err != nil {
					logger.Error("telegram channel failed", "error", err)
				}
			}()
		}
	}

	reload := &reloader{
		alerts:    alerts,
		scheduler: sched,
		schemas:   msgRouter.Schemas(),
		bus:       eventBus,
		logger:    logger,
	}
	watchPaths := make([]string, 0, len(cfg.MessageSchemas))
	for _, path := range cfg.SchemaFiles() {
		watchPaths = append(watchPaths, path)
	}
	confWatcher := config.NewWatcher(cfg.HomeDir, logger, watchPaths...)
	if err := confWatcher.Start(ctx); err != nil {
		return startupFailure(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config reload failed; retaining previous settings", "error", err)
				continue
			}
			if err := reload.apply(newCfg); err != nil {
				logger.Error("config reload rejected", "error", err)
			}
		}
	}()

	gw := gateway.New(gateway.Config{
		Store:             store,
		Registry:          registry,
		Router:            msgRouter,
		Scheduler:         sched,
		Alerts:            alerts,
		Aggregator:        agg,
		Bus:               eventBus,
		Logger:            logger,
		Tracer:            tracer,
		Metrics:           instruments,
		Gatherer:          exporter.Registry(),
		Schedules:         cronSched.Entries,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
	})
	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			return startupFailure(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr)))
		}
		return startupFailure(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", ln.Addr().String())
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "ws", "/ws", "metrics", "/metrics")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-serverErr:
		logger.Error("gateway server error", "error", runErr)
	}

	// Stop intake first, then let in-flight distributions and cycles finish.
	drain := cfg.DrainTimeout()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	drained := make(chan struct{})
	go func() {
		cronSched.Stop()
		sched.Stop()
		close(drained)
	}()
	select {
	case <-drained:
		logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("drain timeout exceeded; interrupted distributions are recovered on next start", "timeout", drain)
	}
	return runErr
}

// buildPublishers resolves the platforms section into a publisher set.
func buildPublishers(cfg config.Config) (publisher.Set, error) {
	pcs, err := cfg.PublisherConfigs()
	if err != nil {
		return nil, err
	}
	return publisher.NewSet(pcs)
}

// reloader re-applies the settings that can change without a restart.
type reloader struct {
	alerts    *alert.Engine
	scheduler *scheduler.Scheduler
	schemas   *router.Schemas
	bus       *bus.Bus
	logger    *slog.Logger
}

func (r *reloader) apply(cfg config.Config) error {
	if err := r.alerts.SetThresholds(cfg.Alerts); err != nil {
		return fmt.Errorf("alerts: %w", err)
	}
	r.scheduler.SetPublishTimeout(cfg.Scheduler.PublishTimeout())
	if err := r.schemas.LoadFiles(cfg.SchemaFiles()); err != nil {
		return fmt.Errorf("message schemas: %w", err)
	}
	fingerprint := cfg.Fingerprint()
	r.bus.Publish(bus.TopicConfigReloaded, map[string]string{"config_fingerprint": fingerprint})
	r.logger.Info("config.yaml hot-reloaded", "config_fingerprint", fingerprint)
	return nil
}

func startupFailure(logger *slog.Logger, reasonCode string, err error) error {
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", err)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"agency","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			err.Error(),
		)
	}
	return exitError{code: 1}
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	// lsof names the occupying process on macOS and Linux.
	out, err := execCommandFunc("lsof", "-ti", ":"+port).Output()
	if err == nil && strings.TrimSpace(string(out)) != "" {
		pids := strings.TrimSpace(string(out))
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

var execCommandFunc = exec.Command
