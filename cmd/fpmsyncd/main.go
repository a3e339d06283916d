package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fibsync/fpmsyncd/internal/config"
	"github.com/fibsync/fpmsyncd/internal/fpm"
	"github.com/fibsync/fpmsyncd/internal/pipeline"
	"github.com/fibsync/fpmsyncd/internal/routesync"
	"github.com/fibsync/fpmsyncd/internal/rtnl"
	"github.com/fibsync/fpmsyncd/internal/server"
	"github.com/fibsync/fpmsyncd/internal/store"
	"github.com/fibsync/fpmsyncd/internal/syncd"
	"github.com/fibsync/fpmsyncd/internal/warm"
)

const (
	// Application name used in warm-restart and status tables.
	app = "bgp"

	// Notification channel the forwarding agent publishes route responses on.
	responseChannel = "APPL_DB_ROUTE_TABLE_RESPONSE_CHANNEL"

	// Write pipeline capacity before a forced flush.
	pipelineCapacity = 50000
)

var (
	cfgFile string
	verbose bool
)

func setupLogger(verbose bool, logCfg config.LoggingConfig) (*zap.Logger, error) {
	var zapConfig zap.Config
	if verbose || logCfg.Development {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.DisableStacktrace = true
	}

	if logCfg.Level != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(logCfg.Level)); err == nil {
			zapConfig.Level = zap.NewAtomicLevelAt(level)
		}
	}

	return zapConfig.Build()
}

func main() {
	rootCmd := &cobra.Command{
		Use:          "fpmsyncd",
		Short:        "Sync forwarding-plane routes from the routing stack into the state store",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	rootCmd.Flags().StringVarP(&cfgFile, "config", "c", os.Getenv("FPMSYNCD_CONFIG"), "config file path (or set FPMSYNCD_CONFIG)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger, err := setupLogger(verbose, cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	applDB := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.ApplDB})
	configDB := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.ConfigDB})
	stateDB := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.StateDB})
	defer applDB.Close()
	defer configDB.Close()
	defer stateDB.Close()

	pl := pipeline.New(pipeline.NewRedisSink(applDB), pipelineCapacity, logger)

	routeDump := store.NewTable(applDB, "ROUTE_TABLE", store.AppSeparator)
	warmConfig := store.NewTable(configDB, "WARM_RESTART", store.ConfigSeparator)
	warmState := store.NewTable(stateDB, "WARM_RESTART_TABLE", store.ConfigSeparator)
	bgpState := store.NewTable(stateDB, "BGP_STATE_TABLE", store.ConfigSeparator)
	deviceMeta := store.NewTable(configDB, "DEVICE_METADATA", store.ConfigSeparator)

	helper := warm.NewHelper(warmConfig, warmState, routeDump, pl, app, logger)
	translator := routesync.New(pl, helper, bgpState, app, logger)

	dispatcher := fpm.NewDispatcher()
	for _, kind := range []fpm.Kind{fpm.KindRouteAdd, fpm.KindRouteDel, fpm.KindLinkAdd, fpm.KindLinkDel} {
		dispatcher.Register(kind, translator)
	}

	listener, err := fpm.Listen(cfg.Fpm.ListenAddr, rtnl.Decoder{}, logger)
	if err != nil {
		return err
	}
	defer listener.Close()
	logger.Info("fpm listener started", zap.String("addr", listener.Addr().String()))

	// Kernel link events are an enrichment; without the privilege to open a
	// netlink socket the daemon still syncs routes.
	var linkEvents <-chan fpm.Event
	if monitor, err := rtnl.NewMonitor(logger); err != nil {
		logger.Warn("kernel link monitor unavailable", zap.Error(err))
	} else {
		defer monitor.Close()
		linkEvents = monitor.Events()
	}

	cfgChanges, err := store.NewSubscriberTable(ctx, configDB, cfg.Redis.ConfigDB, "DEVICE_METADATA", store.ConfigSeparator, logger)
	if err != nil {
		return err
	}
	defer cfgChanges.Close()

	reg := prometheus.NewRegistry()
	metrics := syncd.NewMetrics(reg)

	hub := server.NewHub(logger)
	go hub.Run(ctx)

	if cfg.Admin.Enabled {
		admin := server.New(cfg.Admin.ListenAddr, server.NewRouter(hub, reg, logger), logger)
		go func() {
			if err := admin.Run(ctx); err != nil {
				logger.Error("admin server failed", zap.Error(err))
			}
		}()
	}

	sup := syncd.NewSupervisor(syncd.Config{
		Acceptor: syncd.AcceptorFunc(func(ctx context.Context) (syncd.Feed, error) {
			return listener.Accept(ctx)
		}),
		Pipeline:       pl,
		Translator:     translator,
		Helper:         helper,
		Dispatcher:     dispatcher,
		LinkEvents:     linkEvents,
		ConfigChanges:  cfgChanges.C(),
		DeviceMetadata: deviceMeta,
		BgpState:       bgpState,
		AttachResponse: func(ctx context.Context) (syncd.ResponseFeed, error) {
			return store.NewNotificationConsumer(ctx, applDB, responseChannel, logger)
		},
		Tap:     hub,
		Metrics: metrics,
		Options: syncd.Options{
			FlushTimeout:           cfg.Flush.Timeout(),
			SmallTraffic:           cfg.Flush.SmallTraffic,
			DefaultRestartInterval: cfg.WarmRestart.DefaultInterval(),
			DefaultEoiuHold:        cfg.WarmRestart.DefaultEoiuHold(),
		},
		Logger: logger,
	})

	logger.Info("fpmsyncd starting",
		zap.String("redis", cfg.Redis.Addr),
		zap.String("fpm", cfg.Fpm.ListenAddr),
	)
	return sup.Run(ctx)
}
