package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/carryzone/carrymap/internal/agentapi"
	"github.com/carryzone/carrymap/internal/auth"
	"github.com/carryzone/carrymap/internal/config"
	"github.com/carryzone/carrymap/internal/connectivity"
	"github.com/carryzone/carrymap/internal/database"
	"github.com/carryzone/carrymap/internal/logging"
	"github.com/carryzone/carrymap/internal/pins"
	"github.com/carryzone/carrymap/internal/remote"
	"github.com/carryzone/carrymap/internal/repository"
	"github.com/carryzone/carrymap/internal/syncengine"
	"github.com/carryzone/carrymap/internal/syncqueue"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "carrymap-agent",
		Short: "CarryMap on-device sync agent",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("listen-address", defaults.GetString("agent.listen_address"), "Loopback control listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("agent.database_path"), "SQLite database path")
	cmd.PersistentFlags().String("remote-url", defaults.GetString("agent.remote_url"), "Backend base URL")
	cmd.PersistentFlags().String("feed-url", defaults.GetString("agent.feed_url"), "Backend websocket feed URL")
	cmd.PersistentFlags().Duration("sync-interval", defaults.GetDuration("agent.sync_interval"), "Periodic sync interval")
	cmd.PersistentFlags().Duration("probe-period", defaults.GetDuration("agent.probe_period"), "Connectivity probe period")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "agent.listen_address", "listen-address")
	bindFlag(cmd, "agent.database_path", "database-path")
	bindFlag(cmd, "agent.remote_url", "remote-url")
	bindFlag(cmd, "agent.feed_url", "feed-url")
	bindFlag(cmd, "agent.sync_interval", "sync-interval")
	bindFlag(cmd, "agent.probe_period", "probe-period")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runAgent(ctx context.Context) error {
	appConfig, err := config.LoadAgent(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenAgentSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close() //nolint:errcheck

	store, err := pins.NewStore(pins.StoreConfig{
		Database: db,
		Logger:   logging.ForComponent(logger, "pins"),
	})
	if err != nil {
		return err
	}
	queue, err := syncqueue.NewQueue(syncqueue.QueueConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logging.ForComponent(logger, "syncqueue"),
	})
	if err != nil {
		return err
	}
	session := auth.NewSession()
	client, err := remote.NewClient(remote.ClientConfig{
		BaseURL: appConfig.RemoteBaseURL,
		FeedURL: appConfig.RemoteFeedURL,
		Token:   session.Token,
		Logger:  logging.ForComponent(logger, "remote"),
	})
	if err != nil {
		return err
	}
	monitor := connectivity.NewMonitor(connectivity.MonitorConfig{
		Logger: logging.ForComponent(logger, "connectivity"),
	})
	engine, err := syncengine.NewEngine(syncengine.EngineConfig{
		Store:        store,
		Queue:        queue,
		Remote:       client,
		Connectivity: monitor,
		Clock:        time.Now,
		Logger:       logging.ForComponent(logger, "syncengine"),
	})
	if err != nil {
		return err
	}
	repo, err := repository.New(repository.Config{
		Store:    store,
		Queue:    queue,
		Trigger:  engine,
		Identity: session.CurrentUserID,
		Clock:    time.Now,
		Logger:   logging.ForComponent(logger, "repository"),
	})
	if err != nil {
		return err
	}

	handler, err := agentapi.NewHTTPHandler(agentapi.Dependencies{
		Repository:    repo,
		Engine:        engine,
		Session:       session,
		Authenticator: client,
		Logger:        logging.ForComponent(logger, "agentapi"),
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:    appConfig.ListenAddress,
		Handler: handler,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("control surface listening", zap.String("address", appConfig.ListenAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	go monitor.Run(signalCtx, appConfig.ProbePeriod, func(probeCtx context.Context) bool {
		return client.Ping(probeCtx) == nil
	})

	// Server-push convergence; degrades to nothing when no feed is configured.
	go func() {
		if err := engine.Watch(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("realtime watch stopped", zap.Error(err))
		}
	}()

	// A pass on every offline->online transition, plus the periodic schedule.
	go func() {
		online, cleanup := monitor.Subscribe(signalCtx)
		defer cleanup()
		for {
			select {
			case <-signalCtx.Done():
				return
			case isOnline, open := <-online:
				if !open {
					return
				}
				if isOnline {
					if _, err := engine.TriggerSync(signalCtx); err != nil {
						logger.Debug("sync on reconnect failed", zap.Error(err))
					}
				}
			}
		}
	}()

	ticker := time.NewTicker(appConfig.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-signalCtx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		case err := <-serverErr:
			return err
		case <-ticker.C:
			if _, err := engine.TriggerSync(signalCtx); err != nil {
				logger.Debug("periodic sync failed", zap.Error(err))
			}
		}
	}
}
