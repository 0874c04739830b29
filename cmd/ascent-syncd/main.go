package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ascentlog/ascent-sync/internal/auth"
	"github.com/ascentlog/ascent-sync/internal/config"
	"github.com/ascentlog/ascent-sync/internal/logging"
	"github.com/ascentlog/ascent-sync/internal/record"
	"github.com/ascentlog/ascent-sync/internal/remote"
	"github.com/ascentlog/ascent-sync/internal/server"
	"github.com/ascentlog/ascent-sync/internal/store"
	"github.com/ascentlog/ascent-sync/internal/syncengine"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "ascent-syncd",
		Short: "Offline-first sync engine for the Ascent climbing logbook",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon against a remote",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}

	remoteCmd := &cobra.Command{
		Use:   "remote",
		Short: "Run the reference remote server",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemote(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(runCmd, remoteCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("remote-url", "", "Base URL of the remote sync API")
	cmd.PersistentFlags().String("owner-id", "", "Account identifier records belong to")
	cmd.PersistentFlags().String("device-id", "", "Identifier for this device")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Duration("push-interval", defaults.GetDuration("sync.push_interval"), "Periodic push trigger interval")
	cmd.PersistentFlags().Duration("pull-interval", defaults.GetDuration("sync.pull_interval"), "Periodic pull trigger interval")
	cmd.PersistentFlags().String("remote-http-address", defaults.GetString("remote.http_address"), "Listen address for the reference remote server")
	cmd.PersistentFlags().String("remote-signing-secret", "", "Signing secret for the reference remote server")

	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "remote.url", "remote-url")
	bindFlag(cmd, "owner.id", "owner-id")
	bindFlag(cmd, "device.id", "device-id")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "sync.push_interval", "push-interval")
	bindFlag(cmd, "sync.pull_interval", "pull-interval")
	bindFlag(cmd, "remote.http_address", "remote-http-address")
	bindFlag(cmd, "remote.signing_secret", "remote-signing-secret")
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

func runDaemon(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := store.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	localStore, err := store.New(store.Config{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	ownerID, err := record.NewOwnerID(appConfig.OwnerID)
	if err != nil {
		return err
	}

	tokenSource, err := auth.NewRemoteTokenSource(auth.RemoteTokenSourceConfig{
		BaseURL:  appConfig.RemoteURL,
		OwnerID:  appConfig.OwnerID,
		DeviceID: appConfig.DeviceID,
	})
	if err != nil {
		return err
	}

	remoteClient, err := remote.NewHTTPClient(remote.HTTPClientConfig{
		BaseURL:     appConfig.RemoteURL,
		TokenSource: tokenSource,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	coordinator, err := syncengine.NewCoordinator(syncengine.CoordinatorConfig{
		Store:  localStore,
		Remote: remoteClient,
		Owner:  ownerID,
		RetryQueue: syncengine.NewRetryQueue(syncengine.RetryQueueConfig{
			BaseDelay:   appConfig.RetryBase,
			MaxDelay:    appConfig.RetryMax,
			MaxAttempts: appConfig.RetryAttempts,
			Logger:      logger,
		}),
		PageSize:     appConfig.PageSize,
		SafetyWindow: appConfig.SafetyWindow,
		Logger:       logger,
		IsNotFound: func(err error) bool {
			return errors.Is(err, store.ErrRecordNotFound)
		},
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("sync daemon starting",
		zap.String("remote_url", appConfig.RemoteURL),
		zap.String("owner_id", appConfig.OwnerID),
		zap.String("device_id", appConfig.DeviceID))

	group, groupCtx := errgroup.WithContext(signalCtx)

	group.Go(func() error {
		err := coordinator.Run(groupCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	group.Go(func() error {
		ticker := time.NewTicker(appConfig.PushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				if err := coordinator.PushPendingChanges(groupCtx); err != nil {
					logger.Warn("periodic push failed", zap.Error(err))
				}
			}
		}
	})

	group.Go(func() error {
		// Pull once at startup, then on the timer.
		if err := coordinator.PullUpdates(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("initial pull failed", zap.Error(err))
		}
		ticker := time.NewTicker(appConfig.PullInterval)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				if err := coordinator.PullUpdates(groupCtx); err != nil {
					logger.Warn("periodic pull failed", zap.Error(err))
				}
			}
		}
	})

	return group.Wait()
}

func runRemote(ctx context.Context) error {
	remoteConfig, err := config.LoadRemote(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(remoteConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(remoteConfig.SigningSecret),
		Issuer:        "ascent-remote",
		Audience:      "ascent-sync",
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens: tokenIssuer,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    remoteConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("reference remote starting", zap.String("address", remoteConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
