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

	"github.com/marqueelabs/gatesync/internal/config"
	"github.com/marqueelabs/gatesync/internal/core"
	"github.com/marqueelabs/gatesync/internal/database"
	"github.com/marqueelabs/gatesync/internal/logging"
	"github.com/marqueelabs/gatesync/internal/mesh"
	"github.com/marqueelabs/gatesync/internal/scans"
	"github.com/marqueelabs/gatesync/internal/server"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gatesync",
		Short: "Offline peer-to-peer scan synchronization daemon",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
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
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address for the shell adapter")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("pass-config", defaults.GetString("passes.config_path"), "Path to the bundled pass configuration snapshot")
	cmd.PersistentFlags().Int("mesh-port", defaults.GetInt("mesh.port"), "UDP gossip port")
	cmd.PersistentFlags().String("broadcast-address", defaults.GetString("mesh.broadcast_address"), "Subnet broadcast address (derived when empty)")
	cmd.PersistentFlags().Bool("store-only", defaults.GetBool("mesh.store_only"), "Run without the gossip transport")
	cmd.PersistentFlags().Int64("cooldown-ms", defaults.GetInt64("admission.cooldown_ms"), "Repeat-scan cooldown in milliseconds")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "passes.config_path", "pass-config")
	bindFlag(cmd, "mesh.port", "mesh-port")
	bindFlag(cmd, "mesh.broadcast_address", "broadcast-address")
	bindFlag(cmd, "mesh.store_only", "store-only")
	bindFlag(cmd, "admission.cooldown_ms", "cooldown-ms")
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

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	var passConfig *scans.PassConfig
	if appConfig.PassConfigPath != "" {
		loaded, err := scans.LoadPassConfigFile(appConfig.PassConfigPath)
		if err != nil {
			return err
		}
		passConfig = &loaded
	}

	var transport mesh.Transport
	if !appConfig.StoreOnly {
		udpTransport, err := mesh.NewUDPTransport(mesh.UDPTransportConfig{
			Port:             appConfig.MeshPort,
			BroadcastAddress: appConfig.BroadcastAddress,
			Logger:           logger,
		})
		if err != nil {
			// Scans must still be admitted offline; degrade to store-only.
			logger.Warn("gossip transport unavailable, running store-only", zap.Error(err))
		} else {
			transport = udpTransport
		}
	}

	dispatcher := server.NewScanDispatcher()

	syncCore, err := core.NewCore(core.CoreConfig{
		Database:         db,
		Transport:        transport,
		PassConfig:       passConfig,
		Clock:            time.Now,
		IDProvider:       scans.NewUUIDProvider(),
		Logger:           logger,
		CooldownMS:       appConfig.CooldownMS,
		PeerTimeoutMS:    appConfig.PeerTimeoutMS,
		HeartbeatPeriod:  appConfig.HeartbeatPeriod,
		RetryAckPeriod:   appConfig.RetryAckPeriod,
		StateHashPeriod:  appConfig.StateHashPeriod,
		FullSyncPeriod:   appConfig.FullSyncPeriod,
		RetryQueuePeriod: appConfig.RetryQueuePeriod,
		OnNewEvents: func(events []scans.ScanEvent, remote bool) {
			dispatcher.Publish(server.ScanEventMessage{
				Events:    events,
				Remote:    remote,
				Timestamp: time.Now(),
			})
		},
	})
	if err != nil {
		return err
	}

	if err := syncCore.Init(ctx); err != nil {
		return err
	}
	defer syncCore.Shutdown()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Core:       syncCore,
		Dispatcher: dispatcher,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("shell adapter starting", zap.String("address", appConfig.HTTPAddress))
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
