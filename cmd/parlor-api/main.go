package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/parlor/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/parlor/backend/internal/config"
	"github.com/MarcoPoloResearchLab/parlor/backend/internal/database"
	"github.com/MarcoPoloResearchLab/parlor/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/parlor/backend/internal/moderation"
	"github.com/MarcoPoloResearchLab/parlor/backend/internal/profile"
	"github.com/MarcoPoloResearchLab/parlor/backend/internal/registry"
	"github.com/MarcoPoloResearchLab/parlor/backend/internal/server"
	"github.com/MarcoPoloResearchLab/parlor/backend/internal/session"
	"github.com/MarcoPoloResearchLab/parlor/backend/internal/watch"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "parlor-api",
		Short: "Parlor shared-session chat room server",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
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
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("admin-passphrase", "", "Shared admin passphrase (overrides env)")
	cmd.PersistentFlags().Int("retention", defaults.GetInt("chat.retention"), "Message log retention bound")
	cmd.PersistentFlags().Int("slow-mode-ms", defaults.GetInt("chat.slow_mode_ms"), "Initial slow-mode delay in milliseconds (0 disables)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "admin.passphrase", "admin-passphrase")
	bindFlag(cmd, "chat.retention", "retention")
	bindFlag(cmd, "chat.slow_mode_ms", "slow-mode-ms")
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

func runServer(ctx context.Context) error {
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

	messageLog, err := chat.NewLog(chat.LogConfig{
		Database:   db,
		IDProvider: chat.NewUUIDProvider(),
		Logger:     logger,
		Retention:  appConfig.Retention,
	})
	if err != nil {
		return err
	}

	profiles, err := profile.NewStore(profile.StoreConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	mod, err := moderation.NewState(moderation.StateConfig{
		Database: db,
		Logger:   logger,
		SlowMode: time.Duration(appConfig.SlowModeMilli) * time.Millisecond,
	})
	if err != nil {
		return err
	}

	hub := server.NewHub(logger)

	engine, err := session.NewOrchestrator(session.Config{
		Log:             messageLog,
		Profiles:        profiles,
		Moderation:      mod,
		Registry:        registry.NewRegistry(mod),
		Party:           watch.NewClock(nil),
		Broadcaster:     hub,
		Logger:          logger,
		AdminPassphrase: appConfig.AdminPassphrase,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Engine:     engine,
		Hub:        hub,
		MessageLog: messageLog,
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
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
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
