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

	"github.com/ponolab/pono/backend/internal/auth"
	"github.com/ponolab/pono/backend/internal/config"
	"github.com/ponolab/pono/backend/internal/database"
	"github.com/ponolab/pono/backend/internal/draftnotes"
	"github.com/ponolab/pono/backend/internal/hub"
	"github.com/ponolab/pono/backend/internal/logging"
	"github.com/ponolab/pono/backend/internal/server"
	"github.com/ponolab/pono/backend/internal/tracking"
	"github.com/ponolab/pono/backend/internal/users"
	"github.com/ponolab/pono/backend/internal/versioncache"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pono-api",
		Short: "Review collaboration backend service",
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
	cmd.PersistentFlags().String("attachments-dir", defaults.GetString("attachments.dir"), "Attachment storage directory")
	cmd.PersistentFlags().String("tracking-base-url", defaults.GetString("tracking.base_url"), "Production tracking service base URL")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Backend token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "attachments.dir", "attachments-dir")
	bindFlag(cmd, "tracking.base_url", "tracking-base-url")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

	repository, err := draftnotes.NewRepository(draftnotes.RepositoryConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}
	store, err := draftnotes.NewAttachmentStore(appConfig.AttachmentsDir)
	if err != nil {
		return err
	}
	noteHub := hub.New(logger)
	engine, err := draftnotes.NewEngine(draftnotes.EngineConfig{
		Database:   db,
		Repository: repository,
		Store:      store,
		Hub:        noteHub,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	trackingClient, err := tracking.NewClient(tracking.ClientConfig{
		BaseURL: appConfig.TrackingBaseURL,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "pono-auth",
		Audience:      "pono-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	versionCache := versioncache.NewManager(versioncache.ManagerConfig{
		Logger: logger,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tracking:     trackingClient,
		TokenManager: tokenManager,
		Users:        userService,
		Engine:       engine,
		Repository:   repository,
		Hub:          noteHub,
		VersionCache: versionCache,
		Logger:       logger,
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
