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
	"github.com/stencilhq/stencil/internal/auth"
	"github.com/stencilhq/stencil/internal/config"
	"github.com/stencilhq/stencil/internal/database"
	"github.com/stencilhq/stencil/internal/logging"
	"github.com/stencilhq/stencil/internal/presence"
	"github.com/stencilhq/stencil/internal/server"
	"github.com/stencilhq/stencil/internal/templates"
	"github.com/stencilhq/stencil/internal/users"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "stencil-api",
		Short: "Stencil template coordination service",
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
	cmd.PersistentFlags().String("idp-audience", defaults.GetString("idp.audience"), "Identity provider audience (client ID)")
	cmd.PersistentFlags().String("idp-jwks-url", defaults.GetString("idp.jwks_url"), "Identity provider JWKS URL")
	cmd.PersistentFlags().StringSlice("idp-allowed-issuers", defaults.GetStringSlice("idp.allowed_issuers"), "Identity provider issuers to accept")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Backend token TTL in minutes")
	cmd.PersistentFlags().Int("lock-idle-timeout-minutes", defaults.GetInt("lock.idle_timeout_minutes"), "Idle minutes before edit locks and presence expire")
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "idp.audience", "idp-audience")
	bindFlag(cmd, "idp.jwks_url", "idp-jwks-url")
	bindFlag(cmd, "idp.allowed_issuers", "idp-allowed-issuers")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "lock.idle_timeout_minutes", "lock-idle-timeout-minutes")
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

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.AuthIssuer,
		Audience:      appConfig.AuthAudience,
		TokenTTL:      appConfig.TokenTTL,
	})

	idpVerifier, err := auth.NewIdPVerifier(auth.IdPVerifierConfig{
		Audience:       appConfig.IdPAudience,
		JWKSURL:        appConfig.IdPJWKSURL,
		AllowedIssuers: appConfig.IdPAllowedIssuers,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	accounts, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	store, err := templates.NewStore(db)
	if err != nil {
		return err
	}

	dispatcher := server.NewRealtimeDispatcher()

	templateService, err := templates.NewService(templates.ServiceConfig{
		Store:      store,
		Clock:      time.Now,
		IDProvider: templates.NewUUIDProvider(),
		Logger:     logger,
		Events:     dispatcher,
	})
	if err != nil {
		return err
	}

	tracker := presence.NewTracker(presence.TrackerConfig{
		IdleTimeout: appConfig.LockIdleTimeout,
		Clock:       time.Now,
		Publisher:   dispatcher,
		Logger:      logger,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		IdPVerifier:     idpVerifier,
		TokenManager:    tokenManager,
		Accounts:        accounts,
		TemplateService: templateService,
		Tracker:         tracker,
		Realtime:        dispatcher,
		Logger:          logger,
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
