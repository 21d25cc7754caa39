package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carecircle/backend/internal/circles"
	"github.com/carecircle/backend/internal/config"
	"github.com/carecircle/backend/internal/database"
	"github.com/carecircle/backend/internal/ledger"
	"github.com/carecircle/backend/internal/logging"
	"github.com/carecircle/backend/internal/mail"
	"github.com/carecircle/backend/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "carecircle-api",
		Short: "CareCircle cache backend service",
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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite cache path")
	cmd.PersistentFlags().String("ledger-rpc-url", defaults.GetString("ledger.rpc_url"), "Ledger RPC endpoint (empty runs cache-only)")
	cmd.PersistentFlags().String("invite-base-url", defaults.GetString("invite.base_url"), "Public base URL for invitation join links")
	cmd.PersistentFlags().Int("invite-ttl-hours", defaults.GetInt("invite.ttl_hours"), "Invitation validity in hours")
	cmd.PersistentFlags().String("smtp-host", defaults.GetString("smtp.host"), "SMTP relay host:port (empty disables mail)")
	cmd.PersistentFlags().String("smtp-from", defaults.GetString("smtp.from"), "Sender address for invitation mail")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "ledger.rpc_url", "ledger-rpc-url")
	bindFlag(cmd, "invite.base_url", "invite-base-url")
	bindFlag(cmd, "invite.ttl_hours", "invite-ttl-hours")
	bindFlag(cmd, "smtp.host", "smtp-host")
	bindFlag(cmd, "smtp.from", "smtp-from")
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

	var gateway circles.LedgerGateway
	if appConfig.LedgerRPCURL != "" {
		client, err := ledger.NewClient(ledger.ClientConfig{
			Endpoint: appConfig.LedgerRPCURL,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		gateway = client
	} else {
		logger.Info("ledger rpc endpoint not configured, running cache-only")
	}

	mailer, err := mail.NewClient(mail.ClientConfig{
		Host:     appConfig.SMTPHost,
		Username: appConfig.SMTPUsername,
		Password: appConfig.SMTPPassword,
		Name:     appConfig.SMTPFromName,
		Address:  appConfig.SMTPFrom,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	circlesService, err := circles.NewService(circles.ServiceConfig{
		Database:      db,
		Clock:         time.Now,
		Ledger:        gateway,
		Tokens:        circles.NewRandomTokenProvider(),
		InvitationTTL: appConfig.InviteTTL,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Circles:       circlesService,
		Mailer:        mailer,
		InviteBaseURL: appConfig.InviteBaseURL,
		Logger:        logger,
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
