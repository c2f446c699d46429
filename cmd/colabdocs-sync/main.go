package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/colabdocs/internal/auth"
	"github.com/MarcoPoloResearchLab/colabdocs/internal/collab"
	"github.com/MarcoPoloResearchLab/colabdocs/internal/config"
	"github.com/MarcoPoloResearchLab/colabdocs/internal/database"
	"github.com/MarcoPoloResearchLab/colabdocs/internal/documents"
	"github.com/MarcoPoloResearchLab/colabdocs/internal/logging"
	"github.com/MarcoPoloResearchLab/colabdocs/internal/relay"
	"github.com/MarcoPoloResearchLab/colabdocs/internal/server"
	"github.com/MarcoPoloResearchLab/colabdocs/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "colabdocs-sync",
		Short: "Real-time collaborative document sync server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Snapshot store driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-url", "", "PostgreSQL connection URL")
	cmd.PersistentFlags().String("redis-url", "", "Redis URL for the cross-instance relay")
	cmd.PersistentFlags().Duration("token-ttl", defaults.GetDuration("auth.token_ttl"), "Development token TTL")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.url", "database-url")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "auth.token_ttl", "token-ttl")
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

// backend bundles the storage side selected by database.driver.
type backend struct {
	store    collab.SnapshotStore
	content  server.ContentSource
	profiles server.ProfileResolver
	close    func()
}

func openBackend(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (backend, error) {
	switch appConfig.DatabaseDriver {
	case config.DriverPostgres:
		pool, err := database.OpenPostgres(ctx, appConfig.DatabaseURL, logger)
		if err != nil {
			return backend{}, err
		}
		store, err := documents.NewPostgresStore(documents.PostgresStoreConfig{Pool: pool, Logger: logger})
		if err != nil {
			pool.Close()
			return backend{}, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return backend{}, err
		}
		return backend{store: store, content: store, profiles: users.ClaimsResolver{}, close: pool.Close}, nil
	default:
		db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
		if err != nil {
			return backend{}, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return backend{}, err
		}
		closeDB := func() { _ = sqlDB.Close() }
		store, err := documents.NewGormStore(documents.StoreConfig{Database: db, Logger: logger})
		if err != nil {
			closeDB()
			return backend{}, err
		}
		profiles, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
		if err != nil {
			closeDB()
			return backend{}, err
		}
		return backend{store: store, content: store, profiles: profiles, close: closeDB}, nil
	}
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLoggerWithFormat(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storage, err := openBackend(signalCtx, appConfig, logger)
	if err != nil {
		return err
	}
	defer storage.close()

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.AuthIssuer,
	})
	if err != nil {
		return err
	}
	authenticator, err := server.NewSessionAuthenticator(validator, storage.profiles)
	if err != nil {
		return err
	}

	var publisher collab.Publisher
	var bridge *relay.Redis
	if appConfig.RedisURL != "" {
		bridge, err = relay.Dial(signalCtx, appConfig.RedisURL, logger)
		if err != nil {
			return err
		}
		defer bridge.Close()
		publisher = bridge
	}

	manager, err := collab.NewManager(collab.Config{
		Store:           storage.store,
		Publisher:       publisher,
		Logger:          logger,
		PersistDebounce: appConfig.PersistDebounce,
		PersistMaxWait:  appConfig.PersistMaxWait,
		OutboundBuffer:  appConfig.OutboundBuffer,
	})
	if err != nil {
		return err
	}

	if bridge != nil {
		go func() {
			if err := bridge.Run(signalCtx, manager.ApplyRemote, nil); err != nil {
				logger.Error("relay stopped", zap.Error(err))
			}
		}()
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Authenticator:  authenticator,
		Manager:        manager,
		Content:        storage.content,
		Logger:         logger,
		AllowedOrigins: appConfig.AllowedOrigins,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("database_driver", appConfig.DatabaseDriver),
			zap.Bool("relay", bridge != nil),
		)
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	httpErr := httpServer.Shutdown(shutdownCtx)
	managerErr := manager.Shutdown(shutdownCtx)
	if managerErr != nil {
		managerErr = fmt.Errorf("flush documents: %w", managerErr)
	}
	return errors.Join(httpErr, managerErr)
}
