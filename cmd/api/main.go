package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"lexdraft/api/internal/app"
	"lexdraft/api/internal/archive"
	"lexdraft/api/internal/config"
	"lexdraft/api/internal/export"
	"lexdraft/api/internal/search"
	"lexdraft/api/internal/session"
	"lexdraft/api/internal/store"
)

const Version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:           "lexdraft-api",
		Short:         "Drafting workflow orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath, logLevel)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("LEXDRAFT_CONFIG"), "Workflow config file (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); defaults to LOG_LEVEL")

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath, logLevel)
		},
	})
	var down int
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrate(configPath, logLevel, down)
		},
	}
	migrateCmd.Flags().IntVar(&down, "down", 0, "Revert this many applied migrations instead")
	cmd.AddCommand(migrateCmd)
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("lexdraft-api version %s\n", Version)
		},
	})
	return cmd
}

func setup(configPath, logLevel string) (config.Config, *slog.Logger, error) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return cfg, nil, err
	}
	if logLevel == "" {
		logLevel = cfg.LogLevel
	}
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func migrate(configPath, logLevel string, down int) error {
	cfg, logger, err := setup(configPath, logLevel)
	if err != nil {
		return err
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errors.New("DATABASE_URL is required to migrate")
	}
	ctx := context.Background()
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if down > 0 {
		reverted, err := store.RollbackMigrations(ctx, db, cfg.MigrationsDir, down)
		if err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
		logger.Info("migrations reverted", "migrations", reverted)
		return nil
	}
	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	logger.Info("migrations applied", "dir", cfg.MigrationsDir)
	return nil
}

func serve(configPath, logLevel string) error {
	cfg, logger, err := setup(configPath, logLevel)
	if err != nil {
		return err
	}
	ctx := context.Background()
	opts := []app.Option{app.WithLogger(logger)}

	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}

		var meili *search.Meili
		if strings.TrimSpace(cfg.MeiliURL) != "" {
			meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
			defer meili.Close()
		}
		searchService := search.NewService(meili, search.NewPgFTS(db), logger)
		if meili != nil {
			go searchService.Reindex(ctx)
		}

		opts = append(opts,
			app.WithStore(store.NewPostgresStore(db)),
			app.WithSearch(searchService),
			app.WithCheck("database", db.PingContext),
		)
	} else {
		logger.Warn("DATABASE_URL not set; activity history, export records and search are disabled")
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
		opts = append(opts, app.WithStepStore(redisStore), app.WithCheck("redis", redisStore.Ping))
	}

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		artifacts, err := export.NewArtifactStore(ctx, export.ArtifactConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return fmt.Errorf("artifact store failed: %w", err)
		}
		opts = append(opts, app.WithArtifacts(artifacts))
	}

	if strings.TrimSpace(cfg.ArchiveDir) != "" {
		if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
			return fmt.Errorf("failed to create archive dir: %w", err)
		}
		opts = append(opts, app.WithArchive(archive.New(cfg.ArchiveDir)))
	}

	service := app.New(cfg, opts...)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Exports wait on the assembly timeout; the event stream clears its own deadline.
		WriteTimeout: cfg.Workflow.AssemblyTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("lexdraft API listening", "addr", cfg.Addr, "version", Version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
	service.Shutdown()
	return nil
}
