package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"cardstudio/api/internal/app"
	"cardstudio/api/internal/blob"
	"cardstudio/api/internal/cardarchive"
	"cardstudio/api/internal/config"
	"cardstudio/api/internal/export"
	"cardstudio/api/internal/llm"
	"cardstudio/api/internal/reflect"
	"cardstudio/api/internal/search"
	"cardstudio/api/internal/session"
	"cardstudio/api/internal/store"
)

var (
	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "cardstudio-api",
	Short:         "Future-Self Card journaling API",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		cfg = loaded
		logger, err = newLogger(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Apply migrations and run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func main() {
	rootCmd.AddCommand(serveCmd, migrateCmd, reindexCmd, promoteCmd)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		if logger != nil {
			logger.Error("command failed", zap.Error(err))
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	parsed, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		parsed = zapcore.InfoLevel
	}
	zcfg.Level = zap.NewAtomicLevelAt(parsed)
	return zcfg.Build()
}

func openDatabase(ctx context.Context) (*sql.DB, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.Pool)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	return db, nil
}

// newSearch returns the search service and a cleanup func. Meilisearch is
// optional; Postgres full-text search is always the fallback.
func newSearch(db *sql.DB) (*search.Service, func()) {
	var primary search.Backend
	cleanup := func() {}
	if strings.TrimSpace(cfg.Search.MeiliURL) != "" {
		meili := search.NewMeili(cfg.Search.MeiliURL, cfg.Search.MeiliKey, logger)
		primary = meili
		cleanup = meili.Close
		logger.Info("meilisearch enabled", zap.String("url", cfg.Search.MeiliURL))
	}
	return search.NewService(primary, search.NewPgFTS(db), logger), cleanup
}

func runServe(ctx context.Context) error {
	db, err := openDatabase(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger)
	if err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	logger.Info("migrations applied", zap.Strings("versions", applied))

	dataStore := store.NewPostgresStore(db)
	opts := []app.Option{}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
		opts = append(opts, app.WithSessionStore(redisStore), app.WithAttemptLimiter(redisStore))
		logger.Info("using redis for refresh sessions")
	} else {
		logger.Info("using postgres for refresh sessions")
	}

	client, err := llm.New(ctx, cfg.LLM)
	if err != nil {
		return err
	}
	if client == nil {
		logger.Info("no model configured, reflection uses heuristics")
	}
	opts = append(opts, app.WithReflector(reflect.New(client, logger)))

	searchService, closeSearch := newSearch(db)
	defer closeSearch()
	defer searchService.Wait()
	opts = append(opts, app.WithSearch(searchService))

	if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	opts = append(opts, app.WithArchive(cardarchive.New(cfg.ArchiveDir)))

	exporter := export.NewService(dataStore,
		export.ChromePDF{ExecPath: cfg.Export.ChromePath, Timeout: cfg.Export.Timeout},
		export.PandocDOCX{Binary: cfg.Export.PandocBinary},
		logger,
	)
	opts = append(opts, app.WithExporter(exporter))

	if cfg.Blob.Enabled() {
		blobs, err := blob.New(ctx, cfg.Blob, logger)
		if err != nil {
			return fmt.Errorf("object storage: %w", err)
		}
		opts = append(opts, app.WithBlobStore(blobs))
		logger.Info("exports uploaded to object storage", zap.String("bucket", cfg.Blob.Bucket))
	}

	service := app.New(cfg, dataStore, logger, opts...)
	if !service.SMTPConfigured() {
		logger.Warn("SMTP not configured, verification and reset tokens are returned in responses")
	}

	handler := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("cardstudio api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	return nil
}
