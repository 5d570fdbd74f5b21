package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"treesync/internal/config"
	"treesync/internal/docstore"
	"treesync/internal/logging"
	"treesync/internal/storage"
	"treesync/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger setup failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{MaxOpenConns: cfg.DBMaxConns})
	if err != nil {
		logger.Fatalw("database connection failed", "error", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.Fatalw("migrations failed", "error", err)
	}

	blobs, closeBlobs, err := openBlobs(ctx, cfg, logger)
	if err != nil {
		logger.Fatalw("snapshot storage failed", "backend", cfg.BlobBackend, "error", err)
	}
	if closeBlobs != nil {
		defer closeBlobs.Close()
	}

	var lists storage.ListStore
	if ls, ok := blobs.(storage.ListStore); ok {
		lists = ls
	}
	service, err := docstore.NewService(docstore.Options{
		Store:     store.NewPostgresStore(db),
		Blobs:     blobs,
		Lists:     lists,
		CacheSize: cfg.DocCacheSize,
		Logger:    logger.Named("docstore"),
	})
	if err != nil {
		logger.Fatalw("document service setup failed", "error", err)
	}

	httpServer := docstore.NewHTTPServer(service, cfg.CORSOrigin, logger.Named("http"))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Infow("treesync API listening", "addr", cfg.Addr, "blobs", cfg.BlobBackend)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalw("server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("shutdown error", "error", err)
	}
}

// openBlobs returns the configured snapshot store and, when it holds a
// connection, its closer.
func openBlobs(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger) (storage.BlobStore, io.Closer, error) {
	switch cfg.BlobBackend {
	case "", "memory":
		logger.Warn("snapshots are kept in memory and are lost on restart")
		return storage.NewMemoryStore(), nil, nil
	case "redis":
		if cfg.RedisURL == "" {
			return nil, nil, fmt.Errorf("REDIS_URL is required for the redis backend")
		}
		rs, err := storage.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return rs, rs, nil
	case "git":
		if err := os.MkdirAll(filepath.Dir(cfg.GitDir), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create git dir: %w", err)
		}
		gs, err := storage.OpenGitBlobStore(cfg.GitDir)
		if err != nil {
			return nil, nil, err
		}
		return gs, nil, nil
	case "minio":
		ms, err := storage.NewMinioBlobStore(ctx, storage.MinioOptions{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return nil, nil, err
		}
		return ms, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown blob backend %q", cfg.BlobBackend)
	}
}
