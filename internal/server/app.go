// Package server initializes and runs the document storage service: it
// opens the database, runs migrations, wires the storage tiers and the
// replication queue, and drives the periodic sync loop until shutdown.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dkovalev/docvault/internal/config"
	"github.com/dkovalev/docvault/internal/documents"
	"github.com/dkovalev/docvault/internal/logging"
	"github.com/dkovalev/docvault/internal/processing"
	"github.com/dkovalev/docvault/internal/repositories/repomanager"
	"github.com/dkovalev/docvault/internal/retrieval"
	"github.com/dkovalev/docvault/internal/storage"
	"github.com/dkovalev/docvault/internal/syncqueue"
)

type App struct {
	config *config.Config
	logger logging.Logger
	db     *sql.DB

	Documents *documents.Service
	Resolver  *retrieval.Resolver
	Queue     *syncqueue.Manager
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	db, err := repomanager.OpenDatabase(cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	repos := repomanager.NewPostgresRepositoryManager()
	if err := repos.RunMigrations(ctx, db); err != nil {
		return nil, fmt.Errorf("db migration error: %w", err)
	}

	local, err := storage.NewFSLocal(cfg.LocalStorageDir)
	if err != nil {
		return nil, fmt.Errorf("local tier init error: %w", err)
	}

	remote, err := storage.NewS3Remote(ctx, storage.S3RemoteOptions{
		RootUser:        cfg.S3RootUser,
		RootPassword:    cfg.S3RootPassword,
		Bucket:          cfg.S3Bucket,
		Region:          cfg.S3Region,
		BaseEndpoint:    cfg.S3BaseEndpoint,
		TransferTimeout: cfg.TransferTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("remote tier init error: %w", err)
	}

	processor := processing.New(processing.Config{
		MaxSizeBytes:      cfg.MaxUploadSizeBytes,
		AllowedExtensions: cfg.AllowedExtensions,
		Image: processing.ImageConfig{
			Enabled:          cfg.ImageOptimization,
			MaxWidth:         cfg.ImageMaxWidth,
			MaxHeight:        cfg.ImageMaxHeight,
			Format:           cfg.ImageFormat,
			Quality:          cfg.ImageQuality,
			PreserveOriginal: cfg.PreserveOriginal,
		},
	}, logger)

	filesRepo := repos.Files(db)
	replicationRepo := repos.Replication(db)

	queue := syncqueue.NewManager(filesRepo, replicationRepo, local, remote,
		syncqueue.NewBackoff(cfg.BackoffBase, cfg.BackoffCap), cfg.SyncMaxRetries, logger)

	return &App{
		config:    cfg,
		logger:    logger,
		db:        db,
		Documents: documents.NewService(db, repos, processor, local, cfg.MaxFilesPerRequest, logger),
		Resolver:  retrieval.NewResolver(filesRepo, replicationRepo, local, remote, logger),
		Queue:     queue,
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// runSyncLoop processes one replication batch every SyncInterval until the
// context is cancelled.
func (app *App) runSyncLoop(ctx context.Context) {
	ticker := time.NewTicker(app.config.SyncInterval)
	defer ticker.Stop()

	opts := syncqueue.BatchOptions{
		BatchSize:     app.config.SyncBatchSize,
		PriorityFirst: app.config.SyncPriorityFirst,
		MaxRetries:    app.config.SyncMaxRetries,
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := app.Queue.ProcessBatch(ctx, opts); err != nil {
				app.logger.Error(ctx, "sync batch error", "error", err.Error())
			}
		}
	}
}

func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.runSyncLoop(ctx)
	}()

	wg.Wait()

	if err := app.db.Close(); err != nil {
		app.logger.Error(ctx, "closing database", "error", err.Error())
	}
	app.logger.Info(ctx, "Shutdown complete")
}
