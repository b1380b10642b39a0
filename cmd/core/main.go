// Command core runs the Recall scheduling and backup sync core as a
// long-lived process: it opens the local store, applies migrations and
// keeps the background sync scheduler running until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linchen/recall/internal/config"
	"github.com/linchen/recall/internal/db"
	"github.com/linchen/recall/internal/logging"
	"github.com/linchen/recall/internal/review"
	syncpkg "github.com/linchen/recall/internal/sync"
	"github.com/linchen/recall/internal/sync/ledger"
	"github.com/linchen/recall/internal/sync/scheduler"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("")
	if err != nil {
		return err
	}

	logging.Init(os.Stdout, logging.LogLevel(cfg.LogLevel))

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.NewMigrator(database.DB).Up(); err != nil {
		return err
	}

	repo := db.NewRepository(database.DB)
	defer repo.Close()

	ldg := ledger.New(repo, cfg.Sync.MaxRetries)
	reviewEngine := review.NewEngine(repo, ldg)

	remote := syncpkg.NewS3Client(&syncpkg.S3Config{
		Endpoint:       cfg.Remote.Endpoint,
		BucketName:     cfg.Remote.BucketName,
		AccessKey:      cfg.Remote.AccessKey,
		SecretKey:      cfg.Remote.SecretKey,
		Region:         cfg.Remote.Region,
		ForcePathStyle: cfg.Remote.ForcePathStyle,
	})

	quiet, err := cfg.QuietWindow()
	if err != nil {
		return err
	}

	syncEngine := syncpkg.NewEngine(repo, ldg, remote, syncpkg.Policy{
		QuietWindow:     quiet,
		RetentionCount:  cfg.Sync.Retention.MaxCount,
		RetentionMaxAge: time.Duration(cfg.Sync.Retention.MaxAgeDays) * 24 * time.Hour,
		MaxAttempts:     cfg.Sync.MaxRetries,
		DrainBatch:      cfg.Sync.DrainBatch,
		UploadTimeout:   cfg.Sync.UploadTimeout,
	})
	syncEngine.OnSynced = reviewEngine.ResetReviewed

	sched := scheduler.New(syncEngine, reviewEngine, &scheduler.Config{
		SyncInterval:    cfg.Sync.Interval,
		ReviewThreshold: cfg.Sync.ReviewThreshold,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched.Start(ctx)

	logging.Info("recall core started", map[string]interface{}{
		"data_dir": cfg.DataDir,
	})

	<-ctx.Done()

	logging.Info("shutting down", nil)
	sched.Stop()
	return nil
}
