package main

import (
	"context"
	"fmt"
	"log"

	"github.com/hibiken/asynq"
	"golang.org/x/time/rate"

	"github.com/opticore/catalogcore/internal/batch"
	"github.com/opticore/catalogcore/internal/catalog"
	"github.com/opticore/catalogcore/internal/config"
	"github.com/opticore/catalogcore/internal/controller"
	"github.com/opticore/catalogcore/internal/db"
	"github.com/opticore/catalogcore/internal/executor"
	"github.com/opticore/catalogcore/internal/hashing"
	"github.com/opticore/catalogcore/internal/jobs"
	"github.com/opticore/catalogcore/internal/mediaio"
	"github.com/opticore/catalogcore/internal/progress"
	"github.com/opticore/catalogcore/internal/queue"
)

func main() {
	cfg := config.Load()

	conn, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to catalog store: %v", err)
	}
	defer conn.Close()

	if err := db.Migrate(conn, "migrations"); err != nil {
		log.Fatalf("Failed to apply migrations: %v", err)
	}

	gateway := catalog.NewPostgresGateway(conn)
	batches := batch.NewPostgresManager(conn)
	pub := progress.NewPublisher(gateway, "catalog-events")

	registry := jobs.NewRegistry()
	registry.Register(jobs.NewScanJob(jobs.ScanDeps{
		Extractor: mediaio.NewGoExifExtractor(),
		Decode:    jobs.DecodeFile,
		ThumbDir:  "data/thumbnails",
	}))
	registry.Register(jobs.NewDetectDuplicatesJob(hashing.NewDefaultProvider(), jobs.DecodeFile))
	registry.Register(jobs.NewDetectBurstsJob())
	registry.Register(jobs.NewGenerateThumbnailsJob(jobs.ThumbnailDeps{Decode: jobs.DecodeFile, Dir: "data/thumbnails"}))
	registry.Register(jobs.NewScoreQualityJob(jobs.DecodeFile))
	registry.Register(jobs.NewAutoTagJob(jobs.NoopTagger{}, rate.NewLimiter(rate.Limit(2), 1)))

	exec := executor.New(gateway, batches, pub)
	store := controller.NewPostgresStore(conn)

	dispatchQueue := queue.New(cfg.RedisAddr, cfg.Executor.ControllerPoolSize)
	dispatchQueue.RegisterHandler(func(ctx context.Context, t *asynq.Task) error {
		// Durable fallback path: the in-process dispatch goroutine spawned by
		// Controller.Submit already handles this job on this instance, so
		// there's nothing further to do unless a worker process without its
		// own Submit caller needs to pick the job up. Acknowledge receipt.
		return nil
	})
	go func() {
		if err := dispatchQueue.Start(context.Background()); err != nil {
			log.Printf("queue: dispatch worker stopped: %v", err)
		}
	}()
	defer dispatchQueue.Stop()

	ctrl := controller.New(registry, store, exec, batches, cfg.Executor.ControllerPoolSize)
	ctrl.HeartbeatTimeout = cfg.Executor.HeartbeatTimeout
	ctrl.Queue = dispatchQueue

	if err := ctrl.StartReaper(fmt.Sprintf("@every %s", cfg.Executor.ReaperInterval)); err != nil {
		log.Fatalf("Failed to start stale-batch reaper: %v", err)
	}
	defer ctrl.StopReaper()

	log.Println("catalogcore: job execution core ready")
	log.Printf("catalogcore: registered jobs: %v", registry.Names())

	select {}
}
