package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/compliancehq/review-engine/internal/config"
	"github.com/compliancehq/review-engine/internal/eventstore"
	"github.com/compliancehq/review-engine/internal/logger"
	"github.com/compliancehq/review-engine/internal/projection"
	"github.com/compliancehq/review-engine/internal/tracker"
)

// Standalone projection-retry worker, for running dispatch recovery outside
// the API process.
func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	store := eventstore.NewStore(gdb, log)
	summaries := projection.NewSummaryProjection(gdb, rdb, log)
	findings := projection.NewFindingsProjection(gdb, log)

	trk := tracker.New(gdb, tracker.Options{
		MaxRetries: cfg.Retry.MaxRetries,
		Schedule:   toDurations(cfg.Retry.ScheduleSeconds),
	}, log)

	worker := tracker.NewRetryWorker(trk, store,
		[]projection.Projection{summaries, findings},
		time.Duration(cfg.Retry.IntervalSeconds)*time.Second, cfg.Retry.BatchSize, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	worker.Start(ctx)
	log.Info("review-retrier started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	worker.Stop()
}

func toDurations(seconds []int) []time.Duration {
	out := make([]time.Duration, len(seconds))
	for i, s := range seconds {
		out[i] = time.Duration(s) * time.Second
	}
	return out
}
