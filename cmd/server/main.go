package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/compliancehq/review-engine/internal/config"
	"github.com/compliancehq/review-engine/internal/domain"
	"github.com/compliancehq/review-engine/internal/eventstore"
	"github.com/compliancehq/review-engine/internal/health"
	"github.com/compliancehq/review-engine/internal/logger"
	"github.com/compliancehq/review-engine/internal/model"
	"github.com/compliancehq/review-engine/internal/projection"
	"github.com/compliancehq/review-engine/internal/publisher"
	"github.com/compliancehq/review-engine/internal/repository"
	"github.com/compliancehq/review-engine/internal/service"
	"github.com/compliancehq/review-engine/internal/snapshot"
	"github.com/compliancehq/review-engine/internal/tracker"
	httptransport "github.com/compliancehq/review-engine/internal/transport/http"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	err = gdb.AutoMigrate(
		&model.Event{}, &model.Snapshot{},
		&model.ProjectionFailure{}, &model.ProjectionCheckpoint{}, &model.ProjectionHealthMetric{},
		&model.DocumentSummary{}, &model.FindingRow{},
	)
	if err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. kafka writer
	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	// 6. engine: store, snapshots, repository
	store := eventstore.NewStore(gdb, log)
	snaps := snapshot.NewStore(gdb, log)
	repo := repository.New(store, snaps,
		func(id string) domain.Aggregate { return domain.NewDocumentReview(id) },
		repository.Options{
			MaxRetries:        cfg.Repository.MaxRetries,
			BaseDelay:         time.Duration(cfg.Repository.BaseDelayMillis) * time.Millisecond,
			SnapshotThreshold: uint64(cfg.Repository.SnapshotThreshold),
		}, log)

	// 7. projections, tracker, publisher
	summaries := projection.NewSummaryProjection(gdb, rdb, log)
	findings := projection.NewFindingsProjection(gdb, log)
	projections := []projection.Projection{summaries, findings}

	trk := tracker.New(gdb, tracker.Options{
		MaxRetries: cfg.Retry.MaxRetries,
		Schedule:   toDurations(cfg.Retry.ScheduleSeconds),
	}, log)
	pub := publisher.New(projections, trk, kw, publisher.Options{
		MaxRetries: cfg.Publisher.MaxRetries,
		Backoff:    toDurations(cfg.Publisher.BackoffSeconds),
	}, log)

	// 8. background retry worker
	worker := tracker.NewRetryWorker(trk, store, projections,
		time.Duration(cfg.Retry.IntervalSeconds)*time.Second, cfg.Retry.BatchSize, log)
	worker.Start(context.Background())
	defer worker.Stop()

	// 9. services & gin router
	svc := service.NewReviewService(repo, pub, log)
	admin := health.NewService(store, trk, projections, log)
	router := httptransport.NewRouter(svc, summaries, findings, admin, cfg.RateLimit, log)

	// 10. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Infof("review-engine listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}

func toDurations(seconds []int) []time.Duration {
	out := make([]time.Duration, len(seconds))
	for i, s := range seconds {
		out[i] = time.Duration(s) * time.Second
	}
	return out
}
