package tracker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/compliancehq/review-engine/internal/domain"
	"github.com/compliancehq/review-engine/internal/eventstore"
	"github.com/compliancehq/review-engine/internal/projection"
)

// EventLoader fetches the original event for a failure. The failure row only
// stores identifiers, so retries always replay the authoritative stored
// event rather than a copy.
type EventLoader interface {
	LoadByID(ctx context.Context, eventID string) (domain.Event, error)
}

// RetryWorker periodically drains due failures and re-dispatches each stored
// event to its projection. Stop is cooperative: the poll loop exits between
// cycles and in-flight retries finish.
type RetryWorker struct {
	tracker     *Tracker
	events      EventLoader
	projections map[string]projection.Projection
	interval    time.Duration
	batchSize   int
	log         *zap.SugaredLogger

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewRetryWorker(t *Tracker, events EventLoader, projections []projection.Projection, interval time.Duration, batchSize int, log *zap.SugaredLogger) *RetryWorker {
	byName := make(map[string]projection.Projection, len(projections))
	for _, p := range projections {
		byName[p.Name()] = p
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &RetryWorker{
		tracker:     t,
		events:      events,
		projections: byName,
		interval:    interval,
		batchSize:   batchSize,
		log:         log,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start runs the poll loop until Stop is called or ctx is cancelled.
func (w *RetryWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop requests shutdown and waits for the current cycle to finish.
func (w *RetryWorker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *RetryWorker) run(ctx context.Context) {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Infow("retry worker started", "interval", w.interval)
	for {
		select {
		case <-w.stopCh:
			w.log.Info("retry worker stopped")
			return
		case <-ctx.Done():
			w.log.Info("retry worker context cancelled")
			return
		case <-ticker.C:
			w.Cycle(ctx)
		}
	}
}

// Cycle runs one poll-and-retry pass. Exported so operators (and tests) can
// trigger an immediate pass.
func (w *RetryWorker) Cycle(ctx context.Context) {
	failures, err := w.tracker.DueForRetry(ctx, w.batchSize)
	if err != nil {
		w.log.Errorw("poll due failures", "error", err)
		return
	}
	for _, f := range failures {
		w.retry(ctx, f.EventID, f.ProjectionName)
	}
}

func (w *RetryWorker) retry(ctx context.Context, eventID, projectionName string) {
	proj, ok := w.projections[projectionName]
	if !ok {
		w.log.Errorw("no projection registered for failure", "projection", projectionName)
		return
	}
	evt, err := w.events.LoadByID(ctx, eventID)
	if err != nil {
		if err == eventstore.ErrEventNotFound {
			w.log.Errorw("failure references missing event", "event_id", eventID, "projection", projectionName)
		} else {
			w.log.Errorw("load event for retry", "event_id", eventID, "error", err)
		}
		return
	}
	if err := proj.Handle(ctx, evt); err != nil {
		if _, rerr := w.tracker.RecordFailure(ctx, evt, projectionName, err); rerr != nil {
			w.log.Errorw("record retry failure", "event_id", eventID, "error", rerr)
		}
		w.log.Warnw("projection retry failed",
			"event_id", eventID, "projection", projectionName, "error", err)
		return
	}
	if err := w.tracker.RecordSuccess(ctx, evt, projectionName); err != nil {
		w.log.Errorw("record retry success", "event_id", eventID, "error", err)
		return
	}
	w.log.Infow("projection retry succeeded", "event_id", eventID, "projection", projectionName)
}
