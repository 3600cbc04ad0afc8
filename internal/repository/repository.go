package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/compliancehq/review-engine/internal/domain"
	"github.com/compliancehq/review-engine/internal/eventstore"
	"github.com/compliancehq/review-engine/internal/snapshot"
)

// ErrNotFound means the aggregate has neither a snapshot nor any events.
var ErrNotFound = errors.New("aggregate not found")

// EventStore is the slice of the event log the repository needs.
type EventStore interface {
	Append(ctx context.Context, aggregateID string, events []domain.Event, expectedVersion uint64) ([]domain.Event, error)
	Load(ctx context.Context, aggregateID string, fromVersion uint64) ([]domain.Event, error)
}

// SnapshotStore is the slice of the snapshot store the repository needs.
type SnapshotStore interface {
	Save(ctx context.Context, aggregateID string, version uint64, state []byte) error
	Load(ctx context.Context, aggregateID string) (uint64, []byte, error)
}

// Options tune conflict retries and snapshotting.
type Options struct {
	// MaxRetries bounds append retries on version conflicts. These retries
	// only absorb transient lock contention; a genuine concurrent edit still
	// surfaces as a ConcurrencyError for the caller to reload and retry.
	MaxRetries int
	// BaseDelay is the first backoff step; attempt n waits BaseDelay << n.
	BaseDelay time.Duration
	// SnapshotThreshold snapshots the aggregate each time its version
	// crosses a multiple of this value. Zero disables snapshotting.
	SnapshotThreshold uint64
}

func DefaultOptions() Options {
	return Options{MaxRetries: 3, BaseDelay: 50 * time.Millisecond, SnapshotThreshold: 20}
}

// Repository loads and saves one aggregate type through snapshot + replay.
type Repository struct {
	store EventStore
	snaps SnapshotStore
	newFn func(id string) domain.Aggregate
	opts  Options
	log   *zap.SugaredLogger
}

// New builds a repository for the aggregate type produced by newFn.
func New(store EventStore, snaps SnapshotStore, newFn func(id string) domain.Aggregate, opts Options, log *zap.SugaredLogger) *Repository {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 50 * time.Millisecond
	}
	return &Repository{store: store, snaps: snaps, newFn: newFn, opts: opts, log: log}
}

// Get reconstructs the aggregate: latest snapshot if any, then replay of
// events past the snapshot version.
func (r *Repository) Get(ctx context.Context, id string) (domain.Aggregate, error) {
	agg := r.newFn(id)

	var snapVersion uint64
	if r.snaps != nil {
		version, state, err := r.snaps.Load(ctx, id)
		switch {
		case err == nil:
			if err := agg.RestoreState(version, state); err != nil {
				// Corrupt snapshots are fatal, not a degraded mode.
				return nil, err
			}
			snapVersion = version
		case errors.Is(err, snapshot.ErrNoSnapshot):
		default:
			return nil, err
		}
	}

	events, err := r.store.Load(ctx, id, snapVersion)
	if err != nil {
		return nil, err
	}
	if snapVersion == 0 && len(events) == 0 {
		return nil, ErrNotFound
	}
	for _, evt := range events {
		if err := agg.ApplyEvent(evt); err != nil {
			return nil, err
		}
	}
	return agg, nil
}

// Save appends the aggregate's pending events under a version check, retrying
// conflicts with exponential backoff. On success pending events are cleared
// and returned with their assigned sequences, and a snapshot is written
// best-effort when the version crosses the threshold.
func (r *Repository) Save(ctx context.Context, agg domain.Aggregate) ([]domain.Event, error) {
	pending := agg.PendingEvents()
	if len(pending) == 0 {
		return nil, nil
	}
	expected := agg.Version() - uint64(len(pending))

	var appended []domain.Event
	var err error
	for attempt := 0; ; attempt++ {
		appended, err = r.store.Append(ctx, agg.AggregateID(), pending, expected)
		if err == nil {
			break
		}
		var conflict *eventstore.ConcurrencyError
		if !errors.As(err, &conflict) || attempt >= r.opts.MaxRetries-1 {
			return nil, err
		}
		delay := r.opts.BaseDelay << uint(attempt)
		r.log.Warnw("append conflict, retrying",
			"aggregate_id", agg.AggregateID(), "attempt", attempt+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	agg.ClearPendingEvents()

	r.maybeSnapshot(ctx, agg, expected)
	return appended, nil
}

// maybeSnapshot writes a snapshot when the save moved the version across a
// multiple of the threshold. Snapshot failure never fails the save.
func (r *Repository) maybeSnapshot(ctx context.Context, agg domain.Aggregate, previousVersion uint64) {
	t := r.opts.SnapshotThreshold
	if t == 0 || r.snaps == nil {
		return
	}
	if agg.Version()/t == previousVersion/t {
		return
	}
	state, err := agg.SerializeState()
	if err != nil {
		r.log.Errorw("serialize snapshot state", "aggregate_id", agg.AggregateID(), "error", err)
		return
	}
	if err := r.snaps.Save(ctx, agg.AggregateID(), agg.Version(), state); err != nil {
		r.log.Errorw("save snapshot", "aggregate_id", agg.AggregateID(), "error", err)
	}
}
