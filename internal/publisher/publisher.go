package publisher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/compliancehq/review-engine/internal/domain"
	"github.com/compliancehq/review-engine/internal/projection"
	"github.com/compliancehq/review-engine/internal/tracker"
)

// FailureRecorder is the slice of the tracker the publisher needs.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, evt domain.Event, projectionName string, cause error) (uint64, error)
	RecordSuccess(ctx context.Context, evt domain.Event, projectionName string) error
}

// BusWriter fans committed events out to external consumers.
type BusWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Options tune inline dispatch retries.
type Options struct {
	MaxRetries int
	// Backoff gives the wait before attempt n+1; the last step repeats.
	Backoff []time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxRetries: 3,
		Backoff:    []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second},
	}
}

// Publisher dispatches each committed event to every projection that can
// handle it, then fans the event out to the bus. A failing projection never
// blocks the others, and every exhausted failure is recorded — this path is
// the only place read-model divergence would otherwise go unnoticed.
type Publisher struct {
	projections []projection.Projection
	tracker     FailureRecorder
	writer      BusWriter
	opts        Options
	log         *zap.SugaredLogger
}

func New(projections []projection.Projection, t FailureRecorder, writer BusWriter, opts Options, log *zap.SugaredLogger) *Publisher {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultOptions().MaxRetries
	}
	if len(opts.Backoff) == 0 {
		opts.Backoff = DefaultOptions().Backoff
	}
	return &Publisher{projections: projections, tracker: t, writer: writer, opts: opts, log: log}
}

// Publish dispatches one appended event. Called after the append transaction
// has committed.
func (p *Publisher) Publish(ctx context.Context, evt domain.Event) {
	for _, proj := range p.projections {
		if !proj.CanHandle(evt) {
			continue
		}
		p.dispatch(ctx, proj, evt)
	}
	p.fanOut(ctx, evt)
}

func (p *Publisher) dispatch(ctx context.Context, proj projection.Projection, evt domain.Event) {
	var err error
	for attempt := 0; attempt < p.opts.MaxRetries; attempt++ {
		if err = proj.Handle(ctx, evt); err == nil {
			if rerr := p.tracker.RecordSuccess(ctx, evt, proj.Name()); rerr != nil {
				p.log.Errorw("record projection success",
					"event_id", evt.ID, "projection", proj.Name(), "error", rerr)
			}
			return
		}
		p.log.Warnw("projection handle failed",
			"event_id", evt.ID, "projection", proj.Name(), "attempt", attempt+1, "error", err)
		if attempt == p.opts.MaxRetries-1 {
			break
		}
		select {
		case <-time.After(p.backoff(attempt)):
		case <-ctx.Done():
			attempt = p.opts.MaxRetries
		}
	}

	// Inline retries exhausted. Recording the failure must never be skipped
	// or swallowed; it is what keeps the divergence visible to operators.
	failureID, rerr := p.tracker.RecordFailure(ctx, evt, proj.Name(), err)
	if rerr != nil {
		p.log.Errorw("RECORDING PROJECTION FAILURE FAILED, read model may diverge silently",
			"event_id", evt.ID, "projection", proj.Name(), "handle_error", err, "record_error", rerr)
		return
	}
	p.log.Errorw("projection dispatch exhausted, failure tracked",
		"event_id", evt.ID, "projection", proj.Name(), "failure_id", failureID, "error", err)
}

func (p *Publisher) fanOut(ctx context.Context, evt domain.Event) {
	if p.writer == nil {
		return
	}
	value, err := json.Marshal(evt)
	if err != nil {
		p.log.Errorw("marshal event envelope", "event_id", evt.ID, "error", err)
		return
	}
	msg := kafka.Message{
		Key:   []byte(evt.AggregateID),
		Value: value,
		Time:  evt.OccurredAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		// Best-effort; external consumers can rebuild from the log.
		p.log.Warnw("bus fan-out failed", "event_id", evt.ID, "error", err)
	}
}

func (p *Publisher) backoff(step int) time.Duration {
	if step >= len(p.opts.Backoff) {
		return p.opts.Backoff[len(p.opts.Backoff)-1]
	}
	return p.opts.Backoff[step]
}

var _ FailureRecorder = (*tracker.Tracker)(nil)
