package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/compliancehq/review-engine/internal/domain"
	"github.com/compliancehq/review-engine/internal/projection"
	"github.com/compliancehq/review-engine/internal/tracker"
)

// ErrUnknownProjection is returned for operations naming an unregistered
// projection.
var ErrUnknownProjection = errors.New("unknown projection")

// ErrBadStrategy is returned for an unrecognized resolution strategy.
var ErrBadStrategy = errors.New("unknown resolution strategy")

// EventSource is the slice of the event log the admin surface needs.
type EventSource interface {
	LoadAll(ctx context.Context, fromSequence uint64, limit int) ([]domain.Event, error)
	LoadByID(ctx context.Context, eventID string) (domain.Event, error)
	MaxSequence(ctx context.Context) (uint64, error)
}

// ProjectionReport is the operator view of one projection.
type ProjectionReport struct {
	Name                 string     `json:"name"`
	Status               string     `json:"status"`
	ActiveFailures       uint64     `json:"active_failures"`
	TotalFailures        uint64     `json:"total_failures"`
	TotalEventsProcessed uint64     `json:"total_events_processed"`
	LastSuccessAt        *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt        *time.Time `json:"last_failure_at,omitempty"`
	LastEventSequence    uint64     `json:"last_event_sequence"`
	LatestSequence       uint64     `json:"latest_sequence"`
	SequenceLag          uint64     `json:"sequence_lag"`
	LagSeconds           float64    `json:"lag_seconds"`
}

// SystemReport aggregates every projection; Status is the worst projection
// status.
type SystemReport struct {
	Status         string             `json:"status"`
	LatestSequence uint64             `json:"latest_sequence"`
	Projections    []ProjectionReport `json:"projections"`
}

// ReplayResult summarizes one replay run.
type ReplayResult struct {
	Projection string `json:"projection"`
	From       uint64 `json:"from_sequence"`
	To         uint64 `json:"to_sequence"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
}

// Service is the read-only health surface plus the operator compensation
// actions (replay, reset, resolve). An external API layer fronts it.
type Service struct {
	events      EventSource
	tracker     *tracker.Tracker
	projections map[string]projection.Projection
	log         *zap.SugaredLogger
	now         func() time.Time
}

func NewService(events EventSource, t *tracker.Tracker, projections []projection.Projection, log *zap.SugaredLogger) *Service {
	byName := make(map[string]projection.Projection, len(projections))
	for _, p := range projections {
		byName[p.Name()] = p
	}
	return &Service{events: events, tracker: t, projections: byName, log: log, now: time.Now}
}

// ProjectionHealth reports one projection's status, failure counters and lag
// behind the head of the event log.
func (s *Service) ProjectionHealth(ctx context.Context, name string) (*ProjectionReport, error) {
	if _, ok := s.projections[name]; !ok {
		return nil, ErrUnknownProjection
	}
	latest, err := s.events.MaxSequence(ctx)
	if err != nil {
		return nil, err
	}
	return s.report(ctx, name, latest)
}

// SystemHealth reports every registered projection plus the worst status.
func (s *Service) SystemHealth(ctx context.Context) (*SystemReport, error) {
	latest, err := s.events.MaxSequence(ctx)
	if err != nil {
		return nil, err
	}
	out := &SystemReport{Status: tracker.StatusHealthy, LatestSequence: latest}
	for name := range s.projections {
		rep, err := s.report(ctx, name, latest)
		if err != nil {
			return nil, err
		}
		out.Projections = append(out.Projections, *rep)
		if statusRank(rep.Status) > statusRank(out.Status) {
			out.Status = rep.Status
		}
	}
	return out, nil
}

func (s *Service) report(ctx context.Context, name string, latest uint64) (*ProjectionReport, error) {
	metric, err := s.tracker.Health(ctx, name)
	if err != nil {
		return nil, err
	}
	rep := &ProjectionReport{
		Name:                 name,
		Status:               metric.HealthStatus,
		ActiveFailures:       metric.ActiveFailures,
		TotalFailures:        metric.TotalFailures,
		TotalEventsProcessed: metric.TotalEventsProcessed,
		LastSuccessAt:        metric.LastSuccessAt,
		LastFailureAt:        metric.LastFailureAt,
		LatestSequence:       latest,
	}
	cp, err := s.tracker.Checkpoint(ctx, name)
	if err != nil {
		return nil, err
	}
	if cp != nil {
		rep.LastEventSequence = cp.LastEventSequence
	}
	if latest > rep.LastEventSequence {
		rep.SequenceLag = latest - rep.LastEventSequence
		// Time lag only makes sense while the projection is behind; it is
		// measured from the last durable checkpoint.
		if cp != nil {
			rep.LagSeconds = s.now().UTC().Sub(cp.CheckpointAt).Seconds()
		}
	}
	return rep, nil
}

// Checkpoint exposes a projection's raw checkpoint row.
func (s *Service) Checkpoint(ctx context.Context, name string) (interface{}, error) {
	if _, ok := s.projections[name]; !ok {
		return nil, ErrUnknownProjection
	}
	cp, err := s.tracker.Checkpoint(ctx, name)
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// FailureHistory lists a projection's failures, newest first.
func (s *Service) FailureHistory(ctx context.Context, name string, limit int) (interface{}, error) {
	if _, ok := s.projections[name]; !ok {
		return nil, ErrUnknownProjection
	}
	return s.tracker.FailureHistory(ctx, name, limit)
}

const replayBatch = 200

// Replay re-dispatches the global sequence range [from, to] against one
// projection. With skipFailed set, events whose (event, projection) pair has
// an open failure row are skipped instead of retried.
func (s *Service) Replay(ctx context.Context, name string, from, to uint64, skipFailed bool) (*ReplayResult, error) {
	proj, ok := s.projections[name]
	if !ok {
		return nil, ErrUnknownProjection
	}
	if to != 0 && to < from {
		return nil, fmt.Errorf("invalid range: to %d < from %d", to, from)
	}
	res := &ReplayResult{Projection: name, From: from, To: to}

	cursor := from
	if cursor > 0 {
		cursor--
	}
	for {
		events, err := s.events.LoadAll(ctx, cursor, replayBatch)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			break
		}
		for _, evt := range events {
			if to != 0 && evt.Sequence > to {
				return res, nil
			}
			cursor = evt.Sequence
			if !proj.CanHandle(evt) {
				continue
			}
			if skipFailed {
				failed, err := s.tracker.HasUnresolvedFailure(ctx, evt.ID, name)
				if err != nil {
					return nil, err
				}
				if failed {
					res.Skipped++
					continue
				}
			}
			if err := proj.Handle(ctx, evt); err != nil {
				res.Failed++
				if _, rerr := s.tracker.RecordFailure(ctx, evt, name, err); rerr != nil {
					return nil, rerr
				}
				continue
			}
			res.Succeeded++
			if err := s.tracker.RecordSuccess(ctx, evt, name); err != nil {
				return nil, err
			}
		}
	}
	return res, nil
}

// Reset wipes a projection's checkpoint, health counters and read model so
// the next replay rebuilds it from scratch.
func (s *Service) Reset(ctx context.Context, name string) error {
	proj, ok := s.projections[name]
	if !ok {
		return ErrUnknownProjection
	}
	if r, ok := proj.(projection.Resettable); ok {
		if err := r.Reset(ctx); err != nil {
			return err
		}
	}
	if err := s.tracker.ResetCheckpoint(ctx, name); err != nil {
		return err
	}
	s.log.Infow("projection reset", "projection", name)
	return nil
}

// Resolve closes one failure. Strategy "retry" re-dispatches the stored
// event immediately; "skip" and "manual_fix" mark it resolved as-is.
func (s *Service) Resolve(ctx context.Context, failureID uint64, strategy string) error {
	switch strategy {
	case tracker.ResolutionRetry:
		return s.resolveByRetry(ctx, failureID)
	case tracker.ResolutionSkip, tracker.ResolutionManualFix:
		return s.tracker.Resolve(ctx, failureID, strategy)
	default:
		return fmt.Errorf("%w: %q", ErrBadStrategy, strategy)
	}
}

func (s *Service) resolveByRetry(ctx context.Context, failureID uint64) error {
	f, err := s.tracker.Failure(ctx, failureID)
	if err != nil {
		return err
	}
	proj, ok := s.projections[f.ProjectionName]
	if !ok {
		return ErrUnknownProjection
	}
	evt, err := s.events.LoadByID(ctx, f.EventID)
	if err != nil {
		return err
	}
	if err := proj.Handle(ctx, evt); err != nil {
		if _, rerr := s.tracker.RecordFailure(ctx, evt, f.ProjectionName, err); rerr != nil {
			return rerr
		}
		return err
	}
	return s.tracker.RecordSuccess(ctx, evt, f.ProjectionName)
}

func statusRank(status string) int {
	switch status {
	case tracker.StatusHealthy:
		return 0
	case tracker.StatusDegraded:
		return 1
	case tracker.StatusCritical:
		return 2
	default:
		return 3
	}
}
