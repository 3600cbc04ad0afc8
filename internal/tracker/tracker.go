package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/compliancehq/review-engine/internal/domain"
	"github.com/compliancehq/review-engine/internal/model"
)

// Health statuses derived from a projection's unresolved failure count.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusCritical = "critical"
	StatusOffline  = "offline"
)

// Resolution methods recorded when a failure is closed.
const (
	ResolutionRetry     = "retry"
	ResolutionSkip      = "skip"
	ResolutionManualFix = "manual_fix"
)

// ErrFailureNotFound is returned when resolving an unknown failure id.
var ErrFailureNotFound = errors.New("projection failure not found")

// Options tune the retry schedule shared by the tracker and its worker.
type Options struct {
	// MaxRetries caps background retries per failure. Exhausted failures
	// stay unresolved and visible in health until an operator acts.
	MaxRetries int
	// Schedule is the backoff between retries; the last step repeats.
	Schedule []time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxRetries: 5,
		Schedule: []time.Duration{
			1 * time.Second, 2 * time.Second, 4 * time.Second,
			8 * time.Second, 16 * time.Second,
		},
	}
}

// Tracker persists projection failures, advances per-projection checkpoints,
// and keeps the aggregated health rows current. All writes are single-key
// upserts, so no locking beyond the row transaction is needed.
type Tracker struct {
	db   *gorm.DB
	opts Options
	log  *zap.SugaredLogger

	now func() time.Time
}

func New(db *gorm.DB, opts Options, log *zap.SugaredLogger) *Tracker {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultOptions().MaxRetries
	}
	if len(opts.Schedule) == 0 {
		opts.Schedule = DefaultOptions().Schedule
	}
	return &Tracker{db: db, opts: opts, log: log, now: time.Now}
}

// RecordFailure upserts the failure row keyed by (event_id, projection_name)
// and refreshes the projection's health. Returns the failure row id.
func (t *Tracker) RecordFailure(ctx context.Context, evt domain.Event, projectionName string, cause error) (uint64, error) {
	now := t.now().UTC()
	var id uint64
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row model.ProjectionFailure
		err := tx.Where("event_id = ? AND projection_name = ?", evt.ID, projectionName).
			First(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row = model.ProjectionFailure{
				EventID:        evt.ID,
				EventType:      evt.Type,
				ProjectionName: projectionName,
				ErrorMessage:   cause.Error(),
				ErrorTrace:     fmt.Sprintf("%+v", cause),
				RetryCount:     0,
				MaxRetries:     t.opts.MaxRetries,
				FailedAt:       now,
				NextRetryAt:    now.Add(t.backoff(0)),
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			row.RetryCount++
			row.ErrorMessage = cause.Error()
			row.ErrorTrace = fmt.Sprintf("%+v", cause)
			row.FailedAt = now
			row.NextRetryAt = now.Add(t.backoff(row.RetryCount))
			row.ResolvedAt = nil
			row.ResolutionMethod = nil
			if err := tx.Save(&row).Error; err != nil {
				return err
			}
		}
		id = row.ID
		return t.refreshHealth(tx, projectionName, func(m *model.ProjectionHealthMetric) {
			m.TotalFailures++
			failedAt := now
			m.LastFailureAt = &failedAt
		})
	})
	return id, err
}

// RecordSuccess advances the projection's checkpoint, resolves any prior
// failure for this exact event, and refreshes health. The checkpoint's
// last_event_sequence never moves backwards, which keeps replays of old
// events harmless.
func (t *Tracker) RecordSuccess(ctx context.Context, evt domain.Event, projectionName string) error {
	now := t.now().UTC()
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cp model.ProjectionCheckpoint
		err := tx.Where("projection_name = ?", projectionName).First(&cp).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			cp = model.ProjectionCheckpoint{
				ProjectionName:    projectionName,
				LastEventID:       evt.ID,
				LastEventType:     evt.Type,
				LastEventSequence: evt.Sequence,
				EventsProcessed:   1,
				CheckpointAt:      now,
			}
			if err := tx.Create(&cp).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			cp.EventsProcessed++
			cp.CheckpointAt = now
			if evt.Sequence >= cp.LastEventSequence {
				cp.LastEventID = evt.ID
				cp.LastEventType = evt.Type
				cp.LastEventSequence = evt.Sequence
			}
			if err := tx.Save(&cp).Error; err != nil {
				return err
			}
		}

		method := ResolutionRetry
		err = tx.Model(&model.ProjectionFailure{}).
			Where("event_id = ? AND projection_name = ? AND resolved_at IS NULL", evt.ID, projectionName).
			Updates(map[string]interface{}{
				"resolved_at":       &now,
				"resolution_method": &method,
			}).Error
		if err != nil {
			return err
		}

		return t.refreshHealth(tx, projectionName, func(m *model.ProjectionHealthMetric) {
			m.TotalEventsProcessed++
			successAt := now
			m.LastSuccessAt = &successAt
		})
	})
}

// DueForRetry returns unresolved failures whose next_retry_at has passed and
// whose retry budget is not exhausted, oldest first.
func (t *Tracker) DueForRetry(ctx context.Context, limit int) ([]model.ProjectionFailure, error) {
	var rows []model.ProjectionFailure
	q := t.db.WithContext(ctx).
		Where("resolved_at IS NULL AND next_retry_at <= ? AND retry_count < max_retries", t.now().UTC()).
		Order("next_retry_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&rows).Error
	return rows, err
}

// Resolve closes one failure manually with the given method.
func (t *Tracker) Resolve(ctx context.Context, failureID uint64, method string) error {
	now := t.now().UTC()
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row model.ProjectionFailure
		if err := tx.First(&row, failureID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrFailureNotFound
			}
			return err
		}
		row.ResolvedAt = &now
		row.ResolutionMethod = &method
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		return t.refreshHealth(tx, row.ProjectionName, nil)
	})
}

// Failure fetches one failure row by id.
func (t *Tracker) Failure(ctx context.Context, failureID uint64) (*model.ProjectionFailure, error) {
	var row model.ProjectionFailure
	err := t.db.WithContext(ctx).First(&row, failureID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrFailureNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// FailureHistory lists a projection's failures, newest first.
func (t *Tracker) FailureHistory(ctx context.Context, projectionName string, limit int) ([]model.ProjectionFailure, error) {
	var rows []model.ProjectionFailure
	q := t.db.WithContext(ctx).
		Where("projection_name = ?", projectionName).
		Order("failed_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&rows).Error
	return rows, err
}

// HasUnresolvedFailure reports whether the (event, projection) pair has an
// open failure row. Used by replay's skip_failed mode.
func (t *Tracker) HasUnresolvedFailure(ctx context.Context, eventID, projectionName string) (bool, error) {
	var n int64
	err := t.db.WithContext(ctx).Model(&model.ProjectionFailure{}).
		Where("event_id = ? AND projection_name = ? AND resolved_at IS NULL", eventID, projectionName).
		Count(&n).Error
	return n > 0, err
}

// Checkpoint returns the projection's checkpoint row, nil if it has never
// processed an event.
func (t *Tracker) Checkpoint(ctx context.Context, projectionName string) (*model.ProjectionCheckpoint, error) {
	var cp model.ProjectionCheckpoint
	err := t.db.WithContext(ctx).Where("projection_name = ?", projectionName).First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// ResetCheckpoint removes the checkpoint row so the projection rebuilds from
// sequence zero, and clears its health counters.
func (t *Tracker) ResetCheckpoint(ctx context.Context, projectionName string) error {
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("projection_name = ?", projectionName).
			Delete(&model.ProjectionCheckpoint{}).Error
		if err != nil {
			return err
		}
		return tx.Where("projection_name = ?", projectionName).
			Delete(&model.ProjectionHealthMetric{}).Error
	})
}

// Health returns the projection's health row, a fresh healthy row if it has
// never been touched.
func (t *Tracker) Health(ctx context.Context, projectionName string) (*model.ProjectionHealthMetric, error) {
	var m model.ProjectionHealthMetric
	err := t.db.WithContext(ctx).Where("projection_name = ?", projectionName).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &model.ProjectionHealthMetric{
			ProjectionName: projectionName,
			HealthStatus:   StatusHealthy,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// AllHealth lists every projection's health row.
func (t *Tracker) AllHealth(ctx context.Context) ([]model.ProjectionHealthMetric, error) {
	var rows []model.ProjectionHealthMetric
	err := t.db.WithContext(ctx).Order("projection_name").Find(&rows).Error
	return rows, err
}

// refreshHealth recomputes the projection's health row inside the caller's
// transaction. mutate applies the per-call counter bumps before the derived
// fields are recomputed.
func (t *Tracker) refreshHealth(tx *gorm.DB, projectionName string, mutate func(*model.ProjectionHealthMetric)) error {
	var m model.ProjectionHealthMetric
	err := tx.Where("projection_name = ?", projectionName).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		m = model.ProjectionHealthMetric{ProjectionName: projectionName}
	} else if err != nil {
		return err
	}
	if mutate != nil {
		mutate(&m)
	}

	var active int64
	err = tx.Model(&model.ProjectionFailure{}).
		Where("projection_name = ? AND resolved_at IS NULL", projectionName).
		Count(&active).Error
	if err != nil {
		return err
	}
	m.ActiveFailures = uint64(active)
	m.HealthStatus = DeriveStatus(m.ActiveFailures)
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "projection_name"}},
		UpdateAll: true,
	}).Create(&m).Error
}

// DeriveStatus maps an unresolved-failure count onto a health status.
func DeriveStatus(activeFailures uint64) string {
	switch {
	case activeFailures == 0:
		return StatusHealthy
	case activeFailures < 10:
		return StatusDegraded
	case activeFailures < 50:
		return StatusCritical
	default:
		return StatusOffline
	}
}

// backoff returns the wait before the next retry after retryCount failures;
// the schedule's last step repeats once exhausted.
func (t *Tracker) backoff(retryCount int) time.Duration {
	if retryCount >= len(t.opts.Schedule) {
		return t.opts.Schedule[len(t.opts.Schedule)-1]
	}
	return t.opts.Schedule[retryCount]
}
