package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/compliancehq/review-engine/internal/domain"
	"github.com/compliancehq/review-engine/internal/model"
)

func newTestDB(t *testing.T) *gorm.DB {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&model.Event{}, &model.ProjectionFailure{},
		&model.ProjectionCheckpoint{}, &model.ProjectionHealthMetric{},
	))
	return db
}

func newTestTracker(t *testing.T) *Tracker {
	return New(newTestDB(t), Options{
		MaxRetries: 3,
		Schedule:   []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second},
	}, zap.NewNop().Sugar())
}

func testEvent(sequence uint64) domain.Event {
	return domain.Event{
		ID:            uuid.NewString(),
		AggregateID:   "doc-1",
		AggregateType: domain.AggregateTypeDocumentReview,
		Type:          domain.EventFindingRecorded,
		Version:       sequence,
		Sequence:      sequence,
		Payload:       json.RawMessage(`{}`),
		OccurredAt:    time.Now().UTC(),
	}
}

func TestDeriveStatus(t *testing.T) {
	assert.Equal(t, StatusHealthy, DeriveStatus(0))
	assert.Equal(t, StatusDegraded, DeriveStatus(1))
	assert.Equal(t, StatusDegraded, DeriveStatus(9))
	assert.Equal(t, StatusCritical, DeriveStatus(10))
	assert.Equal(t, StatusCritical, DeriveStatus(49))
	assert.Equal(t, StatusOffline, DeriveStatus(50))
}

func TestRecordFailure_UpsertsAndSchedulesBackoff(t *testing.T) {
	trk := newTestTracker(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	trk.now = func() time.Time { return base }
	ctx := context.Background()
	evt := testEvent(1)

	id1, err := trk.RecordFailure(ctx, evt, "document_summary", errors.New("boom"))
	require.NoError(t, err)

	f, err := trk.Failure(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, 0, f.RetryCount)
	assert.True(t, f.NextRetryAt.Equal(base.Add(1*time.Second)))
	assert.Nil(t, f.ResolvedAt)

	// Same (event, projection) pair updates in place.
	id2, err := trk.RecordFailure(ctx, evt, "document_summary", errors.New("boom again"))
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	f, err = trk.Failure(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, 1, f.RetryCount)
	assert.True(t, f.NextRetryAt.Equal(base.Add(2*time.Second)))
	assert.Equal(t, "boom again", f.ErrorMessage)

	m, err := trk.Health(ctx, "document_summary")
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, m.HealthStatus)
	assert.Equal(t, uint64(1), m.ActiveFailures)
	assert.Equal(t, uint64(2), m.TotalFailures)
	require.NotNil(t, m.LastFailureAt)
}

func TestHealthThresholds(t *testing.T) {
	trk := newTestTracker(t)
	ctx := context.Background()

	record := func(n int) {
		t.Helper()
		for i := 0; i < n; i++ {
			_, err := trk.RecordFailure(ctx, testEvent(uint64(100+i)), "document_summary", errors.New("x"))
			require.NoError(t, err)
		}
	}
	status := func() string {
		m, err := trk.Health(ctx, "document_summary")
		require.NoError(t, err)
		return m.HealthStatus
	}

	assert.Equal(t, StatusHealthy, status())
	record(9)
	assert.Equal(t, StatusDegraded, status())
	record(1)
	assert.Equal(t, StatusCritical, status())
	record(40)
	assert.Equal(t, StatusOffline, status())
}

func TestRecordSuccess_AdvancesCheckpointAndResolves(t *testing.T) {
	trk := newTestTracker(t)
	ctx := context.Background()
	evt := testEvent(7)

	failureID, err := trk.RecordFailure(ctx, evt, "document_summary", errors.New("boom"))
	require.NoError(t, err)

	require.NoError(t, trk.RecordSuccess(ctx, evt, "document_summary"))

	cp, err := trk.Checkpoint(ctx, "document_summary")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, evt.ID, cp.LastEventID)
	assert.Equal(t, uint64(7), cp.LastEventSequence)
	assert.Equal(t, uint64(1), cp.EventsProcessed)

	f, err := trk.Failure(ctx, failureID)
	require.NoError(t, err)
	require.NotNil(t, f.ResolvedAt)
	assert.Equal(t, ResolutionRetry, *f.ResolutionMethod)

	m, err := trk.Health(ctx, "document_summary")
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, m.HealthStatus)
	assert.Zero(t, m.ActiveFailures)
	assert.Equal(t, uint64(1), m.TotalEventsProcessed)
}

func TestCheckpoint_SequenceNeverDecreases(t *testing.T) {
	trk := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, trk.RecordSuccess(ctx, testEvent(5), "document_summary"))
	// Replaying an older event still counts but must not move the
	// checkpoint backwards.
	require.NoError(t, trk.RecordSuccess(ctx, testEvent(3), "document_summary"))

	cp, err := trk.Checkpoint(ctx, "document_summary")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), cp.LastEventSequence)
	assert.Equal(t, uint64(2), cp.EventsProcessed)
}

func TestDueForRetry(t *testing.T) {
	trk := newTestTracker(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	trk.now = func() time.Time { return base }
	ctx := context.Background()

	dueEvt, futureEvt := testEvent(1), testEvent(2)
	_, err := trk.RecordFailure(ctx, dueEvt, "document_summary", errors.New("x"))
	require.NoError(t, err)

	// Recorded later; its next_retry_at is still in the future when we poll.
	trk.now = func() time.Time { return base.Add(5 * time.Second) }
	_, err = trk.RecordFailure(ctx, futureEvt, "document_summary", errors.New("x"))
	require.NoError(t, err)

	trk.now = func() time.Time { return base.Add(5*time.Second + 500*time.Millisecond) }
	due, err := trk.DueForRetry(ctx, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, dueEvt.ID, due[0].EventID)
}

func TestDueForRetry_ExhaustedBudgetExcluded(t *testing.T) {
	trk := newTestTracker(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	trk.now = func() time.Time { return base }
	ctx := context.Background()
	evt := testEvent(1)

	// MaxRetries is 3; push retry_count to the cap.
	for i := 0; i < 4; i++ {
		_, err := trk.RecordFailure(ctx, evt, "document_summary", errors.New("x"))
		require.NoError(t, err)
	}

	trk.now = func() time.Time { return base.Add(time.Hour) }
	due, err := trk.DueForRetry(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestResolve_Manual(t *testing.T) {
	trk := newTestTracker(t)
	ctx := context.Background()

	failureID, err := trk.RecordFailure(ctx, testEvent(1), "document_summary", errors.New("x"))
	require.NoError(t, err)

	require.NoError(t, trk.Resolve(ctx, failureID, ResolutionSkip))

	f, err := trk.Failure(ctx, failureID)
	require.NoError(t, err)
	require.NotNil(t, f.ResolvedAt)
	assert.Equal(t, ResolutionSkip, *f.ResolutionMethod)

	m, err := trk.Health(ctx, "document_summary")
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, m.HealthStatus)

	assert.True(t, errors.Is(trk.Resolve(ctx, 9999, ResolutionSkip), ErrFailureNotFound))
}

func TestResetCheckpoint(t *testing.T) {
	trk := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, trk.RecordSuccess(ctx, testEvent(5), "document_summary"))
	require.NoError(t, trk.ResetCheckpoint(ctx, "document_summary"))

	cp, err := trk.Checkpoint(ctx, "document_summary")
	require.NoError(t, err)
	assert.Nil(t, cp)

	m, err := trk.Health(ctx, "document_summary")
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, m.HealthStatus)
	assert.Zero(t, m.TotalEventsProcessed)
}
