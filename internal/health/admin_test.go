package health

import (
	"context"
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
	"github.com/compliancehq/review-engine/internal/eventstore"
	"github.com/compliancehq/review-engine/internal/model"
	"github.com/compliancehq/review-engine/internal/projection"
	"github.com/compliancehq/review-engine/internal/tracker"
)

type fixture struct {
	db       *gorm.DB
	store    *eventstore.Store
	tracker  *tracker.Tracker
	summary  *projection.SummaryProjection
	findings *projection.FindingsProjection
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&model.Event{}, &model.Snapshot{},
		&model.ProjectionFailure{}, &model.ProjectionCheckpoint{}, &model.ProjectionHealthMetric{},
		&model.DocumentSummary{}, &model.FindingRow{},
	))

	log := zap.NewNop().Sugar()
	store := eventstore.NewStore(db, log)
	trk := tracker.New(db, tracker.Options{
		MaxRetries: 3,
		Schedule:   []time.Duration{time.Millisecond},
	}, log)
	summary := projection.NewSummaryProjection(db, nil, log)
	findings := projection.NewFindingsProjection(db, log)
	svc := NewService(store, trk, []projection.Projection{summary, findings}, log)
	return &fixture{db: db, store: store, tracker: trk, summary: summary, findings: findings, svc: svc}
}

// seedReview appends a review with two findings and returns its events.
func seedReview(t *testing.T, f *fixture) []domain.Event {
	t.Helper()
	doc, err := domain.UploadDocument("contract", "application/pdf", "ana")
	require.NoError(t, err)
	require.NoError(t, doc.StartAnalysis("ana"))
	_, err = doc.RecordFinding("data-retention", "high", "clause 4.2")
	require.NoError(t, err)
	_, err = doc.RecordFinding("pii-exposure", "medium", "annex B")
	require.NoError(t, err)

	events, err := f.store.Append(context.Background(), doc.AggregateID(), doc.PendingEvents(), 0)
	require.NoError(t, err)
	return events
}

func TestProjectionHealth_LagBehindHead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	events := seedReview(t, f)

	// The summary projection has only processed the first two events.
	require.NoError(t, f.tracker.RecordSuccess(ctx, events[0], "document_summary"))
	require.NoError(t, f.tracker.RecordSuccess(ctx, events[1], "document_summary"))

	rep, err := f.svc.ProjectionHealth(ctx, "document_summary")
	require.NoError(t, err)
	assert.Equal(t, tracker.StatusHealthy, rep.Status)
	assert.Equal(t, events[1].Sequence, rep.LastEventSequence)
	assert.Equal(t, events[3].Sequence, rep.LatestSequence)
	assert.Equal(t, uint64(2), rep.SequenceLag)
	assert.GreaterOrEqual(t, rep.LagSeconds, float64(0))

	_, err = f.svc.ProjectionHealth(ctx, "nope")
	assert.True(t, errors.Is(err, ErrUnknownProjection))
}

func TestSystemHealth_WorstStatusWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	events := seedReview(t, f)

	_, err := f.tracker.RecordFailure(ctx, events[0], "document_findings", errors.New("boom"))
	require.NoError(t, err)

	rep, err := f.svc.SystemHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, tracker.StatusDegraded, rep.Status)
	assert.Len(t, rep.Projections, 2)
}

func TestReplay_RangeAgainstProjection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	events := seedReview(t, f)

	res, err := f.svc.Replay(ctx, "document_findings", events[0].Sequence, events[len(events)-1].Sequence, false)
	require.NoError(t, err)
	// Only the two finding events are handleable by this projection.
	assert.Equal(t, 2, res.Succeeded)
	assert.Zero(t, res.Failed)

	rows, err := f.findings.ListByDocument(ctx, events[0].AggregateID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	cp, err := f.tracker.Checkpoint(ctx, "document_findings")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, events[len(events)-1].Sequence, cp.LastEventSequence)
}

func TestReplay_SkipFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	events := seedReview(t, f)

	// The third event (first finding) has an open failure.
	_, err := f.tracker.RecordFailure(ctx, events[2], "document_findings", errors.New("boom"))
	require.NoError(t, err)

	res, err := f.svc.Replay(ctx, "document_findings", 0, 0, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Succeeded)
}

func TestReset_ClearsCheckpointAndReadModel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedReview(t, f)

	_, err := f.svc.Replay(ctx, "document_findings", 0, 0, false)
	require.NoError(t, err)

	require.NoError(t, f.svc.Reset(ctx, "document_findings"))

	cp, err := f.tracker.Checkpoint(ctx, "document_findings")
	require.NoError(t, err)
	assert.Nil(t, cp)

	var count int64
	require.NoError(t, f.db.Model(&model.FindingRow{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestResolve_Strategies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	events := seedReview(t, f)

	failureID, err := f.tracker.RecordFailure(ctx, events[2], "document_findings", errors.New("boom"))
	require.NoError(t, err)

	assert.True(t, errors.Is(f.svc.Resolve(ctx, failureID, "nonsense"), ErrBadStrategy))

	// retry re-dispatches the stored event and resolves on success.
	require.NoError(t, f.svc.Resolve(ctx, failureID, tracker.ResolutionRetry))
	fl, err := f.tracker.Failure(ctx, failureID)
	require.NoError(t, err)
	assert.NotNil(t, fl.ResolvedAt)

	rows, err := f.findings.ListByDocument(ctx, events[0].AggregateID)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	// skip closes a second failure without touching the read model.
	failureID2, err := f.tracker.RecordFailure(ctx, events[3], "document_findings", errors.New("boom"))
	require.NoError(t, err)
	require.NoError(t, f.svc.Resolve(ctx, failureID2, tracker.ResolutionSkip))
	fl, err = f.tracker.Failure(ctx, failureID2)
	require.NoError(t, err)
	require.NotNil(t, fl.ResolutionMethod)
	assert.Equal(t, tracker.ResolutionSkip, *fl.ResolutionMethod)
}
