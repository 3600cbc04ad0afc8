package service

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
	"github.com/compliancehq/review-engine/internal/publisher"
	"github.com/compliancehq/review-engine/internal/repository"
	"github.com/compliancehq/review-engine/internal/snapshot"
	"github.com/compliancehq/review-engine/internal/tracker"
)

type testEnv struct {
	db       *gorm.DB
	store    *eventstore.Store
	tracker  *tracker.Tracker
	summary  *projection.SummaryProjection
	findings *projection.FindingsProjection
	svc      *ReviewService
}

func newTestEnv(t *testing.T) (*testEnv, context.Context) {
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
	snaps := snapshot.NewStore(db, log)
	repo := repository.New(store, snaps,
		func(id string) domain.Aggregate { return domain.NewDocumentReview(id) },
		repository.Options{MaxRetries: 3, BaseDelay: time.Millisecond, SnapshotThreshold: 5},
		log)

	summary := projection.NewSummaryProjection(db, nil, log)
	findings := projection.NewFindingsProjection(db, log)
	trk := tracker.New(db, tracker.Options{
		MaxRetries: 3,
		Schedule:   []time.Duration{time.Millisecond},
	}, log)
	pub := publisher.New([]projection.Projection{summary, findings}, trk, nil,
		publisher.Options{MaxRetries: 2, Backoff: []time.Duration{time.Millisecond}}, log)

	svc := NewReviewService(repo, pub, log)
	return &testEnv{db: db, store: store, tracker: trk, summary: summary, findings: findings, svc: svc},
		context.Background()
}

func TestReviewService_FullFlow(t *testing.T) {
	env, ctx := newTestEnv(t)
	svc := env.svc

	// upload
	docID, err := svc.UploadDocument(ctx, "Q3 vendor contract", "application/pdf", "ana")
	require.NoError(t, err)
	require.NotEmpty(t, docID)

	// findings are illegal before analysis starts
	_, err = svc.RecordFinding(ctx, docID, "data-retention", "high", "clause 4.2")
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

	// analyze against a policy
	require.NoError(t, svc.StartAnalysis(ctx, docID, "ana"))
	require.NoError(t, svc.AttachPolicy(ctx, docID, "policy-gdpr"))

	f1, err := svc.RecordFinding(ctx, docID, "data-retention", "high", "clause 4.2")
	require.NoError(t, err)
	f2, err := svc.RecordFinding(ctx, docID, "pii-exposure", "medium", "annex B")
	require.NoError(t, err)
	require.NoError(t, svc.ResolveFinding(ctx, docID, f1, "clause amended"))

	// write side reconstructs correctly
	doc, err := svc.GetReview(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), doc.Version())
	assert.Equal(t, 1, doc.OpenFindings())

	// read models caught up synchronously through the publisher
	row, err := env.summary.GetSummary(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, 2, row.TotalFindings)
	assert.Equal(t, 1, row.OpenFindings)
	assert.Equal(t, "90", row.ComplianceScore.String())

	rows, err := env.findings.ListByDocument(ctx, docID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	byID := map[string]model.FindingRow{rows[0].FindingID: rows[0], rows[1].FindingID: rows[1]}
	assert.Equal(t, domain.FindingStatusResolved, byID[f1].Status)
	assert.Equal(t, domain.FindingStatusOpen, byID[f2].Status)

	// complete
	require.NoError(t, svc.CompleteReview(ctx, docID, "approved"))
	doc, err = svc.GetReview(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, doc.Status)
	assert.Equal(t, "approved", doc.Outcome)

	// the version crossed the snapshot threshold of 5 along the way
	snaps := snapshot.NewStore(env.db, zap.NewNop().Sugar())
	version, _, err := snaps.Load(ctx, docID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, version, uint64(5))

	// checkpoints advanced for both projections
	cp, err := env.tracker.Checkpoint(ctx, "document_summary")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, uint64(7), cp.EventsProcessed)
}

func TestReviewService_UnknownDocument(t *testing.T) {
	env, ctx := newTestEnv(t)

	err := env.svc.StartAnalysis(ctx, "missing", "ana")
	assert.True(t, errors.Is(err, repository.ErrNotFound))
}
