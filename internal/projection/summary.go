package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/compliancehq/review-engine/internal/domain"
	"github.com/compliancehq/review-engine/internal/model"
)

// openFindingPenalty is subtracted from 100 per open finding.
var openFindingPenalty = decimal.NewFromInt(10)

const summaryCacheTTL = 5 * time.Minute

// SummaryProjection maintains one document_summaries row per document and
// caches the current row in Redis for the read API.
type SummaryProjection struct {
	db  *gorm.DB
	rdb *redis.Client
	log *zap.SugaredLogger
}

func NewSummaryProjection(db *gorm.DB, rdb *redis.Client, log *zap.SugaredLogger) *SummaryProjection {
	return &SummaryProjection{db: db, rdb: rdb, log: log}
}

func (p *SummaryProjection) Name() string { return "document_summary" }

func (p *SummaryProjection) CanHandle(evt domain.Event) bool {
	return evt.AggregateType == domain.AggregateTypeDocumentReview
}

func (p *SummaryProjection) Handle(ctx context.Context, evt domain.Event) error {
	var row model.DocumentSummary
	err := p.db.WithContext(ctx).Where("document_id = ?", evt.AggregateID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = model.DocumentSummary{
			DocumentID:      evt.AggregateID,
			ComplianceScore: decimal.NewFromInt(100),
		}
	} else if err != nil {
		return err
	}

	if err := p.fold(ctx, &row, evt); err != nil {
		return err
	}
	row.LastEventAt = evt.OccurredAt
	row.ComplianceScore = score(row.OpenFindings)

	err = p.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "document_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"title", "status", "policy_id", "total_findings", "open_findings",
				"compliance_score", "last_event_at", "updated_at",
			}),
		}).
		Create(&row).Error
	if err != nil {
		return err
	}
	p.cache(ctx, &row)
	return nil
}

func (p *SummaryProjection) fold(ctx context.Context, row *model.DocumentSummary, evt domain.Event) error {
	switch evt.Type {
	case domain.EventDocumentUploaded:
		var e domain.DocumentUploaded
		if err := json.Unmarshal(evt.Payload, &e); err != nil {
			return err
		}
		row.Title = e.Title
		row.Status = domain.StatusUploaded
	case domain.EventAnalysisStarted:
		row.Status = domain.StatusAnalyzing
	case domain.EventPolicyAttached:
		var e domain.PolicyAttached
		if err := json.Unmarshal(evt.Payload, &e); err != nil {
			return err
		}
		row.PolicyID = &e.PolicyID
	case domain.EventFindingRecorded:
		// Counts are recomputed from finding_rows so a replayed event does
		// not double-count.
		return p.recount(ctx, row, evt)
	case domain.EventFindingResolved:
		return p.recount(ctx, row, evt)
	case domain.EventReviewCompleted:
		row.Status = domain.StatusCompleted
	}
	return nil
}

// recount derives finding counters from the authoritative event stream of
// the document rather than incrementing, keeping Handle idempotent.
func (p *SummaryProjection) recount(ctx context.Context, row *model.DocumentSummary, evt domain.Event) error {
	var events []model.Event
	err := p.db.WithContext(ctx).
		Where("aggregate_id = ? AND event_version <= ?", evt.AggregateID, evt.Version).
		Order("event_version").
		Find(&events).Error
	if err != nil {
		return err
	}
	open := map[string]bool{}
	total := 0
	for _, rec := range events {
		switch rec.EventType {
		case domain.EventFindingRecorded:
			var e domain.FindingRecorded
			if err := json.Unmarshal([]byte(rec.Payload), &e); err != nil {
				return err
			}
			if !open[e.FindingID] {
				total++
			}
			open[e.FindingID] = true
		case domain.EventFindingResolved:
			var e domain.FindingResolved
			if err := json.Unmarshal([]byte(rec.Payload), &e); err != nil {
				return err
			}
			open[e.FindingID] = false
		}
	}
	row.TotalFindings = total
	row.OpenFindings = 0
	for _, isOpen := range open {
		if isOpen {
			row.OpenFindings++
		}
	}
	return nil
}

func score(openFindings int) decimal.Decimal {
	s := decimal.NewFromInt(100).Sub(openFindingPenalty.Mul(decimal.NewFromInt(int64(openFindings))))
	if s.IsNegative() {
		return decimal.Zero
	}
	return s
}

func (p *SummaryProjection) cache(ctx context.Context, row *model.DocumentSummary) {
	if p.rdb == nil {
		return
	}
	data, err := json.Marshal(row)
	if err != nil {
		return
	}
	if err := p.rdb.Set(ctx, summaryCacheKey(row.DocumentID), string(data), summaryCacheTTL).Err(); err != nil {
		p.log.Warnw("cache summary", "document_id", row.DocumentID, "error", err)
	}
}

// GetSummary serves the read API: cache first, then the read model, caching
// on miss.
func (p *SummaryProjection) GetSummary(ctx context.Context, documentID string) (*model.DocumentSummary, error) {
	if p.rdb != nil {
		if data, err := p.rdb.Get(ctx, summaryCacheKey(documentID)).Result(); err == nil {
			var row model.DocumentSummary
			if err := json.Unmarshal([]byte(data), &row); err == nil {
				return &row, nil
			}
		}
	}
	var row model.DocumentSummary
	if err := p.db.WithContext(ctx).Where("document_id = ?", documentID).First(&row).Error; err != nil {
		return nil, err
	}
	p.cache(ctx, &row)
	return &row, nil
}

// Reset wipes the read model for a rebuild.
func (p *SummaryProjection) Reset(ctx context.Context) error {
	return p.db.WithContext(ctx).
		Where("document_id IS NOT NULL").
		Delete(&model.DocumentSummary{}).Error
}

func summaryCacheKey(documentID string) string {
	return fmt.Sprintf("summary:%s", documentID)
}
