package projection

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/compliancehq/review-engine/internal/domain"
	"github.com/compliancehq/review-engine/internal/model"
)

// FindingsProjection maintains one finding_rows row per compliance finding,
// upserted by finding id.
type FindingsProjection struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func NewFindingsProjection(db *gorm.DB, log *zap.SugaredLogger) *FindingsProjection {
	return &FindingsProjection{db: db, log: log}
}

func (p *FindingsProjection) Name() string { return "document_findings" }

func (p *FindingsProjection) CanHandle(evt domain.Event) bool {
	return evt.Type == domain.EventFindingRecorded || evt.Type == domain.EventFindingResolved
}

func (p *FindingsProjection) Handle(ctx context.Context, evt domain.Event) error {
	switch evt.Type {
	case domain.EventFindingRecorded:
		var e domain.FindingRecorded
		if err := json.Unmarshal(evt.Payload, &e); err != nil {
			return err
		}
		row := model.FindingRow{
			FindingID:  e.FindingID,
			DocumentID: evt.AggregateID,
			Rule:       e.Rule,
			Severity:   e.Severity,
			Excerpt:    e.Excerpt,
			Status:     domain.FindingStatusOpen,
			RecordedAt: evt.OccurredAt,
		}
		return p.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "finding_id"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"rule", "severity", "excerpt", "recorded_at",
				}),
			}).
			Create(&row).Error
	case domain.EventFindingResolved:
		var e domain.FindingResolved
		if err := json.Unmarshal(evt.Payload, &e); err != nil {
			return err
		}
		resolvedAt := evt.OccurredAt
		return p.db.WithContext(ctx).Model(&model.FindingRow{}).
			Where("finding_id = ?", e.FindingID).
			Updates(map[string]interface{}{
				"status":      domain.FindingStatusResolved,
				"resolved_at": &resolvedAt,
				"resolution":  &e.Resolution,
			}).Error
	}
	return nil
}

// ListByDocument serves the read API.
func (p *FindingsProjection) ListByDocument(ctx context.Context, documentID string) ([]model.FindingRow, error) {
	var rows []model.FindingRow
	err := p.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("recorded_at").
		Find(&rows).Error
	return rows, err
}

// Reset wipes the read model for a rebuild.
func (p *FindingsProjection) Reset(ctx context.Context) error {
	return p.db.WithContext(ctx).
		Where("finding_id IS NOT NULL").
		Delete(&model.FindingRow{}).Error
}
