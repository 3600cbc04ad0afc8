package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DocumentSummary is the per-document read model maintained by the summary
// projection. ComplianceScore is 100 minus a penalty per open finding,
// floored at zero.
type DocumentSummary struct {
	DocumentID      string `gorm:"size:36;primaryKey"`
	Title           string `gorm:"size:255;not null"`
	Status          string `gorm:"size:32;not null"`
	PolicyID        *string
	TotalFindings   int             `gorm:"not null;default:0"`
	OpenFindings    int             `gorm:"not null;default:0"`
	ComplianceScore decimal.Decimal `gorm:"type:numeric(5,2);not null;default:'100'"`
	LastEventAt     time.Time       `gorm:"not null"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime"`
}

func (DocumentSummary) TableName() string { return "document_summaries" }

// FindingRow is the per-finding read model maintained by the findings
// projection.
type FindingRow struct {
	FindingID  string    `gorm:"size:36;primaryKey"`
	DocumentID string    `gorm:"size:36;not null;index"`
	Rule       string    `gorm:"size:128;not null"`
	Severity   string    `gorm:"size:16;not null"`
	Excerpt    string    `gorm:"type:text"`
	Status     string    `gorm:"size:16;not null"`
	RecordedAt time.Time `gorm:"not null"`
	ResolvedAt *time.Time
	Resolution *string `gorm:"size:255"`
}

func (FindingRow) TableName() string { return "finding_rows" }
