package model

import "time"

// Event is one row of the append-only event log. Sequence is the global,
// store-assigned order; EventVersion is the per-aggregate order. The unique
// index on (aggregate_id, event_version) backstops the append version check.
type Event struct {
	Sequence      uint64    `gorm:"primaryKey;autoIncrement"`
	EventID       string    `gorm:"size:36;not null;uniqueIndex"`
	AggregateID   string    `gorm:"size:36;not null;uniqueIndex:idx_aggregate_version,priority:1;index"`
	AggregateType string    `gorm:"size:64;not null"`
	EventType     string    `gorm:"size:64;not null"`
	EventVersion  uint64    `gorm:"not null;uniqueIndex:idx_aggregate_version,priority:2"`
	Payload       string    `gorm:"type:jsonb;not null"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
}

func (Event) TableName() string { return "events" }
