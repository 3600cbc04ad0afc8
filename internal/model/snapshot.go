package model

import "time"

// Snapshot holds the latest full-state capture of an aggregate. One row per
// aggregate; later snapshots overwrite earlier ones via upsert.
type Snapshot struct {
	AggregateID string    `gorm:"size:36;primaryKey"`
	Version     uint64    `gorm:"not null"`
	State       string    `gorm:"type:jsonb;not null"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
}

func (Snapshot) TableName() string { return "snapshots" }
