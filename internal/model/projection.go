package model

import "time"

// ProjectionFailure records one (event, projection) dispatch failure. The row
// is updated in place on every retry of the same pair; ResolvedAt is set on a
// later success or a manual resolution.
type ProjectionFailure struct {
	ID               uint64    `gorm:"primaryKey;autoIncrement"`
	EventID          string    `gorm:"size:36;not null;uniqueIndex:idx_event_projection,priority:1"`
	EventType        string    `gorm:"size:64;not null"`
	ProjectionName   string    `gorm:"size:64;not null;uniqueIndex:idx_event_projection,priority:2;index"`
	ErrorMessage     string    `gorm:"type:text;not null"`
	ErrorTrace       string    `gorm:"type:text"`
	RetryCount       int       `gorm:"not null;default:0"`
	MaxRetries       int       `gorm:"not null"`
	FailedAt         time.Time `gorm:"not null"`
	NextRetryAt      time.Time `gorm:"not null;index"`
	ResolvedAt       *time.Time
	ResolutionMethod *string `gorm:"size:32"`
}

func (ProjectionFailure) TableName() string { return "projection_failures" }

// ProjectionCheckpoint is the last event each projection has durably handled.
// LastEventSequence never decreases.
type ProjectionCheckpoint struct {
	ProjectionName    string    `gorm:"size:64;primaryKey"`
	LastEventID       string    `gorm:"size:36;not null"`
	LastEventType     string    `gorm:"size:64;not null"`
	LastEventSequence uint64    `gorm:"not null"`
	EventsProcessed   uint64    `gorm:"not null;default:0"`
	CheckpointAt      time.Time `gorm:"not null"`
}

func (ProjectionCheckpoint) TableName() string { return "projection_checkpoints" }

// ProjectionHealthMetric is the aggregated health row per projection,
// recomputed on every recorded success or failure.
type ProjectionHealthMetric struct {
	ProjectionName       string `gorm:"size:64;primaryKey"`
	HealthStatus         string `gorm:"size:16;not null"`
	TotalEventsProcessed uint64 `gorm:"not null;default:0"`
	TotalFailures        uint64 `gorm:"not null;default:0"`
	ActiveFailures       uint64 `gorm:"not null;default:0"`
	LastSuccessAt        *time.Time
	LastFailureAt        *time.Time
}

func (ProjectionHealthMetric) TableName() string { return "projection_health_metrics" }
