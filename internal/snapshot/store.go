package snapshot

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/compliancehq/review-engine/internal/model"
)

// ErrNoSnapshot is returned by Load when an aggregate has never been
// snapshotted. Benign; the caller replays from version zero.
var ErrNoSnapshot = errors.New("no snapshot")

// Store persists the latest full-state capture per aggregate.
type Store struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func NewStore(db *gorm.DB, log *zap.SugaredLogger) *Store {
	return &Store{db: db, log: log}
}

// Save upserts the snapshot keyed by aggregate id. Idempotent; an older
// writer losing the upsert race is harmless because Load takes whatever
// version is stored and replays forward from it.
func (s *Store) Save(ctx context.Context, aggregateID string, version uint64, state []byte) error {
	row := model.Snapshot{
		AggregateID: aggregateID,
		Version:     version,
		State:       string(state),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "aggregate_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"version", "state", "created_at"}),
		}).
		Create(&row).Error
}

// Load returns the latest snapshot for the aggregate, or ErrNoSnapshot.
func (s *Store) Load(ctx context.Context, aggregateID string) (version uint64, state []byte, err error) {
	var row model.Snapshot
	err = s.db.WithContext(ctx).Where("aggregate_id = ?", aggregateID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil, ErrNoSnapshot
	}
	if err != nil {
		return 0, nil, err
	}
	return row.Version, []byte(row.State), nil
}
