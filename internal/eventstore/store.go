package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/compliancehq/review-engine/internal/domain"
	"github.com/compliancehq/review-engine/internal/model"
)

// ErrEventNotFound is returned by LoadByID for an unknown event id.
var ErrEventNotFound = errors.New("event not found")

// ConcurrencyError means the aggregate's stored version did not match what
// the writer expected. Retryable; the caller reloads and retries the command.
type ConcurrencyError struct {
	AggregateID string
	Expected    uint64
	Actual      uint64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict on aggregate %s: expected %d, found %d",
		e.AggregateID, e.Expected, e.Actual)
}

// Store is the append-only event log.
type Store struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func NewStore(db *gorm.DB, log *zap.SugaredLogger) *Store {
	return &Store{db: db, log: log}
}

// Append writes events for one aggregate atomically under a version check.
// The aggregate's existing rows are locked first to serialize concurrent
// writers; the current version is then computed over the locked set. Taking
// the lock and the MAX in a single aggregate query would not actually lock
// anything, so the two steps stay separate. Returned events carry their
// store-assigned global sequence.
func (s *Store) Append(ctx context.Context, aggregateID string, events []domain.Event, expectedVersion uint64) ([]domain.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	rows := make([]*model.Event, 0, len(events))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var versions []uint64
		err := tx.Model(&model.Event{}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("aggregate_id = ?", aggregateID).
			Order("event_version").
			Pluck("event_version", &versions).Error
		if err != nil {
			return err
		}
		var current uint64
		if n := len(versions); n > 0 {
			current = versions[n-1]
		}
		if current != expectedVersion {
			return &ConcurrencyError{AggregateID: aggregateID, Expected: expectedVersion, Actual: current}
		}
		for i, evt := range events {
			rows = append(rows, &model.Event{
				EventID:       evt.ID,
				AggregateID:   aggregateID,
				AggregateType: evt.AggregateType,
				EventType:     evt.Type,
				EventVersion:  expectedVersion + uint64(i) + 1,
				Payload:       string(evt.Payload),
				CreatedAt:     evt.OccurredAt,
			})
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Event, len(events))
	for i, row := range rows {
		out[i] = toDomain(row)
	}
	return out, nil
}

// Load returns an aggregate's events with version > fromVersion, in version
// order. Read-only, no locking.
func (s *Store) Load(ctx context.Context, aggregateID string, fromVersion uint64) ([]domain.Event, error) {
	var rows []model.Event
	err := s.db.WithContext(ctx).
		Where("aggregate_id = ? AND event_version > ?", aggregateID, fromVersion).
		Order("event_version").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toDomainSlice(rows), nil
}

// LoadAll returns events with sequence > fromSequence in global order, up to
// limit. Used for projection replay and rebuilds.
func (s *Store) LoadAll(ctx context.Context, fromSequence uint64, limit int) ([]domain.Event, error) {
	var rows []model.Event
	q := s.db.WithContext(ctx).
		Where("sequence > ?", fromSequence).
		Order("sequence")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return toDomainSlice(rows), nil
}

// LoadByID fetches one event by its id. The background retry worker uses
// this instead of trusting any event copy embedded in a failure record.
func (s *Store) LoadByID(ctx context.Context, eventID string) (domain.Event, error) {
	var row model.Event
	err := s.db.WithContext(ctx).Where("event_id = ?", eventID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Event{}, ErrEventNotFound
	}
	if err != nil {
		return domain.Event{}, err
	}
	return toDomain(&row), nil
}

// MaxSequence returns the latest assigned global sequence, zero for an empty
// log. Used for projection lag.
func (s *Store) MaxSequence(ctx context.Context) (uint64, error) {
	var row model.Event
	err := s.db.WithContext(ctx).Order("sequence desc").Limit(1).Find(&row).Error
	if err != nil {
		return 0, err
	}
	return row.Sequence, nil
}

func toDomain(row *model.Event) domain.Event {
	return domain.Event{
		ID:            row.EventID,
		AggregateID:   row.AggregateID,
		AggregateType: row.AggregateType,
		Type:          row.EventType,
		Version:       row.EventVersion,
		Sequence:      row.Sequence,
		Payload:       json.RawMessage(row.Payload),
		OccurredAt:    row.CreatedAt,
	}
}

func toDomainSlice(rows []model.Event) []domain.Event {
	out := make([]domain.Event, len(rows))
	for i := range rows {
		out[i] = toDomain(&rows[i])
	}
	return out
}
