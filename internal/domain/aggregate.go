package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is the in-memory envelope for one domain event. Version is the
// per-aggregate order starting at 1; Sequence is the global order and stays
// zero until the store assigns it on append.
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Type          string          `json:"type"`
	Version       uint64          `json:"version"`
	Sequence      uint64          `json:"sequence"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// Aggregate is an event-sourced consistency boundary. State is derived only
// from the aggregate's own ordered event stream.
type Aggregate interface {
	AggregateID() string
	AggregateType() string
	// Version is the number of events ever applied.
	Version() uint64

	// ApplyEvent mutates state from one event and advances the version.
	// It must be deterministic; it is used both for new events and replay.
	ApplyEvent(evt Event) error

	// PendingEvents are events applied in memory but not yet persisted.
	PendingEvents() []Event
	ClearPendingEvents()

	// SerializeState and RestoreState support snapshotting. RestoreState
	// receives the snapshot's version alongside the blob.
	SerializeState() ([]byte, error)
	RestoreState(version uint64, blob []byte) error
}

// Base carries the bookkeeping every aggregate shares. Embed it and call
// Raise from command methods.
type Base struct {
	id      string
	typ     string
	version uint64
	pending []Event
}

func NewBase(id, aggregateType string) Base {
	return Base{id: id, typ: aggregateType}
}

func (b *Base) AggregateID() string   { return b.id }
func (b *Base) AggregateType() string { return b.typ }
func (b *Base) Version() uint64       { return b.version }

// SetVersion is called by ApplyEvent implementations after mutating state,
// and by RestoreState with the snapshot version.
func (b *Base) SetVersion(v uint64) { b.version = v }

func (b *Base) PendingEvents() []Event { return b.pending }
func (b *Base) ClearPendingEvents()    { b.pending = nil }

// Raise builds the envelope for a new event, applies it through the
// aggregate's own ApplyEvent, and tracks it as pending.
func (b *Base) Raise(a Aggregate, eventType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	evt := Event{
		ID:            uuid.NewString(),
		AggregateID:   b.id,
		AggregateType: b.typ,
		Type:          eventType,
		Version:       b.version + 1,
		Payload:       data,
		OccurredAt:    time.Now().UTC(),
	}
	if err := a.ApplyEvent(evt); err != nil {
		return err
	}
	b.pending = append(b.pending, evt)
	return nil
}
