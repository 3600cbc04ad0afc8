package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// reviewStateSchemaVersion is the schema of blobs this build writes.
// Version 1 blobs (written before policy attachment and review outcomes
// existed) are upcast on load.
const reviewStateSchemaVersion = 2

type findingState struct {
	ID         string    `json:"id"`
	Rule       string    `json:"rule"`
	Severity   string    `json:"severity"`
	Excerpt    string    `json:"excerpt"`
	Status     string    `json:"status"`
	RecordedAt time.Time `json:"recorded_at"`
	Resolution string    `json:"resolution,omitempty"`
}

// reviewState is the full snapshot shape. Every field the aggregate needs to
// behave identically after restore must be here, including the optional
// policy reference and the accumulated findings.
type reviewState struct {
	SchemaVersion int            `json:"schema_version"`
	Title         string         `json:"title"`
	ContentType   string         `json:"content_type"`
	UploadedBy    string         `json:"uploaded_by"`
	Status        string         `json:"status"`
	PolicyID      *string        `json:"policy_id,omitempty"`
	Findings      []findingState `json:"findings,omitempty"`
	Outcome       string         `json:"outcome,omitempty"`
}

// SerializeState captures the aggregate for snapshotting.
func (d *DocumentReview) SerializeState() ([]byte, error) {
	st := reviewState{
		SchemaVersion: reviewStateSchemaVersion,
		Title:         d.Title,
		ContentType:   d.ContentType,
		UploadedBy:    d.UploadedBy,
		Status:        d.Status,
		PolicyID:      d.PolicyID,
		Outcome:       d.Outcome,
	}
	for _, f := range d.Findings {
		st.Findings = append(st.Findings, findingState{
			ID:         f.ID,
			Rule:       f.Rule,
			Severity:   f.Severity,
			Excerpt:    f.Excerpt,
			Status:     f.Status,
			RecordedAt: f.RecordedAt,
			Resolution: f.Resolution,
		})
	}
	return json.Marshal(st)
}

// RestoreState rebuilds the aggregate from a snapshot blob. Missing optional
// fields default; an undecodable blob or an unknown schema version is
// ErrSnapshotCorrupt.
func (d *DocumentReview) RestoreState(version uint64, blob []byte) error {
	var st reviewState
	if err := json.Unmarshal(blob, &st); err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	if st.SchemaVersion > reviewStateSchemaVersion {
		return fmt.Errorf("%w: schema version %d not supported", ErrSnapshotCorrupt, st.SchemaVersion)
	}
	upcastReviewState(&st)

	d.Title = st.Title
	d.ContentType = st.ContentType
	d.UploadedBy = st.UploadedBy
	d.Status = st.Status
	d.PolicyID = st.PolicyID
	d.Outcome = st.Outcome
	d.Findings = nil
	for _, f := range st.Findings {
		d.Findings = append(d.Findings, Finding{
			ID:         f.ID,
			Rule:       f.Rule,
			Severity:   f.Severity,
			Excerpt:    f.Excerpt,
			Status:     f.Status,
			RecordedAt: f.RecordedAt,
			Resolution: f.Resolution,
		})
	}
	d.SetVersion(version)
	return nil
}

// upcastReviewState maps older blob shapes onto the current schema, once, at
// load time. Schema version 0/1 blobs predate policy_id and outcome; those
// stay at their zero values. Finding status was implicit before v2.
func upcastReviewState(st *reviewState) {
	if st.SchemaVersion >= reviewStateSchemaVersion {
		return
	}
	for i := range st.Findings {
		if st.Findings[i].Status == "" {
			st.Findings[i].Status = FindingStatusOpen
		}
	}
	if st.Status == "" {
		st.Status = StatusUploaded
	}
	st.SchemaVersion = reviewStateSchemaVersion
}
