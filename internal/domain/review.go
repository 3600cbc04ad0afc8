package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const AggregateTypeDocumentReview = "DocumentReview"

// Event types raised by the DocumentReview aggregate.
const (
	EventDocumentUploaded = "DocumentUploaded"
	EventAnalysisStarted  = "AnalysisStarted"
	EventPolicyAttached   = "PolicyAttached"
	EventFindingRecorded  = "FindingRecorded"
	EventFindingResolved  = "FindingResolved"
	EventReviewCompleted  = "ReviewCompleted"
)

// Review statuses.
const (
	StatusUploaded  = "uploaded"
	StatusAnalyzing = "analyzing"
	StatusCompleted = "completed"
)

// Finding statuses.
const (
	FindingStatusOpen     = "open"
	FindingStatusResolved = "resolved"
)

// ErrSnapshotCorrupt indicates a snapshot blob that cannot be decoded or
// carries a schema version this build does not know. This is fatal and must
// reach an operator; it is never defaulted away.
var ErrSnapshotCorrupt = errors.New("snapshot state corrupt")

// ErrInvalidTransition is returned when a command is not legal in the
// aggregate's current status.
var ErrInvalidTransition = errors.New("invalid state transition")

// Event payloads.

type DocumentUploaded struct {
	Title       string `json:"title"`
	ContentType string `json:"content_type"`
	UploadedBy  string `json:"uploaded_by"`
}

type AnalysisStarted struct {
	StartedBy string `json:"started_by"`
}

type PolicyAttached struct {
	PolicyID string `json:"policy_id"`
}

type FindingRecorded struct {
	FindingID string `json:"finding_id"`
	Rule      string `json:"rule"`
	Severity  string `json:"severity"`
	Excerpt   string `json:"excerpt"`
}

type FindingResolved struct {
	FindingID  string `json:"finding_id"`
	Resolution string `json:"resolution"`
}

type ReviewCompleted struct {
	Outcome string `json:"outcome"`
}

// Finding is one open or resolved compliance finding on the document.
type Finding struct {
	ID         string
	Rule       string
	Severity   string
	Excerpt    string
	Status     string
	RecordedAt time.Time
	Resolution string
}

// DocumentReview is the aggregate for one document moving through compliance
// review: uploaded, analyzed against an optional policy, findings recorded
// and resolved, then completed with an outcome.
type DocumentReview struct {
	Base

	Title       string
	ContentType string
	UploadedBy  string
	Status      string
	PolicyID    *string
	Findings    []Finding
	Outcome     string
}

// NewDocumentReview returns an empty aggregate shell for replay or restore.
func NewDocumentReview(id string) *DocumentReview {
	return &DocumentReview{Base: NewBase(id, AggregateTypeDocumentReview)}
}

// UploadDocument creates the aggregate with its first event.
func UploadDocument(title, contentType, uploadedBy string) (*DocumentReview, error) {
	if title == "" {
		return nil, errors.New("title is required")
	}
	d := NewDocumentReview(uuid.NewString())
	err := d.Raise(d, EventDocumentUploaded, DocumentUploaded{
		Title:       title,
		ContentType: contentType,
		UploadedBy:  uploadedBy,
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DocumentReview) StartAnalysis(startedBy string) error {
	if d.Status != StatusUploaded {
		return fmt.Errorf("%w: cannot start analysis from %q", ErrInvalidTransition, d.Status)
	}
	return d.Raise(d, EventAnalysisStarted, AnalysisStarted{StartedBy: startedBy})
}

func (d *DocumentReview) AttachPolicy(policyID string) error {
	if d.Status == StatusCompleted {
		return fmt.Errorf("%w: review already completed", ErrInvalidTransition)
	}
	if policyID == "" {
		return errors.New("policy id is required")
	}
	return d.Raise(d, EventPolicyAttached, PolicyAttached{PolicyID: policyID})
}

// RecordFinding registers a new compliance finding and returns its id.
func (d *DocumentReview) RecordFinding(rule, severity, excerpt string) (string, error) {
	if d.Status != StatusAnalyzing {
		return "", fmt.Errorf("%w: cannot record finding in %q", ErrInvalidTransition, d.Status)
	}
	findingID := uuid.NewString()
	err := d.Raise(d, EventFindingRecorded, FindingRecorded{
		FindingID: findingID,
		Rule:      rule,
		Severity:  severity,
		Excerpt:   excerpt,
	})
	if err != nil {
		return "", err
	}
	return findingID, nil
}

func (d *DocumentReview) ResolveFinding(findingID, resolution string) error {
	f := d.finding(findingID)
	if f == nil {
		return fmt.Errorf("finding %s not found", findingID)
	}
	if f.Status == FindingStatusResolved {
		return fmt.Errorf("%w: finding already resolved", ErrInvalidTransition)
	}
	return d.Raise(d, EventFindingResolved, FindingResolved{
		FindingID:  findingID,
		Resolution: resolution,
	})
}

func (d *DocumentReview) CompleteReview(outcome string) error {
	if d.Status != StatusAnalyzing {
		return fmt.Errorf("%w: cannot complete review from %q", ErrInvalidTransition, d.Status)
	}
	return d.Raise(d, EventReviewCompleted, ReviewCompleted{Outcome: outcome})
}

// OpenFindings counts findings not yet resolved.
func (d *DocumentReview) OpenFindings() int {
	n := 0
	for i := range d.Findings {
		if d.Findings[i].Status == FindingStatusOpen {
			n++
		}
	}
	return n
}

func (d *DocumentReview) finding(id string) *Finding {
	for i := range d.Findings {
		if d.Findings[i].ID == id {
			return &d.Findings[i]
		}
	}
	return nil
}

// ApplyEvent folds one event into state and advances the version. Used for
// both fresh commands and replay, so it must stay deterministic.
func (d *DocumentReview) ApplyEvent(evt Event) error {
	switch evt.Type {
	case EventDocumentUploaded:
		var p DocumentUploaded
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return err
		}
		d.Title = p.Title
		d.ContentType = p.ContentType
		d.UploadedBy = p.UploadedBy
		d.Status = StatusUploaded
	case EventAnalysisStarted:
		d.Status = StatusAnalyzing
	case EventPolicyAttached:
		var p PolicyAttached
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return err
		}
		d.PolicyID = &p.PolicyID
	case EventFindingRecorded:
		var p FindingRecorded
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return err
		}
		d.Findings = append(d.Findings, Finding{
			ID:         p.FindingID,
			Rule:       p.Rule,
			Severity:   p.Severity,
			Excerpt:    p.Excerpt,
			Status:     FindingStatusOpen,
			RecordedAt: evt.OccurredAt,
		})
	case EventFindingResolved:
		var p FindingResolved
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return err
		}
		if f := d.finding(p.FindingID); f != nil {
			f.Status = FindingStatusResolved
			f.Resolution = p.Resolution
		}
	case EventReviewCompleted:
		var p ReviewCompleted
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return err
		}
		d.Status = StatusCompleted
		d.Outcome = p.Outcome
	default:
		return fmt.Errorf("unknown event type %q", evt.Type)
	}
	d.SetVersion(evt.Version)
	return nil
}
