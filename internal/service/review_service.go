package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/compliancehq/review-engine/internal/domain"
	"github.com/compliancehq/review-engine/internal/repository"
)

// EventPublisher is satisfied by publisher.Publisher.
type EventPublisher interface {
	Publish(ctx context.Context, evt domain.Event)
}

// ReviewService is the command side: each method loads the aggregate,
// applies one command, saves, and publishes the committed events. Version
// conflicts surface as eventstore.ConcurrencyError after the repository's
// retry budget; callers translate that into a "please retry".
type ReviewService struct {
	repo *repository.Repository
	pub  EventPublisher
	log  *zap.SugaredLogger
}

func NewReviewService(repo *repository.Repository, pub EventPublisher, log *zap.SugaredLogger) *ReviewService {
	return &ReviewService{repo: repo, pub: pub, log: log}
}

// UploadDocument creates a new document review and returns its id.
func (s *ReviewService) UploadDocument(ctx context.Context, title, contentType, uploadedBy string) (string, error) {
	doc, err := domain.UploadDocument(title, contentType, uploadedBy)
	if err != nil {
		return "", err
	}
	if err := s.saveAndPublish(ctx, doc); err != nil {
		return "", err
	}
	return doc.AggregateID(), nil
}

func (s *ReviewService) StartAnalysis(ctx context.Context, documentID, startedBy string) error {
	return s.mutate(ctx, documentID, func(d *domain.DocumentReview) error {
		return d.StartAnalysis(startedBy)
	})
}

func (s *ReviewService) AttachPolicy(ctx context.Context, documentID, policyID string) error {
	return s.mutate(ctx, documentID, func(d *domain.DocumentReview) error {
		return d.AttachPolicy(policyID)
	})
}

// RecordFinding registers a finding and returns its id.
func (s *ReviewService) RecordFinding(ctx context.Context, documentID, rule, severity, excerpt string) (string, error) {
	var findingID string
	err := s.mutate(ctx, documentID, func(d *domain.DocumentReview) error {
		var err error
		findingID, err = d.RecordFinding(rule, severity, excerpt)
		return err
	})
	return findingID, err
}

func (s *ReviewService) ResolveFinding(ctx context.Context, documentID, findingID, resolution string) error {
	return s.mutate(ctx, documentID, func(d *domain.DocumentReview) error {
		return d.ResolveFinding(findingID, resolution)
	})
}

func (s *ReviewService) CompleteReview(ctx context.Context, documentID, outcome string) error {
	return s.mutate(ctx, documentID, func(d *domain.DocumentReview) error {
		return d.CompleteReview(outcome)
	})
}

// GetReview reconstructs the aggregate's current state for the read API.
func (s *ReviewService) GetReview(ctx context.Context, documentID string) (*domain.DocumentReview, error) {
	agg, err := s.repo.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return agg.(*domain.DocumentReview), nil
}

func (s *ReviewService) mutate(ctx context.Context, documentID string, fn func(*domain.DocumentReview) error) error {
	agg, err := s.repo.Get(ctx, documentID)
	if err != nil {
		return err
	}
	doc := agg.(*domain.DocumentReview)
	if err := fn(doc); err != nil {
		return err
	}
	return s.saveAndPublish(ctx, doc)
}

func (s *ReviewService) saveAndPublish(ctx context.Context, doc *domain.DocumentReview) error {
	events, err := s.repo.Save(ctx, doc)
	if err != nil {
		return err
	}
	// Publishing happens strictly after the append committed.
	for _, evt := range events {
		s.pub.Publish(ctx, evt)
	}
	return nil
}
