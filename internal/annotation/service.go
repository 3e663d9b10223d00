package annotation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/opencoding/internal/metrics"
	"github.com/kalambet/opencoding/internal/rubric"
	"github.com/kalambet/opencoding/internal/storage"
)

// ErrTraceNotFound is returned when saving against an unknown trace.
var ErrTraceNotFound = fmt.Errorf("trace %w", storage.ErrNotFound)

// Store is the persistence the Service needs. Implemented by storage.Store.
type Store interface {
	TraceExists(ctx context.Context, id string) (bool, error)
	GetAnnotation(ctx context.Context, traceID, userID string) (storage.Annotation, error)
	SaveAnnotation(ctx context.Context, a storage.Annotation, expectedVersion *int) (storage.Annotation, bool, error)
	PutLegacyAnnotation(ctx context.Context, a storage.Annotation) (bool, error)
}

// RubricSource yields the rubric in force. Implemented by rubric.Registry.
type RubricSource interface {
	Current(ctx context.Context) (rubric.Snapshot, error)
}

// Invalidator is notified after every committed save for a user.
type Invalidator interface {
	Invalidate(userID string)
}

// Service validates and persists annotations.
type Service struct {
	store   Store
	rubrics RubricSource
	stats   Invalidator
	logger  *slog.Logger
}

// NewService creates a Service. stats may be nil.
func NewService(store Store, rubrics RubricSource, stats Invalidator) *Service {
	return &Service{
		store:   store,
		rubrics: rubrics,
		stats:   stats,
		logger:  slog.Default(),
	}
}

// SaveResult is a committed annotation and whether it was newly created.
type SaveResult struct {
	Annotation storage.Annotation
	Created    bool
}

// Save validates c against the current rubric and stores it for userID.
//
// Errors: ErrTraceNotFound for an unknown trace, *ValidationError when the
// candidate is invalid, storage.ErrVersionConflict when c.ExpectedVersion is
// stale.
func (s *Service) Save(ctx context.Context, userID string, c Candidate) (SaveResult, error) {
	v := c.Variant()

	if v.Trace() != "" {
		ok, err := s.store.TraceExists(ctx, v.Trace())
		if err != nil {
			metrics.ObserveSave(metrics.SaveError)
			return SaveResult{}, fmt.Errorf("checking trace: %w", err)
		}
		if !ok {
			return SaveResult{}, fmt.Errorf("%w: %s", ErrTraceNotFound, v.Trace())
		}
	}

	rs, err := s.rubrics.Current(ctx)
	if err != nil {
		metrics.ObserveSave(metrics.SaveError)
		return SaveResult{}, fmt.Errorf("loading rubric: %w", err)
	}

	if res := Validate(v, rs); !res.OK {
		metrics.ObserveSave(metrics.SaveInvalid)
		return SaveResult{}, res.Err()
	}

	a, created, err := s.store.SaveAnnotation(ctx, Normalize(v, userID, rs.Version), c.ExpectedVersion)
	if err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			metrics.ObserveSave(metrics.SaveConflict)
			return SaveResult{}, err
		}
		metrics.ObserveSave(metrics.SaveError)
		return SaveResult{}, fmt.Errorf("saving annotation: %w", err)
	}

	if s.stats != nil {
		s.stats.Invalidate(userID)
	}
	outcome := metrics.SaveUpdated
	if created {
		outcome = metrics.SaveCreated
	}
	metrics.ObserveSave(outcome)
	s.logger.Debug("annotation saved", "trace_id", a.TraceID, "user_id", userID, "version", a.Version, "created", created)

	return SaveResult{Annotation: a, Created: created}, nil
}

// Get returns userID's annotation for traceID, or nil when there is none.
func (s *Service) Get(ctx context.Context, traceID, userID string) (*storage.Annotation, error) {
	a, err := s.store.GetAnnotation(ctx, traceID, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
