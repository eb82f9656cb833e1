package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"scriptcustody/auth"
	"scriptcustody/lifecycle"
)

var (
	// ErrForbidden signals the actor's role may not perform the operation.
	ErrForbidden = errors.New("batch: forbidden")
	// ErrReservedTrigger signals an attempt to report a trigger that only the
	// transfer state machine may apply.
	ErrReservedTrigger = errors.New("batch: trigger reserved for custody transfers")
	// ErrInvalidTrigger signals an unknown trigger name.
	ErrInvalidTrigger = errors.New("batch: unknown trigger")
	// ErrInvalidInput signals a request missing a required field.
	ErrInvalidInput = errors.New("batch: invalid input")
)

// Repository abstracts batch persistence for the service.
type Repository interface {
	Create(ctx context.Context, b Batch) (Batch, error)
	GetByID(ctx context.Context, id string) (Batch, error)
	List(ctx context.Context, filters Filters) ([]Batch, error)
	UpdateStatus(ctx context.Context, id string, from, to lifecycle.Status) (Batch, error)
}

// Service exposes batch registration and externally reported lifecycle events.
type Service struct {
	repo   Repository
	logger *zap.Logger
	now    func() time.Time
	idGen  func() string
}

// NewService builds a Service using the provided repository.
func NewService(repo Repository) *Service {
	return &Service{
		repo:   repo,
		logger: zap.NewNop(),
		now:    time.Now,
		idGen:  func() string { return uuid.NewString() },
	}
}

func (s *Service) WithLogger(logger *zap.Logger) *Service {
	if logger != nil {
		s.logger = logger
	}
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

type CreateParams struct {
	CourseRef    string
	SessionLabel string
	Actor        auth.Actor
}

// Create registers a new batch in Collecting. The creating actor becomes the
// initial custodian.
func (s *Service) Create(ctx context.Context, params CreateParams) (Batch, error) {
	if params.Actor.ID == "" {
		return Batch{}, fmt.Errorf("%w: missing actor id", ErrInvalidInput)
	}
	if params.Actor.Role != auth.RoleAdmin && params.Actor.Role != auth.RoleInvigilator {
		return Batch{}, ErrForbidden
	}
	courseRef := strings.TrimSpace(params.CourseRef)
	if courseRef == "" {
		return Batch{}, fmt.Errorf("%w: course reference required", ErrInvalidInput)
	}

	created, err := s.repo.Create(ctx, Batch{
		ID:           s.idGen(),
		CourseRef:    courseRef,
		SessionLabel: strings.TrimSpace(params.SessionLabel),
		Status:       lifecycle.StatusCollecting,
		CreatedBy:    params.Actor.ID,
		CreatedAt:    s.now().UTC(),
	})
	if err != nil {
		return Batch{}, err
	}

	s.logger.Info("batch created",
		zap.String("batch_id", created.ID),
		zap.String("course_ref", created.CourseRef),
		zap.String("created_by", created.CreatedBy),
	)
	return created, nil
}

// GetByID returns the batch for the given identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Batch, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns batches matching filters.
func (s *Service) List(ctx context.Context, filters Filters) ([]Batch, error) {
	return s.repo.List(ctx, filters)
}

type ReportParams struct {
	BatchID string
	Trigger lifecycle.Trigger
	Actor   auth.Actor
}

// Report applies an externally reported lifecycle trigger such as a session
// submission or the start of grading.
func (s *Service) Report(ctx context.Context, params ReportParams) (Batch, error) {
	if !params.Trigger.Valid() {
		return Batch{}, fmt.Errorf("%w: %q", ErrInvalidTrigger, params.Trigger)
	}
	if lifecycle.IsTransferTrigger(params.Trigger) {
		return Batch{}, ErrReservedTrigger
	}
	if params.Actor.Role == auth.RoleStaff || params.Actor.ID == "" {
		return Batch{}, ErrForbidden
	}

	current, err := s.repo.GetByID(ctx, params.BatchID)
	if err != nil {
		return Batch{}, err
	}

	next, err := lifecycle.Advance(current.Status, params.Trigger)
	if err != nil {
		return Batch{}, err
	}

	updated, err := s.repo.UpdateStatus(ctx, current.ID, current.Status, next)
	if err != nil {
		return Batch{}, err
	}

	s.logger.Info("batch lifecycle advanced",
		zap.String("batch_id", updated.ID),
		zap.String("trigger", string(params.Trigger)),
		zap.String("from", string(current.Status)),
		zap.String("to", string(updated.Status)),
		zap.String("actor_id", params.Actor.ID),
	)
	return updated, nil
}
