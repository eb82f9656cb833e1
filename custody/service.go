package custody

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"scriptcustody/auth"
	"scriptcustody/batch"
	"scriptcustody/lifecycle"
)

// Publisher receives an Event after each committed transition.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event Event) error

func (f PublisherFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Service is the transfer state machine. It holds no locks: every write goes
// through one of the store's two conditional operations, and a lost race
// surfaces as a precondition error.
type Service struct {
	store     Store
	ledger    *Ledger
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
	idGen     func() string
}

func NewService(store Store, publisher Publisher) *Service {
	return &Service{
		store:     store,
		ledger:    NewLedger(store),
		publisher: publisher,
		logger:    zap.NewNop(),
		now:       time.Now,
		idGen:     func() string { return uuid.NewString() },
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

// Ledger exposes the read side used by the state machine.
func (s *Service) Ledger() *Ledger {
	return s.ledger
}

// History returns the batch's transfers in chronological order.
func (s *Service) History(ctx context.Context, batchID string) (iter.Seq2[Transfer, error], error) {
	return s.ledger.History(ctx, batchID)
}

type InitiateParams struct {
	BatchID       string
	Actor         auth.Actor
	ToHandler     string
	ExpectedCount int
	Location      string
}

// initiateAttempts bounds how often Initiate re-reads the ledger after losing
// a conditional append.
const initiateAttempts = 3

// Initiate opens a pending handoff from the current custodian to ToHandler.
func (s *Service) Initiate(ctx context.Context, params InitiateParams) (Transfer, error) {
	if params.Actor.ID == "" {
		return Transfer{}, fmt.Errorf("custody: missing actor id")
	}
	toHandler := strings.TrimSpace(params.ToHandler)
	if toHandler == "" || toHandler == params.Actor.ID {
		return Transfer{}, &PreconditionError{Err: ErrInvalidTarget, BatchID: params.BatchID}
	}
	if params.ExpectedCount < 0 {
		return Transfer{}, ErrInvalidCount
	}

	var err error
	for attempt := 1; attempt <= initiateAttempts; attempt++ {
		var (
			stored    Transfer
			custodian string
			next      lifecycle.Status
		)
		stored, custodian, next, err = s.initiate(ctx, params, toHandler)
		if err == nil {
			s.logger.Info("custody transfer initiated",
				zap.String("batch_id", stored.BatchID),
				zap.String("transfer_id", stored.ID),
				zap.String("from", stored.FromHandler),
				zap.String("to", stored.ToHandler),
				zap.String("actor_id", params.Actor.ID),
				zap.Int("expected_count", stored.ExpectedCount),
			)
			s.publish(ctx, Event{
				Kind:        EventTransferInitiated,
				Transfer:    stored,
				Custodian:   custodian,
				BatchStatus: next,
				ActorID:     params.Actor.ID,
				OccurredAt:  stored.RequestedAt,
			})
			return stored, nil
		}
		if !lostAppend(err) {
			return Transfer{}, err
		}
		s.logger.Debug("custody append lost, re-reading ledger",
			zap.String("batch_id", params.BatchID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return Transfer{}, fmt.Errorf("custody: initiate: %w", err)
}

// initiate evaluates one handoff request against a fresh replay and appends
// it on the ledger head that replay saw.
func (s *Service) initiate(ctx context.Context, params InitiateParams, toHandler string) (Transfer, string, lifecycle.Status, error) {
	b, transfers, err := s.ledger.load(ctx, params.BatchID)
	if err != nil {
		return Transfer{}, "", "", err
	}
	custodian, err := replay(b, transfers, nil)
	if err != nil {
		return Transfer{}, "", "", s.integrity(ctx, "initiate", err)
	}

	if custodian != params.Actor.ID && !params.Actor.IsAdmin() {
		return Transfer{}, "", "", &PreconditionError{Err: ErrNotCustodian, BatchID: b.ID, Custodian: custodian}
	}
	if toHandler == custodian {
		return Transfer{}, "", "", &PreconditionError{Err: ErrInvalidTarget, BatchID: b.ID, Custodian: custodian}
	}
	if pending := lastPending(transfers); pending != nil {
		return Transfer{}, "", "", &PreconditionError{Err: ErrTransferAlreadyPending, BatchID: b.ID, Custodian: custodian, Pending: pending}
	}
	next, err := lifecycle.Advance(b.Status, lifecycle.TriggerTransferInitiated)
	if err != nil {
		return Transfer{}, "", "", &PreconditionError{Err: ErrInvalidBatchState, BatchID: b.ID, Custodian: custodian, BatchStatus: b.Status}
	}

	var head int64
	if n := len(transfers); n > 0 {
		head = transfers[n-1].Seq
	}

	t := Transfer{
		ID:            s.idGen(),
		BatchID:       b.ID,
		FromHandler:   custodian,
		ToHandler:     toHandler,
		InitiatedBy:   params.Actor.ID,
		RequestedAt:   s.now().UTC(),
		ExpectedCount: params.ExpectedCount,
		Status:        StatusPending,
	}
	if loc := strings.TrimSpace(params.Location); loc != "" {
		t.Location = &loc
	}

	stored, err := s.store.AppendTransfer(ctx, Transition{
		Transfer:  t,
		HeadSeq:   head,
		BatchFrom: b.Status,
		BatchTo:   next,
		Kind:      EventTransferInitiated,
		ActorID:   params.Actor.ID,
	})
	if err != nil {
		if lostAppend(err) {
			return Transfer{}, "", "", err
		}
		return Transfer{}, "", "", fmt.Errorf("custody: append transfer: %w", err)
	}
	return stored, custodian, next, nil
}

// lostAppend reports whether an append failed only because the batch moved
// after it was read.
func lostAppend(err error) bool {
	return errors.Is(err, ErrStaleLedger) || errors.Is(err, ErrPendingExists) || errors.Is(err, ErrStaleBatch)
}

type ConfirmParams struct {
	TransferID      string
	Actor           auth.Actor
	ReceivedCount   int
	DiscrepancyNote string
}

// Confirm records receipt of a pending transfer. Matching counts settle the
// handoff; a mismatch moves it to DisputedDiscrepancy and requires a note.
func (s *Service) Confirm(ctx context.Context, params ConfirmParams) (Transfer, error) {
	if params.Actor.ID == "" {
		return Transfer{}, fmt.Errorf("custody: missing actor id")
	}
	if params.ReceivedCount < 0 {
		return Transfer{}, ErrInvalidCount
	}

	t, err := s.transfer(ctx, params.TransferID)
	if err != nil {
		return Transfer{}, err
	}
	if t.Status != StatusPending {
		return Transfer{}, &PreconditionError{Err: ErrTransferNotPending, BatchID: t.BatchID, TransferID: t.ID, TransferStatus: t.Status}
	}
	if params.Actor.ID != t.ToHandler && !params.Actor.IsAdmin() {
		return Transfer{}, &PreconditionError{Err: ErrNotRecipient, BatchID: t.BatchID, TransferID: t.ID, TransferStatus: t.Status}
	}

	now := s.now().UTC()
	received := params.ReceivedCount
	actorID := params.Actor.ID

	updated := t
	updated.ReceivedCount = &received
	updated.ReceivedAt = &now
	updated.ConfirmedBy = &actorID

	kind := EventTransferConfirmed
	trigger := lifecycle.TriggerTransferConfirmed
	if received == t.ExpectedCount {
		updated.Status = StatusConfirmed
		updated.ConfirmedAt = &now
	} else {
		note := strings.TrimSpace(params.DiscrepancyNote)
		if note == "" {
			return Transfer{}, &PreconditionError{Err: ErrMissingDiscrepancyNote, BatchID: t.BatchID, TransferID: t.ID, TransferStatus: t.Status}
		}
		updated.Status = StatusDisputedDiscrepancy
		updated.DiscrepancyNote = &note
		kind = EventDiscrepancyReported
		trigger = lifecycle.TriggerDiscrepancyReported
	}

	return s.commitUpdate(ctx, "confirm", t, updated, trigger, kind, params.Actor.ID)
}

type ResolveParams struct {
	TransferID     string
	Actor          auth.Actor
	ResolutionNote string
}

// Resolve closes a disputed transfer. Custody stays with the recipient and
// both counts are left as recorded.
func (s *Service) Resolve(ctx context.Context, params ResolveParams) (Transfer, error) {
	if params.Actor.ID == "" {
		return Transfer{}, fmt.Errorf("custody: missing actor id")
	}
	note := strings.TrimSpace(params.ResolutionNote)
	if note == "" {
		return Transfer{}, &PreconditionError{Err: ErrMissingResolutionNote, TransferID: params.TransferID}
	}

	t, err := s.transfer(ctx, params.TransferID)
	if err != nil {
		return Transfer{}, err
	}
	if !params.Actor.IsAdmin() {
		return Transfer{}, &PreconditionError{Err: ErrNotAuthorized, BatchID: t.BatchID, TransferID: t.ID, TransferStatus: t.Status}
	}
	if t.Status != StatusDisputedDiscrepancy {
		return Transfer{}, &PreconditionError{Err: ErrTransferNotDisputed, BatchID: t.BatchID, TransferID: t.ID, TransferStatus: t.Status}
	}

	now := s.now().UTC()
	actorID := params.Actor.ID

	updated := t
	updated.Status = StatusResolved
	updated.ResolutionNote = &note
	updated.ResolvedBy = &actorID
	updated.ResolvedAt = &now
	updated.ConfirmedAt = &now

	return s.commitUpdate(ctx, "resolve", t, updated, lifecycle.TriggerTransferResolved, EventTransferResolved, params.Actor.ID)
}

func (s *Service) commitUpdate(ctx context.Context, op string, current, updated Transfer, trigger lifecycle.Trigger, kind EventKind, actorID string) (Transfer, error) {
	b, err := s.store.Batch(ctx, current.BatchID)
	if err != nil {
		if errors.Is(err, batch.ErrNotFound) {
			return Transfer{}, s.integrity(ctx, op, fmt.Errorf("%w: transfer %s references missing batch %s", ErrIntegrity, current.ID, current.BatchID))
		}
		return Transfer{}, fmt.Errorf("custody: load batch: %w", err)
	}
	next, err := lifecycle.Advance(b.Status, trigger)
	if err != nil {
		// A concurrent winner may have moved the batch after we read the
		// transfer.
		return Transfer{}, s.reconcile(ctx, op, current,
			fmt.Errorf("%w: batch %s in %s while transfer %s is %s: %v", ErrIntegrity, b.ID, b.Status, current.ID, current.Status, err))
	}

	stored, err := s.store.UpdateTransfer(ctx, Transition{
		Transfer:  updated,
		From:      current.Status,
		BatchFrom: b.Status,
		BatchTo:   next,
		Kind:      kind,
		ActorID:   actorID,
	})
	if err != nil {
		return Transfer{}, s.updateConflict(ctx, op, current, err)
	}

	s.logger.Info("custody transfer "+op,
		zap.String("batch_id", stored.BatchID),
		zap.String("transfer_id", stored.ID),
		zap.String("status", string(stored.Status)),
		zap.String("batch_status", string(next)),
		zap.String("actor_id", actorID),
	)
	s.publish(ctx, Event{
		Kind:        kind,
		Transfer:    stored,
		Custodian:   stored.ToHandler,
		BatchStatus: next,
		ActorID:     actorID,
		OccurredAt:  s.now().UTC(),
	})
	return stored, nil
}

func (s *Service) updateConflict(ctx context.Context, op string, current Transfer, err error) error {
	if !errors.Is(err, ErrStaleTransfer) && !errors.Is(err, ErrStaleBatch) {
		return fmt.Errorf("custody: %s: %w", op, err)
	}
	return s.reconcile(ctx, op, current,
		fmt.Errorf("%w: batch %s changed status while transfer %s was %s", ErrIntegrity, current.BatchID, current.ID, current.Status))
}

// reconcile re-reads the transfer after a failed write. A status change means
// another caller won and is reported as a precondition; otherwise the ledger
// and the batch disagree and integrityErr is returned.
func (s *Service) reconcile(ctx context.Context, op string, current Transfer, integrityErr error) error {
	latest, rerr := s.transfer(ctx, current.ID)
	if rerr != nil {
		return rerr
	}
	if latest.Status != current.Status {
		sentinel := ErrTransferNotPending
		if current.Status == StatusDisputedDiscrepancy {
			sentinel = ErrTransferNotDisputed
		}
		return &PreconditionError{Err: sentinel, BatchID: latest.BatchID, TransferID: latest.ID, TransferStatus: latest.Status}
	}
	return s.integrity(ctx, op, integrityErr)
}

func (s *Service) transfer(ctx context.Context, transferID string) (Transfer, error) {
	t, err := s.store.Transfer(ctx, transferID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Transfer{}, err
		}
		return Transfer{}, fmt.Errorf("custody: load transfer: %w", err)
	}
	return t, nil
}

func (s *Service) integrity(ctx context.Context, op string, err error) error {
	s.logger.Error("custody ledger integrity violation",
		zap.String("operation", op),
		zap.Error(err),
	)
	return err
}

func (s *Service) publish(ctx context.Context, event Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("custody event publish failed",
			zap.String("kind", string(event.Kind)),
			zap.String("transfer_id", event.Transfer.ID),
			zap.Error(err),
		)
	}
}

func lastPending(transfers []Transfer) *Transfer {
	for i := len(transfers) - 1; i >= 0; i-- {
		if transfers[i].Status == StatusPending {
			t := transfers[i]
			return &t
		}
	}
	return nil
}
