package custody

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"scriptcustody/batch"
)

const defaultHistoryPageSize = 50

// Ledger answers custody questions by replaying the append-only transfer
// history. It keeps no state of its own.
type Ledger struct {
	store    Store
	pageSize int
}

func NewLedger(store Store) *Ledger {
	return &Ledger{store: store, pageSize: defaultHistoryPageSize}
}

// WithPageSize sets how many transfers History fetches per store round trip.
func (l *Ledger) WithPageSize(n int) *Ledger {
	if n > 0 {
		l.pageSize = n
	}
	return l
}

// CurrentCustodian returns the recipient of the latest custody-bearing
// transfer, or the batch creator when there is none.
func (l *Ledger) CurrentCustodian(ctx context.Context, batchID string) (string, error) {
	b, transfers, err := l.load(ctx, batchID)
	if err != nil {
		return "", err
	}
	return replay(b, transfers, nil)
}

// CustodianAt replays the ledger as it stood at the given instant.
func (l *Ledger) CustodianAt(ctx context.Context, batchID string, at time.Time) (string, error) {
	b, transfers, err := l.load(ctx, batchID)
	if err != nil {
		return "", err
	}
	return replay(b, transfers, func(t Transfer) bool {
		return t.ReceivedAt != nil && !t.ReceivedAt.After(at)
	})
}

// PendingTransfer returns the outstanding pending transfer, or nil.
func (l *Ledger) PendingTransfer(ctx context.Context, batchID string) (*Transfer, error) {
	if _, err := l.batch(ctx, batchID); err != nil {
		return nil, err
	}
	pending, err := l.store.PendingTransfer(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("custody: load pending transfer: %w", err)
	}
	return pending, nil
}

// History returns the batch's transfers in chronological order. The sequence
// reads from the store lazily, page by page, and can be ranged over again to
// observe transfers committed since the last pass.
func (l *Ledger) History(ctx context.Context, batchID string) (iter.Seq2[Transfer, error], error) {
	if _, err := l.batch(ctx, batchID); err != nil {
		return nil, err
	}
	pageSize := l.pageSize
	return func(yield func(Transfer, error) bool) {
		var after int64
		for {
			page, err := l.store.Transfers(ctx, batchID, after, pageSize)
			if err != nil {
				yield(Transfer{}, fmt.Errorf("custody: load history: %w", err))
				return
			}
			for _, t := range page {
				if !yield(t, nil) {
					return
				}
				after = t.Seq
			}
			if len(page) < pageSize {
				return
			}
		}
	}, nil
}

// Collect drains a history sequence into a slice.
func Collect(seq iter.Seq2[Transfer, error]) ([]Transfer, error) {
	var out []Transfer
	for t, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (l *Ledger) batch(ctx context.Context, batchID string) (batch.Batch, error) {
	b, err := l.store.Batch(ctx, batchID)
	if err != nil {
		if errors.Is(err, batch.ErrNotFound) {
			return batch.Batch{}, fmt.Errorf("%w: batch %s", ErrNotFound, batchID)
		}
		return batch.Batch{}, fmt.Errorf("custody: load batch: %w", err)
	}
	return b, nil
}

func (l *Ledger) load(ctx context.Context, batchID string) (batch.Batch, []Transfer, error) {
	b, err := l.batch(ctx, batchID)
	if err != nil {
		return batch.Batch{}, nil, err
	}
	transfers, err := l.store.Transfers(ctx, batchID, 0, 0)
	if err != nil {
		return batch.Batch{}, nil, fmt.Errorf("custody: load transfers: %w", err)
	}
	return b, transfers, nil
}

// replay walks transfers in Seq order. Every transfer must start from the
// custodian in effect when it was initiated; a broken chain is reported as an
// integrity violation. include limits which custody-bearing transfers count
// towards the answer; nil counts all of them.
func replay(b batch.Batch, transfers []Transfer, include func(Transfer) bool) (string, error) {
	if b.CreatedBy == "" {
		return "", fmt.Errorf("%w: batch %s has no creator", ErrIntegrity, b.ID)
	}

	chain := b.CreatedBy
	custodian := b.CreatedBy
	var (
		lastSeq int64
		pending string
	)
	for _, t := range transfers {
		if pending != "" {
			return "", fmt.Errorf("%w: transfer %s follows pending transfer %s", ErrIntegrity, t.ID, pending)
		}
		if t.BatchID != b.ID {
			return "", fmt.Errorf("%w: transfer %s belongs to batch %s, not %s", ErrIntegrity, t.ID, t.BatchID, b.ID)
		}
		if t.Seq <= lastSeq {
			return "", fmt.Errorf("%w: transfer %s out of order", ErrIntegrity, t.ID)
		}
		lastSeq = t.Seq
		if t.FromHandler != chain {
			return "", fmt.Errorf("%w: transfer %s starts from %s but custody was with %s", ErrIntegrity, t.ID, t.FromHandler, chain)
		}
		switch t.Status {
		case StatusPending:
			pending = t.ID
			continue
		case StatusConfirmed, StatusDisputedDiscrepancy, StatusResolved:
		default:
			return "", fmt.Errorf("%w: transfer %s has unknown status %q", ErrIntegrity, t.ID, t.Status)
		}
		chain = t.ToHandler
		if include == nil || include(t) {
			custodian = t.ToHandler
		}
	}
	return custodian, nil
}
