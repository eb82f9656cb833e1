package custody

import (
	"context"
	"errors"

	"scriptcustody/batch"
	"scriptcustody/lifecycle"
)

var (
	// ErrPendingExists is returned by AppendTransfer when the batch already
	// has a pending transfer.
	ErrPendingExists = errors.New("custody: store already holds a pending transfer for batch")
	// ErrStaleTransfer is returned by UpdateTransfer when the transfer no
	// longer holds the expected status.
	ErrStaleTransfer = errors.New("custody: transfer status changed concurrently")
	// ErrStaleBatch is returned when the batch no longer holds the expected
	// lifecycle status.
	ErrStaleBatch = errors.New("custody: batch status changed concurrently")
	// ErrStaleLedger is returned by AppendTransfer when transfers were
	// appended to the batch after the caller's HeadSeq.
	ErrStaleLedger = errors.New("custody: ledger advanced since it was read")
)

// Transition is a single atomic ledger write: the transfer row, the batch
// lifecycle compare-and-swap and the audit entry commit together or not at all.
type Transition struct {
	Transfer Transfer
	// HeadSeq is the highest transfer Seq the caller replayed for the batch,
	// or zero for an empty ledger. AppendTransfer only writes on that head.
	HeadSeq   int64
	From      TransferStatus
	BatchFrom lifecycle.Status
	BatchTo   lifecycle.Status
	Kind      EventKind
	ActorID   string
}

// Store is the transactional storage behind the ledger. The two write
// methods are the only way ledger state changes, and both are conditional.
type Store interface {
	// Batch returns batch.ErrNotFound when the batch does not exist.
	Batch(ctx context.Context, batchID string) (batch.Batch, error)
	// Transfer returns ErrNotFound when the transfer does not exist.
	Transfer(ctx context.Context, transferID string) (Transfer, error)
	// Transfers returns transfers with Seq > afterSeq in Seq order. A
	// non-positive limit returns all of them.
	Transfers(ctx context.Context, batchID string, afterSeq int64, limit int) ([]Transfer, error)
	// PendingTransfer returns nil when the batch has no pending transfer.
	PendingTransfer(ctx context.Context, batchID string) (*Transfer, error)
	// TransfersByStatus lists transfers in the given status across batches.
	TransfersByStatus(ctx context.Context, status TransferStatus, limit int) ([]Transfer, error)

	// AppendTransfer inserts a pending transfer on top of tr.HeadSeq. It
	// fails when the batch already has a pending transfer or no longer holds
	// BatchFrom.
	AppendTransfer(ctx context.Context, tr Transition) (Transfer, error)
	// UpdateTransfer rewrites the mutable transfer fields only if the stored
	// status still equals tr.From and the batch still holds BatchFrom.
	UpdateTransfer(ctx context.Context, tr Transition) (Transfer, error)
}
