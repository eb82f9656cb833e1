package custody

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"scriptcustody/lifecycle"
)

var (
	ErrNotFound               = errors.New("custody: not found")
	ErrNotCustodian           = errors.New("custody: actor is not the current custodian")
	ErrTransferAlreadyPending = errors.New("custody: transfer already pending")
	ErrInvalidBatchState      = errors.New("custody: batch state does not permit transfer")
	ErrInvalidTarget          = errors.New("custody: invalid transfer target")
	ErrInvalidCount           = errors.New("custody: count must not be negative")
	ErrTransferNotPending     = errors.New("custody: transfer is not pending")
	ErrNotRecipient           = errors.New("custody: actor is not the transfer recipient")
	ErrMissingDiscrepancyNote = errors.New("custody: discrepancy note required when counts differ")
	ErrTransferNotDisputed    = errors.New("custody: transfer is not disputed")
	ErrNotAuthorized          = errors.New("custody: not authorized")
	ErrMissingResolutionNote  = errors.New("custody: resolution note required")

	// ErrIntegrity marks ledger data that cannot have been produced by the
	// state machine. Operations that hit it stop without repairing anything.
	ErrIntegrity = errors.New("custody: integrity violation")
)

// PreconditionError describes a rejected operation along with the state the
// caller needs to show an actionable message.
type PreconditionError struct {
	Err            error
	BatchID        string
	TransferID     string
	Custodian      string
	BatchStatus    lifecycle.Status
	TransferStatus TransferStatus
	Pending        *Transfer
}

func (e *PreconditionError) Error() string {
	var b strings.Builder
	b.WriteString(e.Err.Error())
	if e.BatchID != "" {
		fmt.Fprintf(&b, " (batch %s", e.BatchID)
	} else {
		b.WriteString(" (")
	}
	if e.TransferID != "" {
		fmt.Fprintf(&b, ", transfer %s", e.TransferID)
	}
	if e.TransferStatus != "" {
		fmt.Fprintf(&b, ", status %s", e.TransferStatus)
	}
	if e.BatchStatus != "" {
		fmt.Fprintf(&b, ", batch status %s", e.BatchStatus)
	}
	if e.Custodian != "" {
		fmt.Fprintf(&b, ", custodian %s", e.Custodian)
	}
	if e.Pending != nil {
		fmt.Fprintf(&b, ", pending transfer %s initiated by %s at %s",
			e.Pending.ID, e.Pending.InitiatedBy, e.Pending.RequestedAt.UTC().Format(time.RFC3339))
	}
	b.WriteString(")")
	return b.String()
}

func (e *PreconditionError) Unwrap() error {
	return e.Err
}

// Code returns a stable machine-readable code for err.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrNotCustodian):
		return "NOT_CUSTODIAN"
	case errors.Is(err, ErrTransferAlreadyPending):
		return "TRANSFER_ALREADY_PENDING"
	case errors.Is(err, ErrInvalidBatchState):
		return "INVALID_BATCH_STATE"
	case errors.Is(err, ErrInvalidTarget):
		return "INVALID_TARGET"
	case errors.Is(err, ErrInvalidCount):
		return "INVALID_COUNT"
	case errors.Is(err, ErrTransferNotPending):
		return "TRANSFER_NOT_PENDING"
	case errors.Is(err, ErrNotRecipient):
		return "NOT_RECIPIENT"
	case errors.Is(err, ErrMissingDiscrepancyNote):
		return "MISSING_DISCREPANCY_NOTE"
	case errors.Is(err, ErrTransferNotDisputed):
		return "TRANSFER_NOT_DISPUTED"
	case errors.Is(err, ErrNotAuthorized):
		return "NOT_AUTHORIZED"
	case errors.Is(err, ErrMissingResolutionNote):
		return "MISSING_RESOLUTION_NOTE"
	case errors.Is(err, ErrIntegrity):
		return "INTEGRITY_VIOLATION"
	default:
		return "UNKNOWN"
	}
}

// IsPrecondition reports whether err is a recoverable precondition failure.
func IsPrecondition(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}
