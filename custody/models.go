package custody

import (
	"time"

	"scriptcustody/lifecycle"
)

// TransferStatus is the position of a single handoff in its handshake.
type TransferStatus string

const (
	StatusPending             TransferStatus = "pending"
	StatusConfirmed           TransferStatus = "confirmed"
	StatusDisputedDiscrepancy TransferStatus = "disputed_discrepancy"
	StatusResolved            TransferStatus = "resolved"
)

// Transfer is one handoff attempt of a batch between two handlers.
//
// ExpectedCount is snapshotted at initiation and never changes. The pointer
// fields stay nil until the confirm or resolve step fills them.
type Transfer struct {
	ID            string
	Seq           int64
	BatchID       string
	FromHandler   string
	ToHandler     string
	InitiatedBy   string
	RequestedAt   time.Time
	ExpectedCount int
	ReceivedCount *int
	Status        TransferStatus
	Location      *string

	DiscrepancyNote *string
	ReceivedAt      *time.Time
	ConfirmedBy     *string
	ConfirmedAt     *time.Time

	ResolutionNote *string
	ResolvedBy     *string
	ResolvedAt     *time.Time
}

// BearsCustody reports whether the scripts physically reached the recipient.
// A disputed count does not undo the handoff.
func (t Transfer) BearsCustody() bool {
	switch t.Status {
	case StatusConfirmed, StatusDisputedDiscrepancy, StatusResolved:
		return true
	default:
		return false
	}
}

// EventKind discriminates the transition an Event describes.
type EventKind string

const (
	EventTransferInitiated   EventKind = "transfer-initiated"
	EventTransferConfirmed   EventKind = "transfer-confirmed"
	EventDiscrepancyReported EventKind = "transfer-discrepancy-reported"
	EventTransferResolved    EventKind = "transfer-resolved"
)

// Event is emitted after every committed transition.
type Event struct {
	Kind        EventKind
	Transfer    Transfer
	Custodian   string
	BatchStatus lifecycle.Status
	ActorID     string
	OccurredAt  time.Time
}
