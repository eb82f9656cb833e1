package lifecycle

import (
	"errors"
	"fmt"
)

// Status is the coarse-grained position of a script batch in its life.
type Status string

const (
	StatusCollecting        Status = "collecting"
	StatusAwaitingTransfer  Status = "awaiting_transfer"
	StatusInTransit         Status = "in_transit"
	StatusDiscrepancy       Status = "discrepancy"
	StatusWithLecturer      Status = "with_lecturer"
	StatusUnderGrading      Status = "under_grading"
	StatusGraded            Status = "graded"
	StatusReturning         Status = "returning"
	StatusReturnDiscrepancy Status = "return_discrepancy"
	StatusReturned          Status = "returned"
	StatusCompleted         Status = "completed"
)

// Trigger is an event that may move a batch to its next status.
type Trigger string

const (
	TriggerTransferInitiated   Trigger = "transfer-initiated"
	TriggerTransferConfirmed   Trigger = "transfer-confirmed"
	TriggerDiscrepancyReported Trigger = "transfer-discrepancy-reported"
	TriggerTransferResolved    Trigger = "transfer-resolved"

	TriggerSessionSubmitted Trigger = "session-submitted"
	TriggerGradingStarted   Trigger = "grading-started"
	TriggerGradingCompleted Trigger = "grading-completed"
	TriggerArchived         Trigger = "archived"
)

// ErrIllegalTransition is returned when a trigger is not valid for the
// batch's current status.
var ErrIllegalTransition = errors.New("lifecycle: illegal transition")

type edge struct {
	from    Status
	trigger Trigger
}

var transitions = map[edge]Status{
	{StatusCollecting, TriggerSessionSubmitted}: StatusAwaitingTransfer,

	{StatusCollecting, TriggerTransferInitiated}:       StatusInTransit,
	{StatusAwaitingTransfer, TriggerTransferInitiated}: StatusInTransit,
	{StatusWithLecturer, TriggerTransferInitiated}:     StatusInTransit,
	{StatusUnderGrading, TriggerTransferInitiated}:     StatusInTransit,
	{StatusInTransit, TriggerTransferConfirmed}:        StatusWithLecturer,
	{StatusInTransit, TriggerDiscrepancyReported}:      StatusDiscrepancy,
	{StatusDiscrepancy, TriggerTransferResolved}:       StatusWithLecturer,

	{StatusWithLecturer, TriggerGradingStarted}:   StatusUnderGrading,
	{StatusUnderGrading, TriggerGradingCompleted}: StatusGraded,

	// Handing graded scripts back runs through a parallel set of states so
	// the batch lands in Returned rather than WithLecturer.
	{StatusGraded, TriggerTransferInitiated}:           StatusReturning,
	{StatusReturning, TriggerTransferConfirmed}:        StatusReturned,
	{StatusReturning, TriggerDiscrepancyReported}:      StatusReturnDiscrepancy,
	{StatusReturnDiscrepancy, TriggerTransferResolved}: StatusReturned,

	{StatusReturned, TriggerArchived}: StatusCompleted,
}

// Advance maps the current status and a trigger to the next status.
func Advance(current Status, trigger Trigger) (Status, error) {
	next, ok := transitions[edge{current, trigger}]
	if !ok {
		return "", fmt.Errorf("%w: %s on %s", ErrIllegalTransition, trigger, current)
	}
	return next, nil
}

// PermitsTransfer reports whether a new handoff may start from status.
func PermitsTransfer(status Status) bool {
	_, ok := transitions[edge{status, TriggerTransferInitiated}]
	return ok
}

// IsTransferTrigger reports whether the trigger is owned by the transfer
// state machine rather than an external collaborator.
func IsTransferTrigger(t Trigger) bool {
	switch t {
	case TriggerTransferInitiated, TriggerTransferConfirmed, TriggerDiscrepancyReported, TriggerTransferResolved:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCollecting, StatusAwaitingTransfer, StatusInTransit, StatusDiscrepancy,
		StatusWithLecturer, StatusUnderGrading, StatusGraded, StatusReturning,
		StatusReturnDiscrepancy, StatusReturned, StatusCompleted:
		return true
	default:
		return false
	}
}

// Valid reports whether t is a known trigger.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerSessionSubmitted, TriggerGradingStarted, TriggerGradingCompleted, TriggerArchived:
		return true
	default:
		return IsTransferTrigger(t)
	}
}
