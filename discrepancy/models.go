package discrepancy

import (
	"time"

	"scriptcustody/custody"
)

// Record is an open count discrepancy awaiting resolution.
type Record struct {
	TransferID    string
	BatchID       string
	FromHandler   string
	ToHandler     string
	ExpectedCount int
	ReceivedCount int
	Note          string
	ReportedBy    string
	ReportedAt    time.Time
}

// Shortfall is the number of scripts missing on receipt. A negative value
// means more scripts arrived than were expected.
func (r Record) Shortfall() int {
	return r.ExpectedCount - r.ReceivedCount
}

func recordFrom(t custody.Transfer) Record {
	rec := Record{
		TransferID:    t.ID,
		BatchID:       t.BatchID,
		FromHandler:   t.FromHandler,
		ToHandler:     t.ToHandler,
		ExpectedCount: t.ExpectedCount,
	}
	if t.ReceivedCount != nil {
		rec.ReceivedCount = *t.ReceivedCount
	}
	if t.DiscrepancyNote != nil {
		rec.Note = *t.DiscrepancyNote
	}
	if t.ConfirmedBy != nil {
		rec.ReportedBy = *t.ConfirmedBy
	}
	if t.ReceivedAt != nil {
		rec.ReportedAt = *t.ReceivedAt
	}
	return rec
}
