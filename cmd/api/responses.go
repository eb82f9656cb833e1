package main

import (
	"time"

	"scriptcustody/batch"
	"scriptcustody/custody"
	"scriptcustody/discrepancy"
)

type batchResponse struct {
	ID              string `json:"id"`
	CourseRef       string `json:"courseRef"`
	SessionLabel    string `json:"sessionLabel,omitempty"`
	Status          string `json:"status"`
	CreatedBy       string `json:"createdBy"`
	CreatedAt       string `json:"createdAt"`
	StatusUpdatedAt string `json:"statusUpdatedAt"`
}

func toBatchResponse(b batch.Batch) batchResponse {
	return batchResponse{
		ID:              b.ID,
		CourseRef:       b.CourseRef,
		SessionLabel:    b.SessionLabel,
		Status:          string(b.Status),
		CreatedBy:       b.CreatedBy,
		CreatedAt:       formatTime(b.CreatedAt),
		StatusUpdatedAt: formatTime(b.StatusUpdatedAt),
	}
}

type transferResponse struct {
	ID              string  `json:"id"`
	Seq             int64   `json:"seq"`
	BatchID         string  `json:"batchId"`
	FromHandler     string  `json:"fromHandler"`
	ToHandler       string  `json:"toHandler"`
	InitiatedBy     string  `json:"initiatedBy"`
	RequestedAt     string  `json:"requestedAt"`
	ExpectedCount   int     `json:"expectedCount"`
	ReceivedCount   *int    `json:"receivedCount,omitempty"`
	Status          string  `json:"status"`
	Location        *string `json:"location,omitempty"`
	DiscrepancyNote *string `json:"discrepancyNote,omitempty"`
	ReceivedAt      *string `json:"receivedAt,omitempty"`
	ConfirmedBy     *string `json:"confirmedBy,omitempty"`
	ConfirmedAt     *string `json:"confirmedAt,omitempty"`
	ResolutionNote  *string `json:"resolutionNote,omitempty"`
	ResolvedBy      *string `json:"resolvedBy,omitempty"`
	ResolvedAt      *string `json:"resolvedAt,omitempty"`
}

func toTransferResponse(t custody.Transfer) transferResponse {
	return transferResponse{
		ID:              t.ID,
		Seq:             t.Seq,
		BatchID:         t.BatchID,
		FromHandler:     t.FromHandler,
		ToHandler:       t.ToHandler,
		InitiatedBy:     t.InitiatedBy,
		RequestedAt:     formatTime(t.RequestedAt),
		ExpectedCount:   t.ExpectedCount,
		ReceivedCount:   t.ReceivedCount,
		Status:          string(t.Status),
		Location:        t.Location,
		DiscrepancyNote: t.DiscrepancyNote,
		ReceivedAt:      formatTimePtr(t.ReceivedAt),
		ConfirmedBy:     t.ConfirmedBy,
		ConfirmedAt:     formatTimePtr(t.ConfirmedAt),
		ResolutionNote:  t.ResolutionNote,
		ResolvedBy:      t.ResolvedBy,
		ResolvedAt:      formatTimePtr(t.ResolvedAt),
	}
}

type discrepancyResponse struct {
	TransferID    string `json:"transferId"`
	BatchID       string `json:"batchId"`
	FromHandler   string `json:"fromHandler"`
	ToHandler     string `json:"toHandler"`
	ExpectedCount int    `json:"expectedCount"`
	ReceivedCount int    `json:"receivedCount"`
	Shortfall     int    `json:"shortfall"`
	Note          string `json:"note"`
	ReportedBy    string `json:"reportedBy"`
	ReportedAt    string `json:"reportedAt"`
}

func toDiscrepancyResponse(rec discrepancy.Record) discrepancyResponse {
	return discrepancyResponse{
		TransferID:    rec.TransferID,
		BatchID:       rec.BatchID,
		FromHandler:   rec.FromHandler,
		ToHandler:     rec.ToHandler,
		ExpectedCount: rec.ExpectedCount,
		ReceivedCount: rec.ReceivedCount,
		Shortfall:     rec.Shortfall(),
		Note:          rec.Note,
		ReportedBy:    rec.ReportedBy,
		ReportedAt:    formatTime(rec.ReportedAt),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
