// Package publisher delivers committed custody transitions to outside
// listeners. Delivery is best effort: the state machine logs a failed publish
// and moves on, and retries belong to the consumers.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"scriptcustody/custody"
)

// Message is the wire form of a custody.Event.
type Message struct {
	Kind        custody.EventKind `json:"kind"`
	BatchID     string            `json:"batch_id"`
	BatchStatus string            `json:"batch_status"`
	Custodian   string            `json:"custodian"`
	ActorID     string            `json:"actor_id"`
	OccurredAt  time.Time         `json:"occurred_at"`
	Transfer    TransferView      `json:"transfer"`
}

// TransferView is the transfer snapshot carried by a Message.
type TransferView struct {
	ID              string     `json:"id"`
	Seq             int64      `json:"seq"`
	FromHandler     string     `json:"from_handler"`
	ToHandler       string     `json:"to_handler"`
	InitiatedBy     string     `json:"initiated_by"`
	Status          string     `json:"status"`
	RequestedAt     time.Time  `json:"requested_at"`
	ExpectedCount   int        `json:"expected_count"`
	ReceivedCount   *int       `json:"received_count,omitempty"`
	Location        *string    `json:"location,omitempty"`
	DiscrepancyNote *string    `json:"discrepancy_note,omitempty"`
	ConfirmedAt     *time.Time `json:"confirmed_at,omitempty"`
	ResolutionNote  *string    `json:"resolution_note,omitempty"`
	ResolvedBy      *string    `json:"resolved_by,omitempty"`
}

func NewMessage(event custody.Event) Message {
	t := event.Transfer
	return Message{
		Kind:        event.Kind,
		BatchID:     t.BatchID,
		BatchStatus: string(event.BatchStatus),
		Custodian:   event.Custodian,
		ActorID:     event.ActorID,
		OccurredAt:  event.OccurredAt.UTC(),
		Transfer: TransferView{
			ID:              t.ID,
			Seq:             t.Seq,
			FromHandler:     t.FromHandler,
			ToHandler:       t.ToHandler,
			InitiatedBy:     t.InitiatedBy,
			Status:          string(t.Status),
			RequestedAt:     t.RequestedAt.UTC(),
			ExpectedCount:   t.ExpectedCount,
			ReceivedCount:   t.ReceivedCount,
			Location:        t.Location,
			DiscrepancyNote: t.DiscrepancyNote,
			ConfirmedAt:     t.ConfirmedAt,
			ResolutionNote:  t.ResolutionNote,
			ResolvedBy:      t.ResolvedBy,
		},
	}
}

// Encode renders the event as JSON.
func Encode(event custody.Event) ([]byte, error) {
	body, err := json.Marshal(NewMessage(event))
	if err != nil {
		return nil, fmt.Errorf("publisher: encode %s: %w", event.Kind, err)
	}
	return body, nil
}

// RoutingKey is the topic an event is published under, e.g.
// "custody.transfer-confirmed".
func RoutingKey(kind custody.EventKind) string {
	return "custody." + string(kind)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, custody.Event) error { return nil }
