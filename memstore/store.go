// Package memstore is an in-process ledger store. Its mutex stands in for the
// database's row locks and constraints, so each write is applied with the same
// conditional semantics as the PostgreSQL store.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"scriptcustody/batch"
	"scriptcustody/custody"
	"scriptcustody/lifecycle"
)

// Store implements custody.Store and batch.Repository.
type Store struct {
	mu        sync.Mutex
	now       func() time.Time
	seq       int64
	batches   map[string]batch.Batch
	transfers map[string]custody.Transfer
	byBatch   map[string][]string
	events    []Event
}

// Event is an audit entry recorded alongside each committed transition.
type Event struct {
	BatchID    string
	TransferID string
	Kind       custody.EventKind
	ActorID    string
	BatchFrom  lifecycle.Status
	BatchTo    lifecycle.Status
}

func New() *Store {
	return &Store{
		now:       time.Now,
		batches:   make(map[string]batch.Batch),
		transfers: make(map[string]custody.Transfer),
		byBatch:   make(map[string][]string),
	}
}

var (
	_ custody.Store    = (*Store)(nil)
	_ batch.Repository = (*Store)(nil)
)

func (s *Store) Create(_ context.Context, b batch.Batch) (batch.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.StatusUpdatedAt = b.CreatedAt
	s.batches[b.ID] = b
	return b, nil
}

func (s *Store) GetByID(_ context.Context, id string) (batch.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return batch.Batch{}, batch.ErrNotFound
	}
	return b, nil
}

func (s *Store) List(_ context.Context, filters batch.Filters) ([]batch.Batch, error) {
	if filters.Limit <= 0 || filters.Limit > 100 {
		filters.Limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]batch.Batch, 0, len(s.batches))
	for _, b := range s.batches {
		if filters.Status != "" && b.Status != filters.Status {
			continue
		}
		if filters.CourseRef != "" && b.CourseRef != filters.CourseRef {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > filters.Limit {
		out = out[:filters.Limit]
	}
	return out, nil
}

func (s *Store) UpdateStatus(_ context.Context, id string, from, to lifecycle.Status) (batch.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return batch.Batch{}, batch.ErrNotFound
	}
	if b.Status != from {
		return batch.Batch{}, batch.ErrStatusChanged
	}
	b.Status = to
	b.StatusUpdatedAt = s.now().UTC()
	s.batches[id] = b
	return b, nil
}

func (s *Store) Batch(ctx context.Context, batchID string) (batch.Batch, error) {
	return s.GetByID(ctx, batchID)
}

func (s *Store) Transfer(_ context.Context, transferID string) (custody.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[transferID]
	if !ok {
		return custody.Transfer{}, custody.ErrNotFound
	}
	return clone(t), nil
}

func (s *Store) Transfers(_ context.Context, batchID string, afterSeq int64, limit int) ([]custody.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []custody.Transfer
	for _, id := range s.byBatch[batchID] {
		t := s.transfers[id]
		if t.Seq <= afterSeq {
			continue
		}
		out = append(out, clone(t))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) PendingTransfer(_ context.Context, batchID string) (*custody.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.pendingLocked(batchID); ok {
		c := clone(t)
		return &c, nil
	}
	return nil, nil
}

func (s *Store) TransfersByStatus(_ context.Context, status custody.TransferStatus, limit int) ([]custody.Transfer, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []custody.Transfer
	for _, t := range s.transfers {
		if t.Status == status {
			out = append(out, clone(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) AppendTransfer(_ context.Context, tr custody.Transition) (custody.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := tr.Transfer
	b, ok := s.batches[t.BatchID]
	if !ok {
		return custody.Transfer{}, batch.ErrNotFound
	}
	if s.headLocked(t.BatchID) != tr.HeadSeq {
		return custody.Transfer{}, custody.ErrStaleLedger
	}
	if _, ok := s.pendingLocked(t.BatchID); ok {
		return custody.Transfer{}, custody.ErrPendingExists
	}
	if b.Status != tr.BatchFrom {
		return custody.Transfer{}, custody.ErrStaleBatch
	}

	s.seq++
	t.Seq = s.seq
	t.Status = custody.StatusPending
	t = clone(t)
	s.transfers[t.ID] = t
	s.byBatch[t.BatchID] = append(s.byBatch[t.BatchID], t.ID)
	s.moveLocked(b, tr)
	return clone(t), nil
}

func (s *Store) headLocked(batchID string) int64 {
	var head int64
	for _, id := range s.byBatch[batchID] {
		if seq := s.transfers[id].Seq; seq > head {
			head = seq
		}
	}
	return head
}

func (s *Store) UpdateTransfer(_ context.Context, tr custody.Transition) (custody.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.transfers[tr.Transfer.ID]
	if !ok {
		return custody.Transfer{}, custody.ErrNotFound
	}
	if current.Status != tr.From {
		return custody.Transfer{}, custody.ErrStaleTransfer
	}
	b, ok := s.batches[current.BatchID]
	if !ok {
		return custody.Transfer{}, batch.ErrNotFound
	}
	if b.Status != tr.BatchFrom {
		return custody.Transfer{}, custody.ErrStaleBatch
	}

	// Only the handshake columns are writable; identity, parties and the
	// expected count keep their stored values.
	next := clone(tr.Transfer)
	updated := current
	updated.Status = next.Status
	updated.ReceivedCount = next.ReceivedCount
	updated.DiscrepancyNote = next.DiscrepancyNote
	updated.ReceivedAt = next.ReceivedAt
	updated.ConfirmedBy = next.ConfirmedBy
	updated.ConfirmedAt = next.ConfirmedAt
	updated.ResolutionNote = next.ResolutionNote
	updated.ResolvedBy = next.ResolvedBy
	updated.ResolvedAt = next.ResolvedAt

	s.transfers[updated.ID] = updated
	s.moveLocked(b, tr)
	return clone(updated), nil
}

// Events returns the audit entries recorded so far.
func (s *Store) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Put stores a transfer verbatim, bypassing every check. It exists to seed
// corrupted ledgers in tests.
func (s *Store) Put(t custody.Transfer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Seq == 0 {
		s.seq++
		t.Seq = s.seq
	} else if t.Seq > s.seq {
		s.seq = t.Seq
	}
	if _, exists := s.transfers[t.ID]; !exists {
		s.byBatch[t.BatchID] = append(s.byBatch[t.BatchID], t.ID)
	}
	s.transfers[t.ID] = clone(t)
}

func (s *Store) pendingLocked(batchID string) (custody.Transfer, bool) {
	for _, id := range s.byBatch[batchID] {
		if t := s.transfers[id]; t.Status == custody.StatusPending {
			return t, true
		}
	}
	return custody.Transfer{}, false
}

func (s *Store) moveLocked(b batch.Batch, tr custody.Transition) {
	b.Status = tr.BatchTo
	b.StatusUpdatedAt = s.now().UTC()
	s.batches[b.ID] = b
	s.events = append(s.events, Event{
		BatchID:    b.ID,
		TransferID: tr.Transfer.ID,
		Kind:       tr.Kind,
		ActorID:    tr.ActorID,
		BatchFrom:  tr.BatchFrom,
		BatchTo:    tr.BatchTo,
	})
}

func clone(t custody.Transfer) custody.Transfer {
	t.ReceivedCount = clonePtr(t.ReceivedCount)
	t.Location = clonePtr(t.Location)
	t.DiscrepancyNote = clonePtr(t.DiscrepancyNote)
	t.ReceivedAt = clonePtr(t.ReceivedAt)
	t.ConfirmedBy = clonePtr(t.ConfirmedBy)
	t.ConfirmedAt = clonePtr(t.ConfirmedAt)
	t.ResolutionNote = clonePtr(t.ResolutionNote)
	t.ResolvedBy = clonePtr(t.ResolvedBy)
	t.ResolvedAt = clonePtr(t.ResolvedAt)
	return t
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
