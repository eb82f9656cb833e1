package custody

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"scriptcustody/batch"
)

const (
	pendingIndexName = "transfers_one_pending_per_batch"

	sqlStateUniqueViolation     = "23505"
	sqlStateForeignKeyViolation = "23503"
	sqlStateInvalidText         = "22P02"
)

const transferColumns = `id::text, seq, batch_id::text, from_handler, to_handler, initiated_by,
	requested_at, expected_count, received_count, status, location, discrepancy_note,
	received_at, confirmed_by, confirmed_at, resolution_note, resolved_by, resolved_at`

// PGStore is the PostgreSQL ledger. Each write runs in one transaction that
// carries the transfer row, the batch status compare-and-swap and the audit
// event.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Batch(ctx context.Context, batchID string) (batch.Batch, error) {
	query := `SELECT ` + batch.Columns + ` FROM batches WHERE id = $1`

	b, err := batch.Scan(s.pool.QueryRow(ctx, query, batchID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidText(err) {
			return batch.Batch{}, batch.ErrNotFound
		}
		return batch.Batch{}, fmt.Errorf("custody: query batch: %w", err)
	}
	return b, nil
}

func (s *PGStore) Transfer(ctx context.Context, transferID string) (Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE id = $1`

	t, err := scanTransfer(s.pool.QueryRow(ctx, query, transferID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidText(err) {
			return Transfer{}, fmt.Errorf("%w: transfer %s", ErrNotFound, transferID)
		}
		return Transfer{}, fmt.Errorf("custody: query transfer: %w", err)
	}
	return t, nil
}

func (s *PGStore) Transfers(ctx context.Context, batchID string, afterSeq int64, limit int) ([]Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE batch_id = $1 AND seq > $2 ORDER BY seq`
	args := []any{batchID, afterSeq}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	return s.queryTransfers(ctx, query, args...)
}

func (s *PGStore) PendingTransfer(ctx context.Context, batchID string) (*Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE batch_id = $1 AND status = 'pending'`

	t, err := scanTransfer(s.pool.QueryRow(ctx, query, batchID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidText(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("custody: query pending transfer: %w", err)
	}
	return &t, nil
}

func (s *PGStore) TransfersByStatus(ctx context.Context, status TransferStatus, limit int) ([]Transfer, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE status = $1 ORDER BY seq LIMIT $2`
	return s.queryTransfers(ctx, query, status, limit)
}

func (s *PGStore) AppendTransfer(ctx context.Context, tr Transition) (Transfer, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transfer{}, fmt.Errorf("custody: begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	t := tr.Transfer
	head, err := lockHead(ctx, tx, t.BatchID)
	if err != nil {
		return Transfer{}, err
	}
	if head != tr.HeadSeq {
		return Transfer{}, ErrStaleLedger
	}

	insert := `
		INSERT INTO transfers (id, batch_id, from_handler, to_handler, initiated_by, requested_at, expected_count, status, location)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8)
		RETURNING ` + transferColumns

	created, err := scanTransfer(tx.QueryRow(ctx, insert,
		t.ID, t.BatchID, t.FromHandler, t.ToHandler, t.InitiatedBy, t.RequestedAt, t.ExpectedCount, t.Location))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch {
			case pgErr.Code == sqlStateUniqueViolation && pgErr.ConstraintName == pendingIndexName:
				return Transfer{}, ErrPendingExists
			case pgErr.Code == sqlStateForeignKeyViolation, pgErr.Code == sqlStateInvalidText:
				return Transfer{}, batch.ErrNotFound
			}
		}
		return Transfer{}, fmt.Errorf("custody: insert transfer: %w", err)
	}

	if err := moveBatch(ctx, tx, t.BatchID, tr); err != nil {
		return Transfer{}, err
	}
	if err := insertEvent(ctx, tx, created, tr); err != nil {
		return Transfer{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Transfer{}, fmt.Errorf("custody: commit append: %w", err)
	}
	return created, nil
}

func (s *PGStore) UpdateTransfer(ctx context.Context, tr Transition) (Transfer, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transfer{}, fmt.Errorf("custody: begin update: %w", err)
	}
	defer tx.Rollback(ctx)

	t := tr.Transfer
	if _, err := lockHead(ctx, tx, t.BatchID); err != nil {
		return Transfer{}, err
	}

	update := `
		UPDATE transfers
		SET status = $3,
		    received_count = $4,
		    discrepancy_note = $5,
		    received_at = $6,
		    confirmed_by = $7,
		    confirmed_at = $8,
		    resolution_note = $9,
		    resolved_by = $10,
		    resolved_at = $11
		WHERE id = $1 AND status = $2
		RETURNING ` + transferColumns

	updated, err := scanTransfer(tx.QueryRow(ctx, update,
		t.ID, tr.From, t.Status,
		t.ReceivedCount, t.DiscrepancyNote, t.ReceivedAt, t.ConfirmedBy, t.ConfirmedAt,
		t.ResolutionNote, t.ResolvedBy, t.ResolvedAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transfer{}, ErrStaleTransfer
		}
		return Transfer{}, fmt.Errorf("custody: update transfer: %w", err)
	}

	if err := moveBatch(ctx, tx, updated.BatchID, tr); err != nil {
		return Transfer{}, err
	}
	if err := insertEvent(ctx, tx, updated, tr); err != nil {
		return Transfer{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Transfer{}, fmt.Errorf("custody: commit update: %w", err)
	}
	return updated, nil
}

func (s *PGStore) queryTransfers(ctx context.Context, query string, args ...any) ([]Transfer, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		if isInvalidText(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("custody: list transfers: %w", err)
	}
	defer rows.Close()

	out := make([]Transfer, 0, 8)
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("custody: scan transfer: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("custody: iterate transfers: %w", err)
	}
	return out, nil
}

// lockHead takes the batch row lock that serializes ledger writes for the
// batch and returns the highest transfer Seq committed under it.
func lockHead(ctx context.Context, tx pgx.Tx, batchID string) (int64, error) {
	var id string
	err := tx.QueryRow(ctx, `SELECT id::text FROM batches WHERE id = $1 FOR UPDATE`, batchID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidText(err) {
			return 0, batch.ErrNotFound
		}
		return 0, fmt.Errorf("custody: lock batch: %w", err)
	}

	var head int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM transfers WHERE batch_id = $1`, batchID).Scan(&head); err != nil {
		return 0, fmt.Errorf("custody: read ledger head: %w", err)
	}
	return head, nil
}

func moveBatch(ctx context.Context, tx pgx.Tx, batchID string, tr Transition) error {
	tag, err := tx.Exec(ctx, `
		UPDATE batches
		SET status = $3, status_updated_at = now()
		WHERE id = $1 AND status = $2
	`, batchID, tr.BatchFrom, tr.BatchTo)
	if err != nil {
		return fmt.Errorf("custody: update batch status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleBatch
	}
	return nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, t Transfer, tr Transition) error {
	payload := map[string]any{
		"from_handler":    t.FromHandler,
		"to_handler":      t.ToHandler,
		"status":          t.Status,
		"expected_count":  t.ExpectedCount,
		"batch_status":    tr.BatchTo,
		"previous_status": tr.BatchFrom,
	}
	if t.ReceivedCount != nil {
		payload["received_count"] = *t.ReceivedCount
	}
	if t.DiscrepancyNote != nil {
		payload["discrepancy_note"] = *t.DiscrepancyNote
	}
	if t.ResolutionNote != nil {
		payload["resolution_note"] = *t.ResolutionNote
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("custody: marshal event payload: %w", err)
	}

	const q = `
		INSERT INTO custody_events (batch_id, transfer_id, kind, actor_id, payload)
		VALUES ($1, $2, $3, $4, $5::jsonb)
	`
	if _, err := tx.Exec(ctx, q, t.BatchID, t.ID, tr.Kind, tr.ActorID, body); err != nil {
		return fmt.Errorf("custody: insert event: %w", err)
	}
	return nil
}

func scanTransfer(row pgx.Row) (Transfer, error) {
	var t Transfer
	err := row.Scan(
		&t.ID,
		&t.Seq,
		&t.BatchID,
		&t.FromHandler,
		&t.ToHandler,
		&t.InitiatedBy,
		&t.RequestedAt,
		&t.ExpectedCount,
		&t.ReceivedCount,
		&t.Status,
		&t.Location,
		&t.DiscrepancyNote,
		&t.ReceivedAt,
		&t.ConfirmedBy,
		&t.ConfirmedAt,
		&t.ResolutionNote,
		&t.ResolvedBy,
		&t.ResolvedAt,
	)
	return t, err
}

func isInvalidText(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == sqlStateInvalidText
}
