package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"scriptcustody/lifecycle"
)

var (
	// ErrNotFound signals the requested batch does not exist.
	ErrNotFound = errors.New("batch: not found")
	// ErrStatusChanged signals the status moved between read and write.
	ErrStatusChanged = errors.New("batch: status changed concurrently")
)

// Columns is the select list understood by Scan.
const Columns = `id::text, course_ref, session_label, status, created_by, created_at, status_updated_at`

// PGRepository provides batch persistence on PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Create inserts a new batch row.
func (r *PGRepository) Create(ctx context.Context, b Batch) (Batch, error) {
	query := `
		INSERT INTO batches (id, course_ref, session_label, status, created_by, created_at, status_updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING ` + Columns

	created, err := Scan(r.pool.QueryRow(ctx, query, b.ID, b.CourseRef, b.SessionLabel, b.Status, b.CreatedBy, b.CreatedAt))
	if err != nil {
		return Batch{}, fmt.Errorf("batch: insert: %w", err)
	}
	return created, nil
}

// GetByID fetches a batch by its primary key.
func (r *PGRepository) GetByID(ctx context.Context, id string) (Batch, error) {
	query := `SELECT ` + Columns + ` FROM batches WHERE id = $1`

	b, err := Scan(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Batch{}, ErrNotFound
		}
		return Batch{}, fmt.Errorf("batch: query by id: %w", err)
	}
	return b, nil
}

// List fetches up to Filters.Limit batches, newest first.
func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Batch, error) {
	if filters.Limit <= 0 || filters.Limit > 100 {
		filters.Limit = 100
	}

	where := []string{"1=1"}
	args := []any{}
	if filters.Status != "" {
		args = append(args, filters.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filters.CourseRef != "" {
		args = append(args, filters.CourseRef)
		where = append(where, fmt.Sprintf("course_ref = $%d", len(args)))
	}
	args = append(args, filters.Limit)

	query := fmt.Sprintf(`SELECT %s FROM batches WHERE %s ORDER BY created_at DESC LIMIT $%d`,
		Columns, strings.Join(where, " AND "), len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("batch: list: %w", err)
	}
	defer rows.Close()

	out := make([]Batch, 0, filters.Limit)
	for rows.Next() {
		b, err := Scan(rows)
		if err != nil {
			return nil, fmt.Errorf("batch: scan: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("batch: iterate: %w", err)
	}
	return out, nil
}

// UpdateStatus moves the batch from one status to the next only if it still
// holds the expected status.
func (r *PGRepository) UpdateStatus(ctx context.Context, id string, from, to lifecycle.Status) (Batch, error) {
	query := `
		UPDATE batches
		SET status = $3, status_updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING ` + Columns

	b, err := Scan(r.pool.QueryRow(ctx, query, id, from, to))
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Batch{}, fmt.Errorf("batch: update status: %w", err)
	}
	if _, err := r.GetByID(ctx, id); err != nil {
		return Batch{}, err
	}
	return Batch{}, ErrStatusChanged
}

// Scan reads a row selected with Columns.
func Scan(row pgx.Row) (Batch, error) {
	var b Batch
	err := row.Scan(
		&b.ID,
		&b.CourseRef,
		&b.SessionLabel,
		&b.Status,
		&b.CreatedBy,
		&b.CreatedAt,
		&b.StatusUpdatedAt,
	)
	return b, err
}
