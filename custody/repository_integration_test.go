package custody_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"scriptcustody/auth"
	"scriptcustody/batch"
	"scriptcustody/custody"
	"scriptcustody/lifecycle"
)

// TestPGStoreHandoff_Integration runs the state machine against a real
// PostgreSQL via DATABASE_URL. Ledger rows cannot be deleted, so seeded data
// is left in place under a unique course reference.
func TestPGStoreHandoff_Integration(t *testing.T) {
	ctx, pool := integrationPool(t)

	store := custody.NewPGStore(pool)
	batches := batch.NewService(batch.NewRepository(pool))
	svc := custody.NewService(store, nil)

	invigilator := auth.Actor{ID: "inv-it", Role: auth.RoleInvigilator}
	lecturer := auth.Actor{ID: "lec-it", Role: auth.RoleLecturer}

	b, err := batches.Create(ctx, batch.CreateParams{
		CourseRef: fmt.Sprintf("IT%d", time.Now().UnixNano()),
		Actor:     invigilator,
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}

	tr, err := svc.Initiate(ctx, custody.InitiateParams{BatchID: b.ID, Actor: invigilator, ToHandler: lecturer.ID, ExpectedCount: 12})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	_, err = svc.Initiate(ctx, custody.InitiateParams{BatchID: b.ID, Actor: invigilator, ToHandler: "lec-other", ExpectedCount: 12})
	var pe *custody.PreconditionError
	if !errors.As(err, &pe) || !errors.Is(err, custody.ErrTransferAlreadyPending) {
		t.Fatalf("expected already pending, got %v", err)
	}
	if pe.Pending == nil || pe.Pending.ID != tr.ID {
		t.Fatalf("expected pending %s in error context, got %+v", tr.ID, pe.Pending)
	}

	// The partial unique index backs the service-level check.
	dup := tr
	dup.ID = "00000000-0000-0000-0000-000000000001"
	if _, err := store.AppendTransfer(ctx, custody.Transition{
		Transfer:  dup,
		HeadSeq:   tr.Seq,
		BatchFrom: lifecycle.StatusInTransit,
		BatchTo:   lifecycle.StatusInTransit,
		Kind:      custody.EventTransferInitiated,
		ActorID:   invigilator.ID,
	}); !errors.Is(err, custody.ErrPendingExists) {
		t.Fatalf("expected ErrPendingExists from index, got %v", err)
	}

	confirmed, err := svc.Confirm(ctx, custody.ConfirmParams{TransferID: tr.ID, Actor: lecturer, ReceivedCount: 12})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Status != custody.StatusConfirmed || confirmed.ConfirmedAt == nil {
		t.Fatalf("unexpected confirmed transfer: %+v", confirmed)
	}

	custodian, err := svc.Ledger().CurrentCustodian(ctx, b.ID)
	if err != nil {
		t.Fatalf("custodian: %v", err)
	}
	if custodian != lecturer.ID {
		t.Fatalf("expected custodian %s, got %s", lecturer.ID, custodian)
	}

	got, err := batches.GetByID(ctx, b.ID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if got.Status != lifecycle.StatusWithLecturer {
		t.Fatalf("expected with_lecturer, got %s", got.Status)
	}

	var events int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM custody_events WHERE batch_id = $1`, b.ID).Scan(&events); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if events != 2 {
		t.Fatalf("expected 2 custody events, got %d", events)
	}

	if _, err := pool.Exec(ctx, `DELETE FROM transfers WHERE id = $1`, tr.ID); err == nil {
		t.Fatalf("expected delete guard to reject transfer delete")
	}
	if _, err := pool.Exec(ctx, `UPDATE transfers SET expected_count = 13 WHERE id = $1`, tr.ID); err == nil {
		t.Fatalf("expected update guard to reject expected_count change")
	}
	if _, err := pool.Exec(ctx, `UPDATE transfers SET status = 'pending' WHERE id = $1`, tr.ID); err == nil {
		t.Fatalf("expected update guard to reject status regression")
	}
}

// TestPGStoreStaleInitiate_Integration commits a full handoff between a
// caller's ledger read and its append. The batch ends in with_lecturer again,
// so only the ledger head shows the caller's read is stale.
func TestPGStoreStaleInitiate_Integration(t *testing.T) {
	ctx, pool := integrationPool(t)

	store := custody.NewPGStore(pool)
	batches := batch.NewService(batch.NewRepository(pool))
	svc := custody.NewService(store, nil)

	invigilator := auth.Actor{ID: "inv-it", Role: auth.RoleInvigilator}
	first := auth.Actor{ID: "lec-it-x", Role: auth.RoleLecturer}
	second := auth.Actor{ID: "lec-it-y", Role: auth.RoleLecturer}

	b, err := batches.Create(ctx, batch.CreateParams{
		CourseRef: fmt.Sprintf("IT%d", time.Now().UnixNano()),
		Actor:     invigilator,
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}

	handoff := func(from, to auth.Actor) {
		tr, err := svc.Initiate(ctx, custody.InitiateParams{BatchID: b.ID, Actor: from, ToHandler: to.ID, ExpectedCount: 9})
		if err != nil {
			t.Fatalf("initiate %s -> %s: %v", from.ID, to.ID, err)
		}
		if _, err := svc.Confirm(ctx, custody.ConfirmParams{TransferID: tr.ID, Actor: to, ReceivedCount: 9}); err != nil {
			t.Fatalf("confirm %s: %v", tr.ID, err)
		}
	}
	handoff(invigilator, first)

	racing := &beforeAppend{Store: store, hook: func() { handoff(first, second) }}
	stale := custody.NewService(racing, nil)

	_, err = stale.Initiate(ctx, custody.InitiateParams{BatchID: b.ID, Actor: first, ToHandler: "lec-it-z", ExpectedCount: 9})
	if !errors.Is(err, custody.ErrNotCustodian) {
		t.Fatalf("expected not custodian, got %v", err)
	}

	custodian, err := svc.Ledger().CurrentCustodian(ctx, b.ID)
	if err != nil {
		t.Fatalf("custodian: %v", err)
	}
	if custodian != second.ID {
		t.Fatalf("expected custodian %s, got %s", second.ID, custodian)
	}

	var pending int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM transfers WHERE batch_id = $1 AND status = 'pending'`, b.ID).Scan(&pending); err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if pending != 0 {
		t.Fatalf("expected no pending transfer, got %d", pending)
	}

	if _, err := store.AppendTransfer(ctx, custody.Transition{
		Transfer:  custody.Transfer{ID: "00000000-0000-0000-0000-000000000002", BatchID: b.ID, FromHandler: first.ID, ToHandler: "lec-it-z", InitiatedBy: first.ID, RequestedAt: time.Now().UTC()},
		HeadSeq:   0,
		BatchFrom: lifecycle.StatusWithLecturer,
		BatchTo:   lifecycle.StatusInTransit,
		Kind:      custody.EventTransferInitiated,
		ActorID:   first.ID,
	}); !errors.Is(err, custody.ErrStaleLedger) {
		t.Fatalf("expected ErrStaleLedger, got %v", err)
	}
}

func integrationPool(t *testing.T) (context.Context, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	t.Cleanup(pool.Close)

	for _, tbl := range []string{"batches", "transfers", "custody_events"} {
		if !tableExists(ctx, t, pool, tbl) {
			t.Skipf("table %s missing; run migrations: go run ./cmd/migrate up", tbl)
		}
	}
	return ctx, pool
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	if err := pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, name).Scan(&exists); err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
