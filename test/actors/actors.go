package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"scriptcustody/auth"
	"scriptcustody/batch"
	"scriptcustody/custody"
	"scriptcustody/discrepancy"
	"scriptcustody/lifecycle"
)

// StressAdmin is the override identity used by actors that act as admin.
const StressAdmin = "admin-stress"

// settle decides whether an operation error should stop the run. Rejections
// are the expected outcome of contention and dropped connections are the
// expected outcome of chaos; only integrity failures and cancellation stop.
func settle(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, custody.ErrIntegrity):
		return err
	default:
		return nil
	}
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

func pause(rng *rand.Rand, base, jitter int) {
	time.Sleep(time.Duration(base+rng.Intn(jitter)) * time.Millisecond)
}

// Initiator hands random batches from their current custodian to another
// handler. Every so often it acts as an admin on the custodian's behalf.
func Initiator(ctx context.Context, svc *custody.Service, batchIDs, handlers []string, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		batchID := batchIDs[rng.Intn(len(batchIDs))]
		custodian, err := svc.Ledger().CurrentCustodian(ctx, batchID)
		if err != nil {
			if err := settle(err); err != nil {
				return fmt.Errorf("initiator custodian: %w", err)
			}
			pause(rng, 10, 20)
			continue
		}

		to := handlers[rng.Intn(len(handlers))]
		actor := auth.Actor{ID: custodian, Role: auth.RoleLecturer}
		if rng.Intn(5) == 0 {
			actor = auth.Actor{ID: StressAdmin, Role: auth.RoleAdmin}
		}
		_, err = svc.Initiate(ctx, custody.InitiateParams{
			BatchID:       batchID,
			Actor:         actor,
			ToHandler:     to,
			ExpectedCount: 20 + rng.Intn(20),
			Location:      fmt.Sprintf("room-%d", rng.Intn(10)),
		})
		if err := settle(err); err != nil {
			return fmt.Errorf("initiator: %w", err)
		}
		pause(rng, 10, 20)
	}
}

// Confirmer acknowledges pending transfers as their recipient. One in four
// acknowledgments reports a shortfall.
func Confirmer(ctx context.Context, svc *custody.Service, batchIDs []string, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		batchID := batchIDs[rng.Intn(len(batchIDs))]
		pending, err := svc.Ledger().PendingTransfer(ctx, batchID)
		if err != nil || pending == nil {
			if err := settle(err); err != nil {
				return fmt.Errorf("confirmer pending: %w", err)
			}
			pause(rng, 5, 15)
			continue
		}

		params := custody.ConfirmParams{
			TransferID:    pending.ID,
			Actor:         auth.Actor{ID: pending.ToHandler, Role: auth.RoleLecturer},
			ReceivedCount: pending.ExpectedCount,
		}
		if rng.Intn(4) == 0 {
			params.ReceivedCount = pending.ExpectedCount - 1 - rng.Intn(3)
			params.DiscrepancyNote = "short on arrival"
		}
		_, err = svc.Confirm(ctx, params)
		if err := settle(err); err != nil {
			return fmt.Errorf("confirmer: %w", err)
		}
		pause(rng, 10, 30)
	}
}

// Resolver works through open discrepancies as an admin.
func Resolver(ctx context.Context, resolver *discrepancy.Resolver, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		open, err := resolver.ListOpen(ctx, 10)
		if err := settle(err); err != nil {
			return fmt.Errorf("resolver list: %w", err)
		}
		for _, rec := range open {
			_, err := resolver.Resolve(ctx, discrepancy.ResolveParams{
				TransferID:     rec.TransferID,
				Actor:          auth.Actor{ID: StressAdmin, Role: auth.RoleAdmin},
				ResolutionNote: fmt.Sprintf("recounted, %d accounted for", rec.ReceivedCount),
			})
			if err := settle(err); err != nil {
				return fmt.Errorf("resolver: %w", err)
			}
		}
		pause(rng, 50, 100)
	}
}

// Reporter moves batches that reached a lecturer into and out of grading.
// Transfers out of UnderGrading stay legal, so this widens the set of
// statuses initiators race against.
func Reporter(ctx context.Context, svc *batch.Service, batchIDs []string, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		_, err := svc.Report(ctx, batch.ReportParams{
			BatchID: batchIDs[rng.Intn(len(batchIDs))],
			Trigger: lifecycle.TriggerGradingStarted,
			Actor:   auth.Actor{ID: StressAdmin, Role: auth.RoleAdmin},
		})
		if err := settle(err); err != nil {
			return fmt.Errorf("reporter: %w", err)
		}
		pause(rng, 100, 200)
	}
}

// Vandal tries to rewrite and delete ledger rows directly. Any statement that
// gets past the guard triggers fails the run.
func Vandal(ctx context.Context, pool *pgxpool.Pool, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	attempts := []struct {
		name string
		sql  string
	}{
		{"delete transfer", `DELETE FROM transfers WHERE id = (SELECT id FROM transfers ORDER BY random() LIMIT 1)`},
		{"delete event", `DELETE FROM custody_events WHERE seq = (SELECT seq FROM custody_events ORDER BY random() LIMIT 1)`},
		{"delete batch", `DELETE FROM batches WHERE id = (SELECT id FROM batches ORDER BY random() LIMIT 1)`},
		{"rewrite expected count", `UPDATE transfers SET expected_count = expected_count + 1 WHERE id = (SELECT id FROM transfers ORDER BY random() LIMIT 1)`},
		{"reopen transfer", `UPDATE transfers SET status = 'pending' WHERE id = (SELECT id FROM transfers WHERE status = 'confirmed' ORDER BY random() LIMIT 1)`},
		{"rewrite event", `UPDATE custody_events SET actor_id = 'nobody' WHERE seq = (SELECT seq FROM custody_events ORDER BY random() LIMIT 1)`},
	}
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		a := attempts[rng.Intn(len(attempts))]
		tag, err := pool.Exec(ctx, a.sql)
		if err == nil && tag.RowsAffected() > 0 {
			return fmt.Errorf("vandal: %s succeeded on %d rows", a.name, tag.RowsAffected())
		}
		pause(rng, 100, 100)
	}
}
