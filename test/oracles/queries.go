package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_pending",
			SQL: `SELECT batch_id, COUNT(*) FROM transfers
                  WHERE status = 'pending'
                  GROUP BY batch_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_in_transit_iff_pending",
			SQL: `SELECT b.id, b.status FROM batches b
                  WHERE (b.status IN ('in_transit','returning'))
                     <> EXISTS (SELECT 1 FROM transfers t WHERE t.batch_id = b.id AND t.status = 'pending')`,
		},
		{
			Name: "O3_discrepancy_iff_disputed",
			SQL: `SELECT b.id, b.status FROM batches b
                  WHERE (b.status IN ('discrepancy','return_discrepancy'))
                     <> EXISTS (SELECT 1 FROM transfers t WHERE t.batch_id = b.id AND t.status = 'disputed_discrepancy')`,
		},
		{
			Name: "O4_chain_continuity",
			SQL: `WITH chain AS (
                      SELECT t.id, t.seq, t.from_handler, b.created_by,
                             LAG(t.to_handler) OVER (PARTITION BY t.batch_id ORDER BY t.seq) AS prev_to
                      FROM transfers t JOIN batches b ON b.id = t.batch_id)
                  SELECT id, seq, from_handler, prev_to FROM chain
                  WHERE from_handler <> COALESCE(prev_to, created_by)`,
		},
		{
			Name: "O5_pending_is_last",
			SQL: `SELECT p.id FROM transfers p
                  WHERE p.status = 'pending'
                    AND EXISTS (SELECT 1 FROM transfers t WHERE t.batch_id = p.batch_id AND t.seq > p.seq)`,
		},
		{
			Name: "O6_counts_match_status",
			SQL: `SELECT id, status, expected_count, received_count FROM transfers
                  WHERE (status = 'confirmed' AND received_count <> expected_count)
                     OR (status IN ('disputed_discrepancy','resolved') AND received_count = expected_count)`,
		},
		{
			Name: "O7_audit_trail_complete",
			SQL: `SELECT t.id, t.status FROM transfers t
                  WHERE NOT EXISTS (SELECT 1 FROM custody_events e WHERE e.transfer_id = t.id AND e.kind = 'transfer-initiated')
                     OR (t.status <> 'pending' AND NOT EXISTS (
                            SELECT 1 FROM custody_events e WHERE e.transfer_id = t.id
                              AND e.kind IN ('transfer-confirmed','transfer-discrepancy-reported')))
                     OR (t.status = 'resolved' AND NOT EXISTS (
                            SELECT 1 FROM custody_events e WHERE e.transfer_id = t.id AND e.kind = 'transfer-resolved'))`,
		},
		{
			Name: "O8_delete_guards",
			SQL: `SELECT v.name FROM (VALUES ('batches_no_delete'), ('transfers_no_delete'), ('custody_events_no_delete')) AS v(name)
                  WHERE NOT EXISTS (
                      SELECT 1 FROM pg_trigger tg JOIN pg_class c ON c.oid = tg.tgrelid
                      WHERE tg.tgname = v.name AND c.relnamespace = current_schema()::regnamespace)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
