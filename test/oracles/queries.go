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

// All returns the invariant checks run against a live database while actors
// hammer it. Any returned row is a violation.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_rent_counter_matches_payments",
			SQL: `SELECT a.id, a.total_months_paid, COUNT(p.id)
                  FROM escrow_agreements a
                  LEFT JOIN rent_payments p ON p.agreement_id = a.id
                  GROUP BY a.id, a.total_months_paid
                  HAVING a.total_months_paid <> COUNT(p.id)`,
		},
		{
			Name: "O2_period_within_lease",
			SQL: `SELECT p.id, p.period, a.lease_duration
                  FROM rent_payments p
                  JOIN escrow_agreements a ON a.id = p.agreement_id
                  WHERE p.period < 1 OR p.period > a.lease_duration`,
		},
		{
			Name: "O3_event_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT agreement_id, seq,
                             LAG(seq) OVER (PARTITION BY agreement_id ORDER BY seq) AS prev
                      FROM escrow_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O4_custody_all_or_nothing",
			SQL: `SELECT id, custody_balance, security_deposit, dispute_status
                  FROM escrow_agreements
                  WHERE custody_balance NOT IN (0, security_deposit)
                     OR (dispute_status = 'pending' AND custody_balance <> security_deposit)
                     OR (dispute_status = 'resolved' AND custody_balance <> 0)`,
		},
		{
			Name: "O5_resolution_conserves_deposit",
			SQL: `SELECT e.id, e.payload
                  FROM escrow_events e
                  JOIN escrow_agreements a ON a.id = e.agreement_id
                  WHERE e.type = 'DISPUTE_RESOLVED'
                    AND (e.payload->>'tenant_refund')::bigint
                      + (e.payload->>'landlord_amount')::bigint
                      + (e.payload->>'arbitrator_fee')::bigint <> a.security_deposit`,
		},
		{
			Name: "O6_no_rent_after_terminal",
			SQL: `SELECT r.id FROM escrow_events r
                  JOIN escrow_events t ON t.agreement_id = r.agreement_id
                  WHERE r.type = 'RENT_PAID'
                    AND t.type IN ('LEASE_TERMINATED', 'DISPUTE_RESOLVED')
                    AND r.seq > t.seq`,
		},
		{
			Name: "O7_dispute_never_regresses",
			SQL: `SELECT d.id FROM escrow_events d
                  JOIN escrow_events res ON res.agreement_id = d.agreement_id
                  WHERE d.type = 'DISPUTE_RAISED'
                    AND res.type = 'DISPUTE_RESOLVED'
                    AND d.seq > res.seq`,
		},
		{
			Name: "O8_no_duplicate_rent_period",
			SQL: `SELECT agreement_id, payload->>'period', COUNT(*)
                  FROM escrow_events
                  WHERE type = 'RENT_PAID'
                  GROUP BY agreement_id, payload->>'period'
                  HAVING COUNT(*) > 1`,
		},
		{
			Name: "O9_outbox_not_stuck",
			SQL: `SELECT id, topic FROM outbox
                  WHERE status NOT IN ('processed', 'dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O10_events_append_only_guard",
			SQL: `SELECT 'missing_immutability_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'no_update_escrow_events')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
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
