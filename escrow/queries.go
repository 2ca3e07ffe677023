package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// QueryService serves the read-only surface: snapshots, custody balance,
// per-period rent status, and the audit trail. No authorization is required
// for queries.
type QueryService struct {
	pool *pgxpool.Pool
}

func NewQueryService(pool *pgxpool.Pool) *QueryService {
	return &QueryService{pool: pool}
}

// GetAgreement returns the full snapshot of terms, flags and counters.
func (q *QueryService) GetAgreement(ctx context.Context, id string) (Snapshot, error) {
	const selectSQL = `
		SELECT id::text, landlord_id::text, tenant_id::text, arbitrator_id::text,
		       monthly_rent, security_deposit, lease_duration, lease_start,
		       deposit_paid, lease_active, dispute_status, total_months_paid
		FROM escrow_agreements
		WHERE id = $1
	`

	ag := Agreement{RentPaid: make(map[int]bool)}
	var status string
	err := q.pool.QueryRow(ctx, selectSQL, id).Scan(
		&ag.ID, &ag.Landlord, &ag.Tenant, &ag.Arbitrator,
		&ag.Terms.MonthlyRent, &ag.Terms.SecurityDeposit, &ag.Terms.LeaseDuration, &ag.Terms.LeaseStart,
		&ag.DepositPaid, &ag.LeaseActive, &status, &ag.TotalMonthsPaid,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Snapshot{}, ErrAgreementNotFound
		}
		return Snapshot{}, fmt.Errorf("escrow: get agreement: %w", err)
	}
	ag.DisputeStatus = DisputeStatus(status)

	rows, err := q.pool.Query(ctx, `SELECT period FROM rent_payments WHERE agreement_id = $1`, id)
	if err != nil {
		return Snapshot{}, fmt.Errorf("escrow: load rent ledger: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var period int
		if err := rows.Scan(&period); err != nil {
			return Snapshot{}, fmt.Errorf("escrow: scan rent period: %w", err)
		}
		ag.RentPaid[period] = true
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("escrow: iterate rent ledger: %w", err)
	}

	return ag.Snapshot(), nil
}

// CustodyBalance reports the funds currently custodied for the agreement.
func (q *QueryService) CustodyBalance(ctx context.Context, id string) (int64, error) {
	var balance int64
	err := q.pool.QueryRow(ctx, `SELECT custody_balance FROM escrow_agreements WHERE id = $1`, id).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAgreementNotFound
		}
		return 0, fmt.Errorf("escrow: custody balance: %w", err)
	}
	return balance, nil
}

// IsPeriodPaid reports whether rent for the period has been settled.
func (q *QueryService) IsPeriodPaid(ctx context.Context, id string, period int) (bool, error) {
	var paid bool
	err := q.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM rent_payments WHERE agreement_id = $1 AND period = $2)
	`, id, period).Scan(&paid)
	if err != nil {
		return false, fmt.Errorf("escrow: period paid: %w", err)
	}
	return paid, nil
}

// PartyBalance reports the funds a principal has received from the ledger.
func (q *QueryService) PartyBalance(ctx context.Context, partyID string) (int64, error) {
	var balance int64
	err := q.pool.QueryRow(ctx, `SELECT balance FROM ledger_accounts WHERE party_id = $1`, partyID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("escrow: party balance: %w", err)
	}
	return balance, nil
}

// ListEvents returns the append-only audit trail in sequence order.
func (q *QueryService) ListEvents(ctx context.Context, id string) ([]Event, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT id, agreement_id::text, seq, type, COALESCE(actor_id::text, ''), payload, occurred_at
		FROM escrow_events
		WHERE agreement_id = $1
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("escrow: list events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, 8)
	for rows.Next() {
		var (
			ev         Event
			kind       string
			payload    []byte
			occurredAt time.Time
		)
		if err := rows.Scan(&ev.ID, &ev.AgreementID, &ev.Seq, &kind, &ev.Actor, &payload, &occurredAt); err != nil {
			return nil, fmt.Errorf("escrow: scan event: %w", err)
		}
		ev.Kind = EventKind(kind)
		ev.OccurredAt = occurredAt
		if err := decodeEventPayload(&ev, payload); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate events: %w", err)
	}
	return events, nil
}

func decodeEventPayload(ev *Event, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	var fields struct {
		Period         int   `json:"period"`
		Amount         int64 `json:"amount"`
		TenantRefund   int64 `json:"tenant_refund"`
		LandlordAmount int64 `json:"landlord_amount"`
		ArbitratorFee  int64 `json:"arbitrator_fee"`
	}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return fmt.Errorf("escrow: decode event payload: %w", err)
	}
	ev.Period = fields.Period
	ev.Amount = fields.Amount
	ev.TenantRefund = fields.TenantRefund
	ev.LandlordAmount = fields.LandlordAmount
	ev.ArbitratorFee = fields.ArbitratorFee
	return nil
}
