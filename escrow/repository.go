package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicateIdempotencyKey signals the idempotency insert hit an existing key.
var ErrDuplicateIdempotencyKey = errors.New("escrow: duplicate idempotency key")

// Repository performs the per-command writes inside the caller's transaction.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// InsertIdempotencyKey attempts to reserve the idempotency key inside the active transaction.
func (r *Repository) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error {
	if key == "" {
		return fmt.Errorf("escrow: empty idempotency key")
	}

	_, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1)`, key)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("escrow: insert idempotency key: %w", err)
	}

	return nil
}

// CreateAgreement inserts a freshly constructed agreement row.
func (r *Repository) CreateAgreement(ctx context.Context, tx pgx.Tx, ag *Agreement) error {
	const insertSQL = `
		INSERT INTO escrow_agreements
			(id, landlord_id, tenant_id, arbitrator_id,
			 monthly_rent, security_deposit, lease_duration, lease_start,
			 deposit_paid, lease_active, dispute_status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`
	_, err := tx.Exec(ctx, insertSQL,
		ag.ID, ag.Landlord, ag.Tenant, ag.Arbitrator,
		ag.Terms.MonthlyRent, ag.Terms.SecurityDeposit, ag.Terms.LeaseDuration, ag.Terms.LeaseStart,
		ag.DepositPaid, ag.LeaseActive, string(ag.DisputeStatus),
	)
	if err != nil {
		return fmt.Errorf("escrow: insert agreement: %w", err)
	}
	return nil
}

// GetAgreementForUpdate loads the agreement row with a row lock so commands
// against the same instance execute one at a time, then hydrates the rent
// ledger map.
func (r *Repository) GetAgreementForUpdate(ctx context.Context, tx pgx.Tx, id string) (*Agreement, error) {
	const selectSQL = `
		SELECT id::text, landlord_id::text, tenant_id::text, arbitrator_id::text,
		       monthly_rent, security_deposit, lease_duration, lease_start,
		       deposit_paid, lease_active, dispute_status, total_months_paid
		FROM escrow_agreements
		WHERE id = $1
		FOR UPDATE
	`

	ag := Agreement{RentPaid: make(map[int]bool)}
	var status string
	err := tx.QueryRow(ctx, selectSQL, id).Scan(
		&ag.ID, &ag.Landlord, &ag.Tenant, &ag.Arbitrator,
		&ag.Terms.MonthlyRent, &ag.Terms.SecurityDeposit, &ag.Terms.LeaseDuration, &ag.Terms.LeaseStart,
		&ag.DepositPaid, &ag.LeaseActive, &status, &ag.TotalMonthsPaid,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAgreementNotFound
		}
		return nil, fmt.Errorf("escrow: load agreement: %w", err)
	}
	ag.DisputeStatus = DisputeStatus(status)

	rows, err := tx.Query(ctx, `SELECT period FROM rent_payments WHERE agreement_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("escrow: load rent ledger: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var period int
		if err := rows.Scan(&period); err != nil {
			return nil, fmt.Errorf("escrow: scan rent period: %w", err)
		}
		ag.RentPaid[period] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate rent ledger: %w", err)
	}

	return &ag, nil
}

// SaveSnapshot writes the post-command flags and counters back to the row.
func (r *Repository) SaveSnapshot(ctx context.Context, tx pgx.Tx, ag *Agreement) error {
	const updateSQL = `
		UPDATE escrow_agreements
		SET deposit_paid = $1,
		    lease_active = $2,
		    dispute_status = $3,
		    total_months_paid = $4,
		    updated_at = now()
		WHERE id = $5
	`
	tag, err := tx.Exec(ctx, updateSQL,
		ag.DepositPaid, ag.LeaseActive, string(ag.DisputeStatus), ag.TotalMonthsPaid, ag.ID)
	if err != nil {
		return fmt.Errorf("escrow: save snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAgreementNotFound
	}
	return nil
}

// InsertRentPayment records a settled period. The unique constraint on
// (agreement_id, period) backs the engine's duplicate-payment guard at the
// storage level too.
func (r *Repository) InsertRentPayment(ctx context.Context, tx pgx.Tx, agreementID string, period int, amount int64) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO rent_payments (agreement_id, period, amount)
		VALUES ($1, $2, $3)
	`, agreementID, period, amount)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicatePayment
		}
		return fmt.Errorf("escrow: insert rent payment: %w", err)
	}
	return nil
}

// AppendEvent writes the audit record with the next per-agreement sequence
// number. The caller holds the agreement row lock, so the max+1 read is safe.
func (r *Repository) AppendEvent(ctx context.Context, tx pgx.Tx, ev *Event) error {
	payload, err := json.Marshal(ev.Payload())
	if err != nil {
		return fmt.Errorf("escrow: marshal event payload: %w", err)
	}

	var actorID any
	if ev.Actor != "" {
		actorID = ev.Actor
	}

	const insertSQL = `
		INSERT INTO escrow_events (agreement_id, seq, type, actor_id, payload, occurred_at)
		VALUES ($1,
		        COALESCE((SELECT MAX(seq) FROM escrow_events WHERE agreement_id = $1), 0) + 1,
		        $2, $3, $4, $5)
		RETURNING id, seq
	`
	if err := tx.QueryRow(ctx, insertSQL, ev.AgreementID, string(ev.Kind), actorID, payload, ev.OccurredAt).
		Scan(&ev.ID, &ev.Seq); err != nil {
		return fmt.Errorf("escrow: insert event: %w", err)
	}
	return nil
}

// EnqueueOutbox stores the message published after commit by the outbox worker.
func (r *Repository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal outbox payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2)`, topic, payloadBytes); err != nil {
		return fmt.Errorf("escrow: insert outbox message: %w", err)
	}
	return nil
}
