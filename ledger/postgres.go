package ledger

import (
	"context"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
)

// Postgres executes fund movements for one agreement inside the caller's
// transaction, so they commit or roll back together with the command that
// requested them. Custody lives on the agreement row; party balances live in
// ledger_accounts.
type Postgres struct {
	tx          pgx.Tx
	agreementID string
}

// NewPostgres binds a ledger to the agreement whose command is executing in tx.
func NewPostgres(tx pgx.Tx, agreementID string) *Postgres {
	return &Postgres{tx: tx, agreementID: agreementID}
}

func (p *Postgres) DepositIntoCustody(ctx context.Context, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("ledger: deposit amount must be positive")
	}
	tag, err := p.tx.Exec(ctx, `
		UPDATE escrow_agreements
		SET custody_balance = custody_balance + $1, updated_at = now()
		WHERE id = $2
	`, amount, p.agreementID)
	if err != nil {
		return fmt.Errorf("ledger: deposit into custody: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ledger: agreement %s not found", p.agreementID)
	}
	return nil
}

func (p *Postgres) PayDirect(ctx context.Context, to string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("ledger: transfer amount must be positive")
	}
	return p.credit(ctx, to, amount)
}

// DisburseFromCustody debits custody with a balance guard first; if the guard
// rejects the debit, no party has been credited yet.
func (p *Postgres) DisburseFromCustody(ctx context.Context, transfers []Transfer) error {
	var total int64
	for _, t := range transfers {
		if t.Amount <= 0 {
			return fmt.Errorf("ledger: transfer amount must be positive")
		}
		if t.Amount > math.MaxInt64-total {
			return ErrInsufficientCustody
		}
		total += t.Amount
	}

	tag, err := p.tx.Exec(ctx, `
		UPDATE escrow_agreements
		SET custody_balance = custody_balance - $1, updated_at = now()
		WHERE id = $2 AND custody_balance >= $1
	`, total, p.agreementID)
	if err != nil {
		return fmt.Errorf("ledger: debit custody: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientCustody
	}

	for _, t := range transfers {
		if err := p.credit(ctx, t.To, t.Amount); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) CustodyBalance(ctx context.Context) (int64, error) {
	var balance int64
	err := p.tx.QueryRow(ctx, `SELECT custody_balance FROM escrow_agreements WHERE id = $1`, p.agreementID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("ledger: custody balance: %w", err)
	}
	return balance, nil
}

func (p *Postgres) credit(ctx context.Context, party string, amount int64) error {
	_, err := p.tx.Exec(ctx, `
		INSERT INTO ledger_accounts (party_id, balance)
		VALUES ($1, $2)
		ON CONFLICT (party_id) DO UPDATE SET balance = ledger_accounts.balance + EXCLUDED.balance, updated_at = now()
	`, party, amount)
	if err != nil {
		return fmt.Errorf("ledger: credit %s: %w", party, err)
	}
	return nil
}
