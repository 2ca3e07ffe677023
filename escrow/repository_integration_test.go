package escrow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TestEscrowLifecycle_Integration connects to a real PostgreSQL via
// DATABASE_URL and drives a full agreement lifecycle through the service,
// verifying persisted state, the audit trail, the outbox and idempotency.
func TestEscrowLifecycle_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	for _, table := range []string{"principals", "escrow_agreements", "escrow_events", "rent_payments", "ledger_accounts", "outbox", "idempotency"} {
		if !tableExists(ctx, t, pool, table) {
			t.Skipf("table %s missing; apply migrations first", table)
		}
	}

	const (
		rent    = int64(100_000)
		deposit = int64(200_000)
	)

	seedPrincipal := func(role string) string {
		var id string
		err := pool.QueryRow(ctx,
			`INSERT INTO principals (email, full_name, role) VALUES ($1, $2, $3) RETURNING id`,
			fmt.Sprintf("%s+%d@example.com", role, time.Now().UnixNano()), "Itest "+role, role,
		).Scan(&id)
		if err != nil {
			t.Fatalf("seed %s: %v", role, err)
		}
		return id
	}
	tenant := seedPrincipal("tenant")
	landlord := seedPrincipal("landlord")
	arbitrator := seedPrincipal("arbitrator")

	svc := NewService(pool, nil, nil, nil)

	snap, err := svc.CreateAgreement(ctx, CreateAgreementParams{
		Landlord:        landlord,
		Tenant:          tenant,
		Arbitrator:      arbitrator,
		MonthlyRent:     rent,
		SecurityDeposit: deposit,
		LeaseDuration:   12,
	})
	if err != nil {
		t.Fatalf("create agreement: %v", err)
	}
	agreementID := snap.ID

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `ALTER TABLE escrow_events DISABLE TRIGGER no_update_escrow_events`)
		pool.Exec(ctx2, `DELETE FROM escrow_events WHERE agreement_id = $1`, agreementID)
		pool.Exec(ctx2, `ALTER TABLE escrow_events ENABLE TRIGGER no_update_escrow_events`)
		pool.Exec(ctx2, `DELETE FROM rent_payments WHERE agreement_id = $1`, agreementID)
		pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'agreement_id' = $1`, agreementID)
		pool.Exec(ctx2, `DELETE FROM escrow_agreements WHERE id = $1`, agreementID)
		pool.Exec(ctx2, `DELETE FROM ledger_accounts WHERE party_id IN ($1, $2, $3)`, tenant, landlord, arbitrator)
		pool.Exec(ctx2, `DELETE FROM principals WHERE id IN ($1, $2, $3)`, tenant, landlord, arbitrator)
	})

	// Deposit goes into custody.
	depositKey := fmt.Sprintf("itest-deposit-%d", time.Now().UnixNano())
	t.Cleanup(func() { pool.Exec(context.Background(), `DELETE FROM idempotency WHERE key = $1`, depositKey) })
	if _, err := svc.PayDeposit(ctx, CommandRequest{AgreementID: agreementID, Caller: tenant, IdempotencyKey: depositKey}, deposit); err != nil {
		t.Fatalf("pay deposit: %v", err)
	}

	var custody int64
	var depositPaid bool
	if err := pool.QueryRow(ctx, `SELECT custody_balance, deposit_paid FROM escrow_agreements WHERE id = $1`, agreementID).Scan(&custody, &depositPaid); err != nil {
		t.Fatalf("verify deposit: %v", err)
	}
	if custody != deposit || !depositPaid {
		t.Fatalf("expected custody %d and deposit_paid, got custody=%d deposit_paid=%v", deposit, custody, depositPaid)
	}

	// Rent passes straight through to the landlord.
	rentKey := fmt.Sprintf("itest-rent-%d", time.Now().UnixNano())
	t.Cleanup(func() { pool.Exec(context.Background(), `DELETE FROM idempotency WHERE key = $1`, rentKey) })
	rentReq := CommandRequest{AgreementID: agreementID, Caller: tenant, IdempotencyKey: rentKey}
	if _, err := svc.PayRent(ctx, rentReq, 1, rent); err != nil {
		t.Fatalf("pay rent: %v", err)
	}

	var landlordBalance int64
	if err := pool.QueryRow(ctx, `SELECT balance FROM ledger_accounts WHERE party_id = $1`, landlord).Scan(&landlordBalance); err != nil {
		t.Fatalf("verify landlord balance: %v", err)
	}
	if landlordBalance != rent {
		t.Fatalf("expected landlord balance %d, got %d", rent, landlordBalance)
	}

	// Replay with the same idempotency key must change nothing.
	if _, err := svc.PayRent(ctx, rentReq, 1, rent); err != nil {
		t.Fatalf("pay rent (idempotent replay): %v", err)
	}
	var rentRows int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM rent_payments WHERE agreement_id = $1`, agreementID).Scan(&rentRows); err != nil {
		t.Fatalf("re-verify rent payments: %v", err)
	}
	if rentRows != 1 {
		t.Fatalf("expected 1 rent payment after replay, got %d", rentRows)
	}
	if err := pool.QueryRow(ctx, `SELECT balance FROM ledger_accounts WHERE party_id = $1`, landlord).Scan(&landlordBalance); err != nil {
		t.Fatalf("re-verify landlord balance: %v", err)
	}
	if landlordBalance != rent {
		t.Fatalf("expected landlord balance unchanged at %d after replay, got %d", rent, landlordBalance)
	}

	// Dispute, then the arbitrator splits the deposit; the remainder is the fee.
	if _, err := svc.RaiseDispute(ctx, CommandRequest{AgreementID: agreementID, Caller: landlord}); err != nil {
		t.Fatalf("raise dispute: %v", err)
	}
	if _, err := svc.ResolveDispute(ctx, CommandRequest{AgreementID: agreementID, Caller: arbitrator}, 150_000, 30_000); err != nil {
		t.Fatalf("resolve dispute: %v", err)
	}

	var tenantBalance, arbitratorBalance int64
	if err := pool.QueryRow(ctx, `SELECT balance FROM ledger_accounts WHERE party_id = $1`, tenant).Scan(&tenantBalance); err != nil {
		t.Fatalf("verify tenant balance: %v", err)
	}
	if err := pool.QueryRow(ctx, `SELECT balance FROM ledger_accounts WHERE party_id = $1`, arbitrator).Scan(&arbitratorBalance); err != nil {
		t.Fatalf("verify arbitrator balance: %v", err)
	}
	if err := pool.QueryRow(ctx, `SELECT balance FROM ledger_accounts WHERE party_id = $1`, landlord).Scan(&landlordBalance); err != nil {
		t.Fatalf("verify landlord balance: %v", err)
	}
	if tenantBalance != 150_000 || arbitratorBalance != 20_000 || landlordBalance != rent+30_000 {
		t.Fatalf("unexpected balances after resolution: tenant=%d landlord=%d arbitrator=%d",
			tenantBalance, landlordBalance, arbitratorBalance)
	}

	var status string
	if err := pool.QueryRow(ctx, `SELECT dispute_status, custody_balance FROM escrow_agreements WHERE id = $1`, agreementID).Scan(&status, &custody); err != nil {
		t.Fatalf("verify resolution: %v", err)
	}
	if status != "resolved" || custody != 0 {
		t.Fatalf("expected resolved dispute with empty custody, got status=%s custody=%d", status, custody)
	}

	// Audit trail: one event per command, sequenced from 1.
	rows, err := pool.Query(ctx, `SELECT seq, type FROM escrow_events WHERE agreement_id = $1 ORDER BY seq`, agreementID)
	if err != nil {
		t.Fatalf("load events: %v", err)
	}
	defer rows.Close()
	var got []string
	seq := 0
	for rows.Next() {
		var s int
		var kind string
		if err := rows.Scan(&s, &kind); err != nil {
			t.Fatalf("scan event: %v", err)
		}
		seq++
		if s != seq {
			t.Fatalf("expected contiguous seq %d, got %d", seq, s)
		}
		got = append(got, kind)
	}
	want := []string{"DEPOSIT_PAID", "RENT_PAID", "DISPUTE_RAISED", "DISPUTE_RESOLVED"}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected event %d to be %s, got %s", i+1, want[i], got[i])
		}
	}

	// One outbox message per command plus the creation announcement.
	var outCount int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE payload->>'agreement_id' = $1`, agreementID).Scan(&outCount); err != nil {
		t.Fatalf("verify outbox: %v", err)
	}
	if outCount != 5 {
		t.Fatalf("expected 5 outbox messages, got %d", outCount)
	}

	// The agreement is settled; no further rent can move.
	if _, err := svc.PayRent(ctx, CommandRequest{AgreementID: agreementID, Caller: tenant}, 2, rent); !errors.Is(err, ErrInvalidPhase) {
		t.Fatalf("expected ErrInvalidPhase after settlement, got %v", err)
	}
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
