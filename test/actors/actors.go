// Package actors contains the concurrent workloads for the stress test. Each
// actor hammers one command through the escrow service; rejections caused by
// contention are expected outcomes, not failures.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"leaseflow/escrow"
)

// tolerable reports whether an error is an expected command rejection or a
// transient infrastructure failure (the chaos goroutine kills backends).
func tolerable(err error) bool {
	for _, sentinel := range []error{
		escrow.ErrUnauthorized,
		escrow.ErrInvalidPhase,
		escrow.ErrAmountMismatch,
		escrow.ErrInvalidPeriod,
		escrow.ErrDuplicatePayment,
		escrow.ErrAmountExceedsDeposit,
		escrow.ErrTransferFailed,
		escrow.ErrAgreementNotFound,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "57P01", "08006", "23505":
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "conn closed") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "unexpected EOF")
}

func sleepJitter(base, spread int) {
	time.Sleep(time.Duration(base+rand.Intn(spread)) * time.Millisecond)
}

// DepositPayer retries PayDeposit in a loop. Exactly one attempt may succeed;
// every later one must be rejected as a phase error.
func DepositPayer(ctx context.Context, svc *escrow.Service, agreementID, tenant string, amount int64, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		req := escrow.CommandRequest{AgreementID: agreementID, Caller: tenant}
		if _, err := svc.PayDeposit(ctx, req, amount); err != nil && !tolerable(err) {
			return fmt.Errorf("deposit payer: %w", err)
		}
		sleepJitter(20, 40)
	}
}

// RentPayer pays random periods with the exact rent. Concurrent payers
// racing on the same period must collide on the duplicate guard, never
// double-charge.
func RentPayer(ctx context.Context, svc *escrow.Service, agreementID, tenant string, duration int, rent int64, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		req := escrow.CommandRequest{AgreementID: agreementID, Caller: tenant}
		period := 1 + rand.Intn(duration)
		if _, err := svc.PayRent(ctx, req, period, rent); err != nil && !tolerable(err) {
			return fmt.Errorf("rent payer: %w", err)
		}
		sleepJitter(10, 30)
	}
}

// Disputer raises a dispute from either non-arbitrator side; at most one
// raise may ever succeed per agreement.
func Disputer(ctx context.Context, svc *escrow.Service, agreementID, raiser string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		req := escrow.CommandRequest{AgreementID: agreementID, Caller: raiser}
		if _, err := svc.RaiseDispute(ctx, req); err != nil && !tolerable(err) {
			return fmt.Errorf("disputer: %w", err)
		}
		sleepJitter(100, 200)
	}
}

// Arbitrator resolves any pending dispute with a random split of the deposit.
func Arbitrator(ctx context.Context, svc *escrow.Service, agreementID, arbitrator string, deposit int64, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		refund := rand.Int63n(deposit + 1)
		toLandlord := rand.Int63n(deposit - refund + 1)
		req := escrow.CommandRequest{AgreementID: agreementID, Caller: arbitrator}
		if _, err := svc.ResolveDispute(ctx, req, refund, toLandlord); err != nil && !tolerable(err) {
			return fmt.Errorf("arbitrator: %w", err)
		}
		sleepJitter(150, 200)
	}
}

// DepositReturner tries to reclaim the deposit after the lease term; it races
// with the disputer and arbitrator, and the deposit must never pay out twice.
func DepositReturner(ctx context.Context, svc *escrow.Service, agreementID, caller string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		req := escrow.CommandRequest{AgreementID: agreementID, Caller: caller}
		if _, err := svc.ReturnDeposit(ctx, req); err != nil && !tolerable(err) {
			return fmt.Errorf("deposit returner: %w", err)
		}
		sleepJitter(120, 200)
	}
}

// Terminator ends the lease once; later attempts are phase errors.
func Terminator(ctx context.Context, svc *escrow.Service, agreementID, caller string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		req := escrow.CommandRequest{AgreementID: agreementID, Caller: caller}
		if _, err := svc.TerminateLease(ctx, req); err != nil && !tolerable(err) {
			return fmt.Errorf("terminator: %w", err)
		}
		sleepJitter(300, 400)
	}
}

// OutboxWorker drains pending outbox messages with SKIP LOCKED, marking them
// processed (or bumping attempts on a simulated delivery failure).
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			if tolerable(err) {
				sleepJitter(50, 50)
				continue
			}
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			sleepJitter(50, 50)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1 WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', attempts=attempts+1 WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		sleepJitter(80, 60)
	}
}
