package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"leaseflow/ledger"
)

func newServiceFixture(t *testing.T) (*Service, *fakePool, *fakeCommandRepo, *ledger.Memory, *manualClock) {
	t.Helper()
	clock := &manualClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	ag, err := NewAgreement("ag-1", testLandlord, testTenant, testArbitrator, Terms{
		MonthlyRent:     testRent,
		SecurityDeposit: testDeposit,
		LeaseDuration:   12,
		LeaseStart:      clock.now,
	})
	if err != nil {
		t.Fatalf("new agreement: %v", err)
	}

	pool := &fakePool{}
	repo := &fakeCommandRepo{agreement: ag}
	mem := ledger.NewMemory()
	svc := NewService(pool, repo, func(pgx.Tx, string) Ledger { return mem }, clock)
	return svc, pool, repo, mem, clock
}

func TestServicePayDeposit_CommitsEverything(t *testing.T) {
	svc, pool, repo, mem, _ := newServiceFixture(t)

	ev, err := svc.PayDeposit(context.Background(), CommandRequest{AgreementID: "ag-1", Caller: testTenant}, testDeposit)
	if err != nil {
		t.Fatalf("pay deposit: %v", err)
	}
	if ev.Kind != EventDepositPaid {
		t.Fatalf("expected %s event, got %s", EventDepositPaid, ev.Kind)
	}

	if pool.tx == nil || !pool.tx.committed {
		t.Fatal("expected transaction to be committed")
	}
	if !repo.snapshotSaved {
		t.Error("expected snapshot to be saved")
	}
	if len(repo.events) != 1 || repo.events[0].Kind != EventDepositPaid {
		t.Errorf("expected one DEPOSIT_PAID event, got %v", repo.events)
	}
	if len(repo.outboxTopics) != 1 || repo.outboxTopics[0] != "escrow.deposit_paid" {
		t.Errorf("unexpected outbox topics %v", repo.outboxTopics)
	}
	if balance, _ := mem.CustodyBalance(context.Background()); balance != testDeposit {
		t.Errorf("expected custody %d, got %d", testDeposit, balance)
	}
}

func TestServicePayRent_RecordsPayment(t *testing.T) {
	svc, _, repo, mem, _ := newServiceFixture(t)
	repo.agreement.DepositPaid = true

	ctx := context.Background()
	ev, err := svc.PayRent(ctx, CommandRequest{AgreementID: "ag-1", Caller: testTenant}, 1, testRent)
	if err != nil {
		t.Fatalf("pay rent: %v", err)
	}
	if ev.Period != 1 {
		t.Fatalf("expected period 1, got %d", ev.Period)
	}
	if len(repo.rentPayments) != 1 || repo.rentPayments[0] != 1 {
		t.Errorf("expected rent payment row for period 1, got %v", repo.rentPayments)
	}
	if mem.Balance(testLandlord) != testRent {
		t.Errorf("expected landlord balance %d, got %d", testRent, mem.Balance(testLandlord))
	}
}

func TestServiceRejectedCommand_RollsBack(t *testing.T) {
	svc, pool, repo, mem, _ := newServiceFixture(t)

	// Wrong caller: the engine rejects before any write.
	_, err := svc.PayDeposit(context.Background(), CommandRequest{AgreementID: "ag-1", Caller: testLandlord}, testDeposit)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	if pool.tx == nil || !pool.tx.rolled || pool.tx.committed {
		t.Fatal("expected transaction rollback without commit")
	}
	if repo.snapshotSaved || len(repo.events) != 0 || len(repo.outboxTopics) != 0 {
		t.Error("expected no persistence on rejected command")
	}
	if balance, _ := mem.CustodyBalance(context.Background()); balance != 0 {
		t.Errorf("expected empty custody, got %d", balance)
	}
}

func TestServiceIdempotentReplay_IsNoOp(t *testing.T) {
	svc, pool, repo, _, _ := newServiceFixture(t)
	repo.idempotencyErr = ErrDuplicateIdempotencyKey

	ev, err := svc.PayDeposit(context.Background(), CommandRequest{
		AgreementID:    "ag-1",
		Caller:         testTenant,
		IdempotencyKey: "cmd-1",
	}, testDeposit)
	if err != nil {
		t.Fatalf("expected nil error on replay, got %v", err)
	}
	if ev.Kind != "" {
		t.Fatalf("expected empty event on replay, got %s", ev.Kind)
	}
	if pool.tx.committed {
		t.Error("expected commit to be skipped on replay")
	}
	if repo.loaded {
		t.Error("expected agreement load to be skipped on replay")
	}
}

func TestServiceValidation(t *testing.T) {
	svc, _, _, _, _ := newServiceFixture(t)
	ctx := context.Background()

	if _, err := svc.PayDeposit(ctx, CommandRequest{Caller: testTenant}, testDeposit); err == nil {
		t.Error("expected error for missing agreement id")
	}
	if _, err := svc.PayDeposit(ctx, CommandRequest{AgreementID: "ag-1"}, testDeposit); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for missing caller, got %v", err)
	}
}

type fakeCommandRepo struct {
	agreement      *Agreement
	idempotencyErr error

	loaded        bool
	snapshotSaved bool
	events        []Event
	rentPayments  []int
	outboxTopics  []string
}

func (f *fakeCommandRepo) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error {
	return f.idempotencyErr
}

func (f *fakeCommandRepo) CreateAgreement(ctx context.Context, tx pgx.Tx, ag *Agreement) error {
	f.agreement = ag
	return nil
}

func (f *fakeCommandRepo) GetAgreementForUpdate(ctx context.Context, tx pgx.Tx, id string) (*Agreement, error) {
	if f.agreement == nil || f.agreement.ID != id {
		return nil, ErrAgreementNotFound
	}
	f.loaded = true
	return f.agreement, nil
}

func (f *fakeCommandRepo) SaveSnapshot(ctx context.Context, tx pgx.Tx, ag *Agreement) error {
	f.snapshotSaved = true
	return nil
}

func (f *fakeCommandRepo) InsertRentPayment(ctx context.Context, tx pgx.Tx, agreementID string, period int, amount int64) error {
	f.rentPayments = append(f.rentPayments, period)
	return nil
}

func (f *fakeCommandRepo) AppendEvent(ctx context.Context, tx pgx.Tx, ev *Event) error {
	ev.Seq = len(f.events) + 1
	f.events = append(f.events, *ev)
	return nil
}

func (f *fakeCommandRepo) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	f.outboxTopics = append(f.outboxTopics, topic)
	return nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
