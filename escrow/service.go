package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"leaseflow/ledger"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// CommandRepository defines the per-command data access required by the service.
type CommandRepository interface {
	InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error
	CreateAgreement(ctx context.Context, tx pgx.Tx, ag *Agreement) error
	GetAgreementForUpdate(ctx context.Context, tx pgx.Tx, id string) (*Agreement, error)
	SaveSnapshot(ctx context.Context, tx pgx.Tx, ag *Agreement) error
	InsertRentPayment(ctx context.Context, tx pgx.Tx, agreementID string, period int, amount int64) error
	AppendEvent(ctx context.Context, tx pgx.Tx, ev *Event) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// LedgerFactory builds the ledger bound to the command's transaction.
type LedgerFactory func(tx pgx.Tx, agreementID string) Ledger

// Service hosts the escrow engine: one transaction per command, agreement row
// locked for the duration, snapshot + audit event + outbox message written
// together. A failure anywhere rolls back every mutation and fund movement.
type Service struct {
	pool    TxBeginner
	repo    CommandRepository
	ledgers LedgerFactory
	clock   Clock
}

func NewService(pool TxBeginner, repo CommandRepository, ledgers LedgerFactory, clock Clock) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if ledgers == nil {
		ledgers = func(tx pgx.Tx, agreementID string) Ledger {
			return ledger.NewPostgres(tx, agreementID)
		}
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &Service{pool: pool, repo: repo, ledgers: ledgers, clock: clock}
}

// CreateAgreementParams carries the construction parameters, all immutable
// after creation. The landlord is the creator.
type CreateAgreementParams struct {
	Landlord        string
	Tenant          string
	Arbitrator      string
	MonthlyRent     int64
	SecurityDeposit int64
	LeaseDuration   int
}

// CreateAgreement validates the terms, persists the agreement, and announces
// it on the outbox. Lease start is the creation time.
func (s *Service) CreateAgreement(ctx context.Context, params CreateAgreementParams) (Snapshot, error) {
	ag, err := NewAgreement(uuid.NewString(), params.Landlord, params.Tenant, params.Arbitrator, Terms{
		MonthlyRent:     params.MonthlyRent,
		SecurityDeposit: params.SecurityDeposit,
		LeaseDuration:   params.LeaseDuration,
		LeaseStart:      s.clock.Now(),
	})
	if err != nil {
		return Snapshot{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.CreateAgreement(ctx, tx, ag); err != nil {
		return Snapshot{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, "escrow.agreement_created", map[string]any{
		"agreement_id":     ag.ID,
		"landlord_id":      ag.Landlord,
		"tenant_id":        ag.Tenant,
		"arbitrator_id":    ag.Arbitrator,
		"monthly_rent":     ag.Terms.MonthlyRent,
		"security_deposit": ag.Terms.SecurityDeposit,
		"lease_duration":   ag.Terms.LeaseDuration,
	}); err != nil {
		return Snapshot{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("escrow: commit create: %w", err)
	}

	return ag.Snapshot(), nil
}

// CommandRequest identifies the agreement and the authenticated caller. An
// optional idempotency key makes replays of the same command a silent no-op.
type CommandRequest struct {
	AgreementID    string
	Caller         string
	IdempotencyKey string
}

// PayDeposit custodies the exact security deposit.
func (s *Service) PayDeposit(ctx context.Context, req CommandRequest, amount int64) (Event, error) {
	return s.run(ctx, req, func(ctx context.Context, eng *Engine, ag *Agreement) (Event, error) {
		return eng.PayDeposit(ctx, ag, req.Caller, amount)
	})
}

// PayRent settles one period, paying the landlord directly.
func (s *Service) PayRent(ctx context.Context, req CommandRequest, period int, amount int64) (Event, error) {
	return s.run(ctx, req, func(ctx context.Context, eng *Engine, ag *Agreement) (Event, error) {
		return eng.PayRent(ctx, ag, req.Caller, period, amount)
	})
}

// RaiseDispute freezes deposit disbursement pending arbitration.
func (s *Service) RaiseDispute(ctx context.Context, req CommandRequest) (Event, error) {
	return s.run(ctx, req, func(ctx context.Context, eng *Engine, ag *Agreement) (Event, error) {
		return eng.RaiseDispute(ctx, ag, req.Caller)
	})
}

// ResolveDispute disburses the deposit per the arbitrator's split.
func (s *Service) ResolveDispute(ctx context.Context, req CommandRequest, tenantRefund, landlordAmount int64) (Event, error) {
	return s.run(ctx, req, func(ctx context.Context, eng *Engine, ag *Agreement) (Event, error) {
		return eng.ResolveDispute(ctx, ag, req.Caller, tenantRefund, landlordAmount)
	})
}

// ReturnDeposit refunds the full deposit to the tenant after the lease term.
func (s *Service) ReturnDeposit(ctx context.Context, req CommandRequest) (Event, error) {
	return s.run(ctx, req, func(ctx context.Context, eng *Engine, ag *Agreement) (Event, error) {
		return eng.ReturnDeposit(ctx, ag, req.Caller)
	})
}

// TerminateLease ends the lease without moving the deposit.
func (s *Service) TerminateLease(ctx context.Context, req CommandRequest) (Event, error) {
	return s.run(ctx, req, func(ctx context.Context, eng *Engine, ag *Agreement) (Event, error) {
		return eng.TerminateLease(ctx, ag, req.Caller)
	})
}

func (s *Service) run(ctx context.Context, req CommandRequest, command func(ctx context.Context, eng *Engine, ag *Agreement) (Event, error)) (Event, error) {
	if req.AgreementID == "" {
		return Event{}, fmt.Errorf("escrow: missing agreement id")
	}
	if req.Caller == "" {
		return Event{}, ErrUnauthorized
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Event{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if req.IdempotencyKey != "" {
		if err := s.repo.InsertIdempotencyKey(ctx, tx, req.IdempotencyKey); err != nil {
			if errors.Is(err, ErrDuplicateIdempotencyKey) {
				return Event{}, nil
			}
			return Event{}, err
		}
	}

	ag, err := s.repo.GetAgreementForUpdate(ctx, tx, req.AgreementID)
	if err != nil {
		return Event{}, err
	}

	eng := NewEngine(s.ledgers(tx, ag.ID), s.clock)
	ev, err := command(ctx, eng, ag)
	if err != nil {
		return Event{}, err
	}

	if err := s.repo.SaveSnapshot(ctx, tx, ag); err != nil {
		return Event{}, err
	}
	if ev.Kind == EventRentPaid {
		if err := s.repo.InsertRentPayment(ctx, tx, ag.ID, ev.Period, ev.Amount); err != nil {
			return Event{}, err
		}
	}
	if err := s.repo.AppendEvent(ctx, tx, &ev); err != nil {
		return Event{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, ev.OutboxTopic(), ev.Payload()); err != nil {
		return Event{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Event{}, fmt.Errorf("escrow: commit tx: %w", err)
	}

	return ev, nil
}
