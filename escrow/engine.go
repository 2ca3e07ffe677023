package escrow

import (
	"context"
	"fmt"
	"time"

	"leaseflow/ledger"
)

// Clock supplies the current time for audit records and the lease-end gate.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns a Clock backed by the wall clock.
func SystemClock() Clock { return systemClock{} }

// Ledger is the collaborator that holds custody and executes fund movements.
// Implementations must be atomic per call: a transfer set either fully
// completes or fully fails, and DisburseFromCustody must reject any set the
// custodied balance cannot cover.
type Ledger interface {
	DepositIntoCustody(ctx context.Context, amount int64) error
	PayDirect(ctx context.Context, to string, amount int64) error
	DisburseFromCustody(ctx context.Context, transfers []ledger.Transfer) error
	CustodyBalance(ctx context.Context) (int64, error)
}

// Engine executes escrow commands against an Agreement. It validates role
// and phase preconditions, performs at most one ledger operation, and only
// then mutates state, so a failed command leaves the agreement untouched.
// The hosting layer serializes commands per agreement instance.
type Engine struct {
	ledger Ledger
	clock  Clock
}

func NewEngine(ledger Ledger, clock Clock) *Engine {
	if clock == nil {
		clock = SystemClock()
	}
	return &Engine{ledger: ledger, clock: clock}
}

// PayDeposit moves the exact security deposit into custody. Tenant only,
// once, while the lease is active.
func (e *Engine) PayDeposit(ctx context.Context, ag *Agreement, caller string, amount int64) (Event, error) {
	if role, ok := ag.RoleOf(caller); !ok || role != RoleTenant {
		return Event{}, ErrUnauthorized
	}
	if !ag.LeaseActive || ag.DepositPaid {
		return Event{}, ErrInvalidPhase
	}
	if amount != ag.Terms.SecurityDeposit {
		return Event{}, ErrAmountMismatch
	}

	if err := e.ledger.DepositIntoCustody(ctx, amount); err != nil {
		return Event{}, fmt.Errorf("%w: deposit: %s", ErrTransferFailed, err)
	}
	ag.DepositPaid = true

	return Event{
		AgreementID: ag.ID,
		Kind:        EventDepositPaid,
		Actor:       caller,
		Amount:      amount,
		OccurredAt:  e.clock.Now(),
	}, nil
}

// PayRent settles one period. The amount passes straight through to the
// landlord; it is never custodied.
func (e *Engine) PayRent(ctx context.Context, ag *Agreement, caller string, period int, amount int64) (Event, error) {
	if role, ok := ag.RoleOf(caller); !ok || role != RoleTenant {
		return Event{}, ErrUnauthorized
	}
	// Range is checked before phase so an out-of-range period is reported
	// as such regardless of deposit or lease state.
	if period < 1 || period > ag.Terms.LeaseDuration {
		return Event{}, ErrInvalidPeriod
	}
	if !ag.LeaseActive || !ag.DepositPaid {
		return Event{}, ErrInvalidPhase
	}
	if amount != ag.Terms.MonthlyRent {
		return Event{}, ErrAmountMismatch
	}
	if ag.RentPaid[period] {
		return Event{}, ErrDuplicatePayment
	}

	if err := e.ledger.PayDirect(ctx, ag.Landlord, amount); err != nil {
		return Event{}, fmt.Errorf("%w: rent: %s", ErrTransferFailed, err)
	}
	ag.RentPaid[period] = true
	ag.TotalMonthsPaid++

	return Event{
		AgreementID: ag.ID,
		Kind:        EventRentPaid,
		Actor:       caller,
		Period:      period,
		Amount:      amount,
		OccurredAt:  e.clock.Now(),
	}, nil
}

// RaiseDispute suspends deposit disbursement pending an arbitrator ruling.
// Either tenant or landlord may raise it, but only once and only after the
// deposit is custodied.
func (e *Engine) RaiseDispute(ctx context.Context, ag *Agreement, caller string) (Event, error) {
	if role, ok := ag.RoleOf(caller); !ok || role == RoleArbitrator {
		return Event{}, ErrUnauthorized
	}
	if !ag.DepositPaid || !ag.DisputeStatus.canTransition(DisputePending) {
		return Event{}, ErrInvalidPhase
	}
	ag.DisputeStatus = DisputePending

	return Event{
		AgreementID: ag.ID,
		Kind:        EventDisputeRaised,
		Actor:       caller,
		OccurredAt:  e.clock.Now(),
	}, nil
}

// ResolveDispute splits the custodied deposit between tenant and landlord.
// Whatever the arbitrator does not allocate to either party is kept as the
// arbitrator's dispute-handling fee; the three amounts always sum to exactly
// the security deposit. All transfers commit atomically or not at all.
func (e *Engine) ResolveDispute(ctx context.Context, ag *Agreement, caller string, tenantRefund, landlordAmount int64) (Event, error) {
	if role, ok := ag.RoleOf(caller); !ok || role != RoleArbitrator {
		return Event{}, ErrUnauthorized
	}
	if !ag.DepositPaid || !ag.DisputeStatus.canTransition(DisputeResolved) {
		return Event{}, ErrInvalidPhase
	}
	// Compared without summing so huge operands cannot wrap past the guard.
	if tenantRefund < 0 || landlordAmount < 0 ||
		tenantRefund > ag.Terms.SecurityDeposit ||
		landlordAmount > ag.Terms.SecurityDeposit-tenantRefund {
		return Event{}, ErrAmountExceedsDeposit
	}

	arbitratorFee := ag.Terms.SecurityDeposit - tenantRefund - landlordAmount

	transfers := make([]ledger.Transfer, 0, 3)
	if tenantRefund > 0 {
		transfers = append(transfers, ledger.Transfer{To: ag.Tenant, Amount: tenantRefund})
	}
	if landlordAmount > 0 {
		transfers = append(transfers, ledger.Transfer{To: ag.Landlord, Amount: landlordAmount})
	}
	if arbitratorFee > 0 {
		transfers = append(transfers, ledger.Transfer{To: ag.Arbitrator, Amount: arbitratorFee})
	}
	if err := e.ledger.DisburseFromCustody(ctx, transfers); err != nil {
		return Event{}, fmt.Errorf("%w: disburse: %s", ErrTransferFailed, err)
	}

	ag.DisputeStatus = DisputeResolved
	ag.LeaseActive = false

	return Event{
		AgreementID:    ag.ID,
		Kind:           EventDisputeResolved,
		Actor:          caller,
		TenantRefund:   tenantRefund,
		LandlordAmount: landlordAmount,
		ArbitratorFee:  arbitratorFee,
		OccurredAt:     e.clock.Now(),
	}, nil
}

// ReturnDeposit refunds the full deposit to the tenant once the lease term
// has elapsed with no dispute on record. The settlement record reuses the
// DISPUTE_RESOLVED shape with a zero landlord amount.
func (e *Engine) ReturnDeposit(ctx context.Context, ag *Agreement, caller string) (Event, error) {
	if role, ok := ag.RoleOf(caller); !ok || role == RoleArbitrator {
		return Event{}, ErrUnauthorized
	}
	if !ag.DepositPaid || ag.DisputeStatus != DisputeNone {
		return Event{}, ErrInvalidPhase
	}
	if e.clock.Now().Before(ag.LeaseEnd()) {
		return Event{}, ErrInvalidPhase
	}
	// The deposit may have been released already; custody is the source of
	// truth for that, not a stored flag.
	balance, err := e.ledger.CustodyBalance(ctx)
	if err != nil {
		return Event{}, fmt.Errorf("%w: custody balance: %s", ErrTransferFailed, err)
	}
	if balance < ag.Terms.SecurityDeposit {
		return Event{}, ErrInvalidPhase
	}

	transfers := []ledger.Transfer{{To: ag.Tenant, Amount: ag.Terms.SecurityDeposit}}
	if err := e.ledger.DisburseFromCustody(ctx, transfers); err != nil {
		return Event{}, fmt.Errorf("%w: return deposit: %s", ErrTransferFailed, err)
	}
	ag.LeaseActive = false

	return Event{
		AgreementID:    ag.ID,
		Kind:           EventDisputeResolved,
		Actor:          caller,
		TenantRefund:   ag.Terms.SecurityDeposit,
		LandlordAmount: 0,
		ArbitratorFee:  0,
		OccurredAt:     e.clock.Now(),
	}, nil
}

// TerminateLease ends the lease without touching the deposit; release of the
// deposit is a separate action.
func (e *Engine) TerminateLease(ctx context.Context, ag *Agreement, caller string) (Event, error) {
	if role, ok := ag.RoleOf(caller); !ok || role == RoleArbitrator {
		return Event{}, ErrUnauthorized
	}
	if !ag.LeaseActive {
		return Event{}, ErrInvalidPhase
	}
	ag.LeaseActive = false

	return Event{
		AgreementID: ag.ID,
		Kind:        EventLeaseTerminated,
		Actor:       caller,
		OccurredAt:  e.clock.Now(),
	}, nil
}

// CustodyBalance reports the funds currently held for the agreement.
func (e *Engine) CustodyBalance(ctx context.Context) (int64, error) {
	return e.ledger.CustodyBalance(ctx)
}
