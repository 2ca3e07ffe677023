package escrow

import (
	"fmt"
	"time"
)

// PeriodLength is the duration of one rent period. The domain calls it a
// month; the engine treats it as a fixed 30-day window.
const PeriodLength = 30 * 24 * time.Hour

// Role identifies which of the three fixed parties a principal acts as.
type Role string

const (
	RoleTenant     Role = "tenant"
	RoleLandlord   Role = "landlord"
	RoleArbitrator Role = "arbitrator"
)

// DisputeStatus is the forward-only dispute lifecycle.
type DisputeStatus string

const (
	DisputeNone     DisputeStatus = "none"
	DisputePending  DisputeStatus = "pending"
	DisputeResolved DisputeStatus = "resolved"
)

// disputeTransitions is the explicit transition table; anything absent is
// rejected, so backward or skip transitions cannot happen.
var disputeTransitions = map[DisputeStatus][]DisputeStatus{
	DisputeNone:     {DisputePending},
	DisputePending:  {DisputeResolved},
	DisputeResolved: {},
}

func (s DisputeStatus) canTransition(next DisputeStatus) bool {
	for _, allowed := range disputeTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terms are the financial parameters fixed at creation. Amounts are minor
// units (cents); LeaseDuration counts 30-day periods.
type Terms struct {
	MonthlyRent     int64
	SecurityDeposit int64
	LeaseDuration   int
	LeaseStart      time.Time
}

// Agreement is the owned state of one lease between exactly three parties.
// It mirrors the escrow_agreements row and is mutated only by Engine
// commands; the hosting layer serializes those per instance.
type Agreement struct {
	ID         string
	Landlord   string
	Tenant     string
	Arbitrator string
	Terms      Terms

	DepositPaid     bool
	LeaseActive     bool
	DisputeStatus   DisputeStatus
	RentPaid        map[int]bool
	TotalMonthsPaid int
}

// NewAgreement validates the construction parameters and returns an active
// agreement with no deposit and no dispute.
func NewAgreement(id, landlord, tenant, arbitrator string, terms Terms) (*Agreement, error) {
	if landlord == "" || tenant == "" || arbitrator == "" {
		return nil, fmt.Errorf("escrow: all three parties are required")
	}
	if landlord == tenant || landlord == arbitrator || tenant == arbitrator {
		return nil, fmt.Errorf("escrow: landlord, tenant and arbitrator must be distinct")
	}
	if terms.MonthlyRent <= 0 {
		return nil, fmt.Errorf("escrow: monthly rent must be positive")
	}
	if terms.SecurityDeposit <= 0 {
		return nil, fmt.Errorf("escrow: security deposit must be positive")
	}
	if terms.LeaseDuration <= 0 {
		return nil, fmt.Errorf("escrow: lease duration must be positive")
	}
	if terms.LeaseStart.IsZero() {
		return nil, fmt.Errorf("escrow: lease start time is required")
	}

	return &Agreement{
		ID:            id,
		Landlord:      landlord,
		Tenant:        tenant,
		Arbitrator:    arbitrator,
		Terms:         terms,
		LeaseActive:   true,
		DisputeStatus: DisputeNone,
		RentPaid:      make(map[int]bool),
	}, nil
}

// RoleOf reports which role the principal holds on this agreement.
func (a *Agreement) RoleOf(principal string) (Role, bool) {
	switch principal {
	case a.Tenant:
		return RoleTenant, true
	case a.Landlord:
		return RoleLandlord, true
	case a.Arbitrator:
		return RoleArbitrator, true
	default:
		return "", false
	}
}

// LeaseEnd derives the end of the lease term from the start time and
// duration; it is never stored, so it cannot go stale.
func (a *Agreement) LeaseEnd() time.Time {
	return a.Terms.LeaseStart.Add(time.Duration(a.Terms.LeaseDuration) * PeriodLength)
}

// IsPeriodPaid reports whether rent for the given period has been settled.
func (a *Agreement) IsPeriodPaid(period int) bool {
	return a.RentPaid[period]
}

// Snapshot is a read-only copy of all terms, flags and counters.
type Snapshot struct {
	ID              string
	Landlord        string
	Tenant          string
	Arbitrator      string
	Terms           Terms
	DepositPaid     bool
	LeaseActive     bool
	DisputeStatus   DisputeStatus
	RentPaid        map[int]bool
	TotalMonthsPaid int
	LeaseEnd        time.Time
}

// Snapshot returns a deep copy so callers cannot mutate engine state.
func (a *Agreement) Snapshot() Snapshot {
	paid := make(map[int]bool, len(a.RentPaid))
	for period, ok := range a.RentPaid {
		paid[period] = ok
	}
	return Snapshot{
		ID:              a.ID,
		Landlord:        a.Landlord,
		Tenant:          a.Tenant,
		Arbitrator:      a.Arbitrator,
		Terms:           a.Terms,
		DepositPaid:     a.DepositPaid,
		LeaseActive:     a.LeaseActive,
		DisputeStatus:   a.DisputeStatus,
		RentPaid:        paid,
		TotalMonthsPaid: a.TotalMonthsPaid,
		LeaseEnd:        a.LeaseEnd(),
	}
}
