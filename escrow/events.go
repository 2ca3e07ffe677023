package escrow

import "time"

// EventKind names the five audit record kinds the engine emits.
type EventKind string

const (
	EventDepositPaid     EventKind = "DEPOSIT_PAID"
	EventRentPaid        EventKind = "RENT_PAID"
	EventDisputeRaised   EventKind = "DISPUTE_RAISED"
	EventDisputeResolved EventKind = "DISPUTE_RESOLVED"
	EventLeaseTerminated EventKind = "LEASE_TERMINATED"
)

// Event is one append-only audit record. Every successful command produces
// exactly one; a clean deposit return reuses the DISPUTE_RESOLVED shape with
// the full deposit as tenant refund.
type Event struct {
	ID             int64
	AgreementID    string
	Seq            int
	Kind           EventKind
	Actor          string
	Period         int
	Amount         int64
	TenantRefund   int64
	LandlordAmount int64
	ArbitratorFee  int64
	OccurredAt     time.Time
}

// Payload renders the kind-specific fields for the jsonb audit column.
func (e Event) Payload() map[string]any {
	payload := map[string]any{
		"agreement_id": e.AgreementID,
	}
	if e.Actor != "" {
		payload["actor_id"] = e.Actor
	}
	switch e.Kind {
	case EventDepositPaid:
		payload["amount"] = e.Amount
	case EventRentPaid:
		payload["period"] = e.Period
		payload["amount"] = e.Amount
	case EventDisputeResolved:
		payload["tenant_refund"] = e.TenantRefund
		payload["landlord_amount"] = e.LandlordAmount
		payload["arbitrator_fee"] = e.ArbitratorFee
	}
	return payload
}

// OutboxTopic maps the event to the topic published on commit.
func (e Event) OutboxTopic() string {
	switch e.Kind {
	case EventDepositPaid:
		return "escrow.deposit_paid"
	case EventRentPaid:
		return "escrow.rent_paid"
	case EventDisputeRaised:
		return "escrow.dispute_raised"
	case EventDisputeResolved:
		return "escrow.dispute_resolved"
	case EventLeaseTerminated:
		return "escrow.lease_terminated"
	default:
		return "escrow.event"
	}
}
