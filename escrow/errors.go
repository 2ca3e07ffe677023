package escrow

import "errors"

var (
	// ErrUnauthorized signals the caller does not hold the role the command requires.
	ErrUnauthorized = errors.New("escrow: unauthorized caller")
	// ErrInvalidPhase signals the command is not valid given the current
	// leaseActive/depositPaid/disputeStatus combination.
	ErrInvalidPhase = errors.New("escrow: command not valid in current phase")
	// ErrAmountMismatch signals the attached value differs from the required exact amount.
	ErrAmountMismatch = errors.New("escrow: attached amount does not match required amount")
	// ErrInvalidPeriod signals a period index outside [1, leaseDuration].
	ErrInvalidPeriod = errors.New("escrow: period out of lease range")
	// ErrDuplicatePayment signals rent for the period was already settled.
	ErrDuplicatePayment = errors.New("escrow: period already paid")
	// ErrAmountExceedsDeposit signals a dispute split that does not fit the custodied deposit.
	ErrAmountExceedsDeposit = errors.New("escrow: split exceeds security deposit")
	// ErrTransferFailed signals the ledger refused a fund movement; the
	// command aborts with no state change.
	ErrTransferFailed = errors.New("escrow: ledger transfer failed")

	// ErrAgreementNotFound is returned when no agreement row exists for the identifier.
	ErrAgreementNotFound = errors.New("escrow: agreement not found")
)
