// Package ledger provides the fund-movement collaborators used by the escrow
// engine: an in-memory ledger for tests and embedded hosting, and a
// PostgreSQL ledger that executes inside the hosting transaction.
//
// Every operation is atomic: a transfer set either fully completes or fully
// fails, so a rejected disbursement moves nothing.
package ledger

import "errors"

// ErrInsufficientCustody signals a disbursement set the custodied balance
// cannot cover. Nothing is transferred in that case.
var ErrInsufficientCustody = errors.New("ledger: insufficient custodied balance")

// Transfer is one outbound fund movement to a party.
type Transfer struct {
	To     string
	Amount int64
}
