// Package advisorylock contains the lock IDs of all advisory locks used
// by the hub.
package advisorylock

const (
	// Ledger is the first key of the transaction-scoped advisory lock serializing ledger and
	// history writes of one document. The second key is hashtext(document).
	Ledger = 1
)
