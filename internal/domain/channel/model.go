// Package channel models payment channels and off-chain ledger balances.
package channel

// Status is the lifecycle position of a payment channel.
type Status string

const (
	StatusPending  Status = "pending"
	StatusOpen     Status = "open"
	StatusActive   Status = "active"
	StatusClosing  Status = "closing"
	StatusClosed   Status = "closed"
	StatusDisputed Status = "disputed"
)

// Channel is an on-chain-anchored, off-chain-updated balance container
// between the client and the clearing authority.
type Channel struct {
	ID      string
	Status  Status
	Token   string
	ChainID uint64
	Amount  string
}

// LedgerBalance is a per-asset off-chain balance snapshot, refreshed by
// explicit query or by push notification.
type LedgerBalance struct {
	Asset     string
	Available string
	Locked    string
	Total     string
}
