// Package session models an app session: a remotely-assigned off-chain
// trading context with participants and asset allocations.
package session

import "time"

// Status is the lifecycle position of an app session.
type Status string

const (
	StatusCreating Status = "creating"
	StatusOpen     Status = "open"
	StatusActive   Status = "active"
	StatusClosing  Status = "closing"
	StatusClosed   Status = "closed"
)

// Allocation assigns an asset amount to one participant.
type Allocation struct {
	Participant string `json:"participant"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
}

// Session is one app session. The ID is assigned only by the clearing
// authority; a locally generated id is a correctness bug.
type Session struct {
	ID           string
	Participants []string
	Allocations  []Allocation
	Status       Status
	Nonce        uint64
	CreatedAt    time.Time
}

// Terminal reports whether the session can no longer change.
func (s Session) Terminal() bool { return s.Status == StatusClosed }
