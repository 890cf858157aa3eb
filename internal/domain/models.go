package domain

import "time"

// ChannelStatus is the fine-grained lifecycle state of a payment channel.
type ChannelStatus string

const (
	StatusDisconnected ChannelStatus = "disconnected"
	StatusApproving    ChannelStatus = "approving"
	StatusDepositing   ChannelStatus = "depositing"
	StatusConnecting   ChannelStatus = "connecting"
	StatusCreating     ChannelStatus = "creating"
	StatusActive       ChannelStatus = "active"
	StatusClosing      ChannelStatus = "closing"
	StatusSettled      ChannelStatus = "settled"
	StatusError        ChannelStatus = "error"
)

// ChannelStatuses lists every channel status in lifecycle order.
var ChannelStatuses = []ChannelStatus{
	StatusDisconnected,
	StatusApproving,
	StatusDepositing,
	StatusConnecting,
	StatusCreating,
	StatusActive,
	StatusClosing,
	StatusSettled,
	StatusError,
}

// InFlight reports whether the status marks a transition waiting on the network.
func (s ChannelStatus) InFlight() bool {
	switch s {
	case StatusApproving, StatusDepositing, StatusConnecting, StatusCreating, StatusClosing:
		return true
	}
	return false
}

// SessionStatus is the coarse status exposed to session callers.
type SessionStatus string

const (
	SessionDisconnected SessionStatus = "disconnected"
	SessionConnecting   SessionStatus = "connecting"
	SessionActive       SessionStatus = "active"
	SessionSettling     SessionStatus = "settling"
	SessionSettled      SessionStatus = "settled"
	SessionError        SessionStatus = "error"
)

// ActionEntry is one charge against the off-chain balance.
// Entries are immutable once appended to a ledger.
type ActionEntry struct {
	Type      string    `json:"type"`
	Amount    string    `json:"amount"`
	Units     Units     `json:"units"`
	Timestamp time.Time `json:"timestamp"`
}

// ActionTotal aggregates the charges of a single action type.
type ActionTotal struct {
	Count int    `json:"count"`
	Sum   Units  `json:"sum"`
	Total string `json:"total"`
}

// DepositRequest is the DTO for incoming deposit calls.
type DepositRequest struct {
	Amount Units `json:"amount"`
}

// ChargeRequest is the DTO for incoming charge calls.
type ChargeRequest struct {
	Type   string `json:"type"`
	Amount string `json:"amount"`
}

// CreateSessionRequest is the DTO for opening a new session.
type CreateSessionRequest struct {
	Wallet string `json:"wallet"`
}

// ChargeResponse is the canonical response structure for a successful charge.
type ChargeResponse struct {
	Entry   ActionEntry `json:"entry"`
	Balance string      `json:"balance"`
}
