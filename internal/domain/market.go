package domain

import "time"

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusActive    MarketStatus = "active"
	MarketStatusResolved  MarketStatus = "resolved"
	MarketStatusCancelled MarketStatus = "cancelled"
)

// Valid reports whether s is one of the known statuses.
func (s MarketStatus) Valid() bool {
	switch s {
	case MarketStatusActive, MarketStatusResolved, MarketStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether the status can no longer change.
func (s MarketStatus) Terminal() bool {
	return s == MarketStatusResolved || s == MarketStatusCancelled
}

// Market is the projected state of one on-chain prediction market. It is
// owned by the market projector and overwritten on every relevant event.
type Market struct {
	ID          uint64       `json:"id"`
	Question    string       `json:"question"`
	Description string       `json:"description"`
	Category    string       `json:"category"`
	Image       string       `json:"image"`
	Source      string       `json:"source"`
	EndTime     int64        `json:"end_time"`
	TotalPool   Amount       `json:"total_pool"`
	TotalYes    Amount       `json:"total_yes"`
	TotalNo     Amount       `json:"total_no"`
	Status      MarketStatus `json:"status"`
	Outcome     bool         `json:"outcome"`
	Creator     string       `json:"creator"`
	CreatedAt   int64        `json:"created_at"`
	ResolvedAt  int64        `json:"resolved_at,omitempty"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// MarketStats is the aggregate view served by the read API.
type MarketStats struct {
	MarketID         uint64 `json:"market_id"`
	Volume           Amount `json:"volume"`
	TotalYes         Amount `json:"total_yes"`
	TotalNo          Amount `json:"total_no"`
	ParticipantCount int64  `json:"participant_count"`
	YesParticipants  int64  `json:"yes_participants"`
	NoParticipants   int64  `json:"no_participants"`
	ClaimCount       int64  `json:"claim_count"`
	ClaimedAmount    Amount `json:"claimed_amount"`
}

// Claim records a WinningsClaimed event. Payout logic lives elsewhere; the
// ledger only keeps the audit trail.
type Claim struct {
	MarketID       uint64 `json:"market_id"`
	Address        string `json:"address"`
	Amount         Amount `json:"amount"`
	TxHash         string `json:"tx_hash"`
	LogIndex       uint   `json:"log_index"`
	BlockNumber    uint64 `json:"block_number"`
	BlockTimestamp int64  `json:"block_timestamp"`
}
