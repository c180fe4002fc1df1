package domain

import "strconv"

// ParticipantUpdate is published on ParticipantsChannel after a commit.
type ParticipantUpdate struct {
	Type        string      `json:"type"`
	MarketID    uint64      `json:"market_id"`
	Participant Participant `json:"participant"`
	Block       uint64      `json:"block"`
}

// MarketUpdate is published on ChannelMarkets after a commit.
type MarketUpdate struct {
	Type   string `json:"type"`
	Market Market `json:"market"`
	Block  uint64 `json:"block"`
}

// SyncUpdate is published on ChannelSync when the cursor advances.
type SyncUpdate struct {
	Type   string `json:"type"`
	Cursor uint64 `json:"cursor"`
	Head   uint64 `json:"head"`
}

func formatUint(n uint64) string {
	return strconv.FormatUint(n, 10)
}
