package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// NormalizeAddress lowercases a hex address and trims whitespace.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// ParticipantKey identifies a participant position.
type ParticipantKey struct {
	MarketID uint64
	Address  string
}

// NewParticipantKey builds a key with a normalized address.
func NewParticipantKey(marketID uint64, address string) ParticipantKey {
	return ParticipantKey{MarketID: marketID, Address: NormalizeAddress(address)}
}

// String renders the key as "<marketID>:<address>".
func (k ParticipantKey) String() string {
	return strconv.FormatUint(k.MarketID, 10) + ":" + k.Address
}

// Less orders keys by market then address. Lock acquisition across several
// keys always follows this order.
func (k ParticipantKey) Less(o ParticipantKey) bool {
	if k.MarketID != o.MarketID {
		return k.MarketID < o.MarketID
	}
	return k.Address < o.Address
}

// SortKeys sorts keys in lock order and removes duplicates.
func SortKeys(keys []ParticipantKey) []ParticipantKey {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	out := keys[:0]
	for i, k := range keys {
		if i > 0 && k == keys[i-1] {
			continue
		}
		out = append(out, k)
	}
	return out
}

// TxRef is the idempotence key of a log: (transaction hash, log index).
type TxRef struct {
	Hash     string
	LogIndex uint
}

// String renders the ref as "<hash>:<logIndex>", the stored form.
func (r TxRef) String() string {
	return r.Hash + ":" + strconv.FormatUint(uint64(r.LogIndex), 10)
}

// ParseTxRef parses the stored "<hash>:<logIndex>" form.
func ParseTxRef(s string) (TxRef, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 {
		return TxRef{}, fmt.Errorf("domain: malformed tx ref %q", s)
	}
	idx, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return TxRef{}, fmt.Errorf("domain: malformed tx ref %q: %w", s, err)
	}
	return TxRef{Hash: strings.ToLower(s[:i]), LogIndex: uint(idx)}, nil
}

// TxSet is a set of processed tx refs.
type TxSet map[TxRef]struct{}

// NewTxSet builds a set from refs.
func NewTxSet(refs ...TxRef) TxSet {
	s := make(TxSet, len(refs))
	for _, r := range refs {
		s[r] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s TxSet) Has(r TxRef) bool {
	_, ok := s[r]
	return ok
}

// Add inserts r.
func (s TxSet) Add(r TxRef) {
	s[r] = struct{}{}
}

// Clone returns an independent copy.
func (s TxSet) Clone() TxSet {
	out := make(TxSet, len(s))
	for r := range s {
		out[r] = struct{}{}
	}
	return out
}

// Strings returns the stored forms, sorted.
func (s TxSet) Strings() []string {
	out := make([]string, 0, len(s))
	for r := range s {
		out = append(out, r.String())
	}
	sort.Strings(out)
	return out
}

// ParseTxSet parses stored refs.
func ParseTxSet(values []string) (TxSet, error) {
	s := make(TxSet, len(values))
	for _, v := range values {
		r, err := ParseTxRef(v)
		if err != nil {
			return nil, err
		}
		s.Add(r)
	}
	return s, nil
}

// MarshalJSON encodes the set as a sorted list of strings.
func (s TxSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Strings())
}

// UnmarshalJSON decodes a list of "<hash>:<logIndex>" strings.
func (s *TxSet) UnmarshalJSON(data []byte) error {
	var values []string
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	parsed, err := ParseTxSet(values)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Participant is one address's aggregated position in one market.
type Participant struct {
	ID              int64     `json:"-"`
	MarketID        uint64    `json:"market_id"`
	Address         string    `json:"address"`
	YesShares       Amount    `json:"yes_shares"`
	NoShares        Amount    `json:"no_shares"`
	TotalInvestment Amount    `json:"total_investment"`
	FirstPurchaseAt int64     `json:"first_purchase_at"`
	LastPurchaseAt  int64     `json:"last_purchase_at"`
	ProcessedTxs    TxSet     `json:"processed_txs"`
	CreatedAt       time.Time `json:"created_at"`
}

// Key returns the participant's aggregation key.
func (p Participant) Key() ParticipantKey {
	return ParticipantKey{MarketID: p.MarketID, Address: p.Address}
}

// CheckInvariant verifies totalInvestment == yesShares + noShares and that no
// field is negative.
func (p Participant) CheckInvariant() error {
	if p.YesShares.Sign() < 0 || p.NoShares.Sign() < 0 || p.TotalInvestment.Sign() < 0 {
		return fmt.Errorf("%w: participant %s has a negative field", ErrInvariantViolation, p.Key())
	}
	if !p.TotalInvestment.Equal(p.YesShares.Add(p.NoShares)) {
		return fmt.Errorf("%w: participant %s total_investment=%s != yes=%s + no=%s",
			ErrInvariantViolation, p.Key(), p.TotalInvestment, p.YesShares, p.NoShares)
	}
	return nil
}

// FrozenKey marks a participant key whose writes are halted until an operator
// replays it.
type FrozenKey struct {
	Key      ParticipantKey `json:"key"`
	Reason   string         `json:"reason"`
	FrozenAt time.Time      `json:"frozen_at"`
}
