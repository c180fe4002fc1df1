// Package optimistic keeps a client's speculative view of its own positions.
// A purchase is reflected locally as soon as it is submitted, then either
// confirmed against the ledger or reverted to the exact prior state.
package optimistic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/alanyoungcy/celoledger/internal/domain"
)

// Phase is the lifecycle state of one market entry.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseOptimistic Phase = "optimistic"
	PhaseConfirmed  Phase = "confirmed"
	// PhaseReverted behaves like PhaseIdle with the snapshot restored.
	PhaseReverted Phase = "reverted"
)

var (
	// ErrNotPending is returned by Confirm and Revert when no optimistic
	// update is in flight for the market.
	ErrNotPending = fmt.Errorf("optimistic: no pending update: %w", domain.ErrInvalidTransition)

	// ErrInvalidAmount is returned for non-positive purchase amounts.
	ErrInvalidAmount = errors.New("optimistic: amount must be positive")
)

// Authority reports the committed position of a participant key.
type Authority interface {
	Participant(ctx context.Context, key domain.ParticipantKey) (domain.Participant, error)
}

// Position is the client's view of its participant row in one market.
type Position struct {
	MarketID        uint64        `json:"market_id"`
	Address         string        `json:"address"`
	YesShares       domain.Amount `json:"yes_shares"`
	NoShares        domain.Amount `json:"no_shares"`
	TotalInvestment domain.Amount `json:"total_investment"`
	FirstPurchaseAt int64         `json:"first_purchase_at"`
	LastPurchaseAt  int64         `json:"last_purchase_at"`
	IsOptimistic    bool          `json:"is_optimistic"`
}

// FromParticipant converts a ledger row into a confirmed position.
func FromParticipant(p domain.Participant) Position {
	return Position{
		MarketID:        p.MarketID,
		Address:         domain.NormalizeAddress(p.Address),
		YesShares:       p.YesShares,
		NoShares:        p.NoShares,
		TotalInvestment: p.TotalInvestment,
		FirstPurchaseAt: p.FirstPurchaseAt,
		LastPurchaseAt:  p.LastPurchaseAt,
	}
}

// apply adds a purchase the same way the ledger aggregator does.
func (p Position) apply(amount domain.Amount, side bool, ts int64) Position {
	if side {
		p.YesShares = p.YesShares.Add(amount)
	} else {
		p.NoShares = p.NoShares.Add(amount)
	}
	p.TotalInvestment = p.TotalInvestment.Add(amount)
	if p.FirstPurchaseAt == 0 {
		p.FirstPurchaseAt = ts
	}
	p.LastPurchaseAt = ts
	p.IsOptimistic = true
	return p
}

// Entry is the state of one market.
type Entry struct {
	Phase   Phase    `json:"phase"`
	Current Position `json:"current"`
	// Snapshot is the position captured by the first pending apply. It is
	// set only while Phase is PhaseOptimistic.
	Snapshot *Position `json:"snapshot,omitempty"`
}

func (e Entry) clone() Entry {
	if e.Snapshot != nil {
		s := *e.Snapshot
		e.Snapshot = &s
	}
	return e
}

// Store holds one entry per market for a single address. Mutations are
// serialized by a mutex; readers may call State concurrently.
type Store struct {
	mu        sync.RWMutex
	address   string
	authority Authority
	entries   map[uint64]Entry
	now       func() time.Time
}

// NewStore creates an empty store for address. authority may be nil when
// only ConfirmWith is used.
func NewStore(address string, authority Authority) *Store {
	return &Store{
		address:   domain.NormalizeAddress(address),
		authority: authority,
		entries:   make(map[uint64]Entry),
		now:       time.Now,
	}
}

// Address returns the normalized address the store tracks.
func (s *Store) Address() string {
	return s.address
}

func (s *Store) key(marketID uint64) domain.ParticipantKey {
	return domain.NewParticipantKey(marketID, s.address)
}

// Load replaces the entry for marketID with the authoritative position. A
// key the ledger does not know yet loads as an empty position. Pending
// updates are left alone.
func (s *Store) Load(ctx context.Context, marketID uint64) (Entry, error) {
	if s.authority == nil {
		return Entry{}, errors.New("optimistic: no authority configured")
	}
	p, err := s.authority.Participant(ctx, s.key(marketID))
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return Entry{}, fmt.Errorf("optimistic: load market %d: %w", marketID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[marketID]
	if ok && e.Phase == PhaseOptimistic {
		return e.clone(), nil
	}
	e = Entry{Phase: PhaseIdle, Current: s.position(marketID, p, err == nil)}
	s.entries[marketID] = e
	return e.clone(), nil
}

func (s *Store) position(marketID uint64, p domain.Participant, found bool) Position {
	if !found {
		return Position{MarketID: marketID, Address: s.address}
	}
	return FromParticipant(p)
}

// ApplyOptimistic records a submitted purchase of amount on side. The first
// apply captures a snapshot for Revert; a second apply while one is pending
// composes onto the speculative position and keeps the first snapshot.
func (s *Store) ApplyOptimistic(marketID uint64, amount domain.Amount, side bool) (Entry, error) {
	if amount.Sign() <= 0 {
		return Entry{}, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[marketID]
	if !ok {
		e = Entry{Phase: PhaseIdle, Current: Position{MarketID: marketID, Address: s.address}}
	}
	if e.Phase != PhaseOptimistic {
		snap := e.Current
		e.Snapshot = &snap
		e.Phase = PhaseOptimistic
	}
	e.Current = e.Current.apply(amount, side, s.now().Unix())
	s.entries[marketID] = e
	return e.clone(), nil
}

// Confirm discards the speculative position and adopts what the authority
// reports now, which may include purchases other than the pending one. If
// the ledger has no row yet the error is returned and the update stays
// pending so the caller can retry.
func (s *Store) Confirm(ctx context.Context, marketID uint64) (Entry, error) {
	if s.authority == nil {
		return Entry{}, errors.New("optimistic: no authority configured")
	}
	s.mu.RLock()
	e, ok := s.entries[marketID]
	s.mu.RUnlock()
	if !ok || e.Phase != PhaseOptimistic {
		return Entry{}, ErrNotPending
	}

	p, err := s.authority.Participant(ctx, s.key(marketID))
	if err != nil {
		return Entry{}, fmt.Errorf("optimistic: confirm market %d: %w", marketID, err)
	}
	return s.ConfirmWith(marketID, p)
}

// ConfirmWith confirms the pending update with an authoritative row the
// caller already holds, e.g. one pushed over the websocket.
func (s *Store) ConfirmWith(marketID uint64, p domain.Participant) (Entry, error) {
	if p.MarketID != marketID || domain.NormalizeAddress(p.Address) != s.address {
		return Entry{}, fmt.Errorf("optimistic: participant %s does not belong to market %d of %s",
			p.Key(), marketID, s.address)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[marketID]
	if !ok || e.Phase != PhaseOptimistic {
		return Entry{}, ErrNotPending
	}
	e = Entry{Phase: PhaseConfirmed, Current: FromParticipant(p)}
	s.entries[marketID] = e
	return e.clone(), nil
}

// Observe confirms a pending update from a participant update pushed by the
// server. Updates for other addresses, or for markets without a pending
// update, are ignored and report false.
func (s *Store) Observe(u domain.ParticipantUpdate) (Entry, bool) {
	if domain.NormalizeAddress(u.Participant.Address) != s.address {
		return Entry{}, false
	}
	e, err := s.ConfirmWith(u.MarketID, u.Participant)
	if err != nil {
		return Entry{}, false
	}
	return e, true
}

// Revert restores the snapshot captured by the first pending apply. Nothing
// is partially rolled back.
func (s *Store) Revert(marketID uint64) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[marketID]
	if !ok || e.Phase != PhaseOptimistic || e.Snapshot == nil {
		return Entry{}, ErrNotPending
	}
	e = Entry{Phase: PhaseReverted, Current: *e.Snapshot}
	s.entries[marketID] = e
	return e.clone(), nil
}

// State returns the entry for marketID. Unknown markets report an idle
// empty position and false.
func (s *Store) State(marketID uint64) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[marketID]
	if !ok {
		return Entry{Phase: PhaseIdle, Current: Position{MarketID: marketID, Address: s.address}}, false
	}
	return e.clone(), true
}

// Markets lists the markets with an entry, ascending.
func (s *Store) Markets() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uint64, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// storeJSON is the persisted form. Market ids are decimal object keys.
type storeJSON struct {
	Version int              `json:"version"`
	Address string           `json:"address"`
	Entries map[string]Entry `json:"entries"`
}

const storeVersion = 1

// MarshalJSON encodes the store. Amounts are decimal strings.
func (s *Store) MarshalJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := storeJSON{
		Version: storeVersion,
		Address: s.address,
		Entries: make(map[string]Entry, len(s.entries)),
	}
	for id, e := range s.entries {
		out.Entries[strconv.FormatUint(id, 10)] = e
	}
	return json.Marshal(out)
}

// UnmarshalJSON replaces the store contents. The authority is kept.
func (s *Store) UnmarshalJSON(data []byte) error {
	var in storeJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("optimistic: decode store: %w", err)
	}
	if in.Version != storeVersion {
		return fmt.Errorf("optimistic: unsupported store version %d", in.Version)
	}
	entries := make(map[uint64]Entry, len(in.Entries))
	for k, e := range in.Entries {
		id, err := strconv.ParseUint(k, 10, 64)
		if err != nil {
			return fmt.Errorf("optimistic: bad market id %q: %w", k, err)
		}
		if e.Phase == PhaseOptimistic && e.Snapshot == nil {
			return fmt.Errorf("optimistic: market %d is pending without a snapshot", id)
		}
		entries[id] = e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.address = domain.NormalizeAddress(in.Address)
	s.entries = entries
	if s.now == nil {
		s.now = time.Now
	}
	return nil
}
