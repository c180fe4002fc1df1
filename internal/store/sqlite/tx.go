package sqlite

import (
	"context"

	"github.com/alanyoungcy/celoledger/internal/domain"
	"github.com/alanyoungcy/celoledger/internal/keylock"
)

// ledgerTx implements domain.LedgerTx over a *sql.Tx. Every statement goes
// through q: the pool has a single connection held by the transaction.
type ledgerTx struct {
	q     querier
	locks *keylock.Mutex
	held  map[domain.ParticipantKey]func()
}

func (t *ledgerTx) release() {
	for _, unlock := range t.held {
		unlock()
	}
	t.held = nil
}

// LockParticipantKey is re-entrant within the transaction.
func (t *ledgerTx) LockParticipantKey(_ context.Context, key domain.ParticipantKey) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	t.held[key] = t.locks.Lock(key.String())
	return nil
}

func (t *ledgerTx) ParticipantRows(ctx context.Context, key domain.ParticipantKey) ([]domain.Participant, error) {
	return participantRows(ctx, t.q, key)
}

func (t *ledgerTx) InsertParticipant(ctx context.Context, p domain.Participant) (int64, error) {
	return insertParticipant(ctx, t.q, p)
}

func (t *ledgerTx) UpdateParticipant(ctx context.Context, p domain.Participant) error {
	return updateParticipant(ctx, t.q, p)
}

func (t *ledgerTx) DeleteParticipants(ctx context.Context, ids []int64) error {
	return deleteParticipants(ctx, t.q, ids)
}

func (t *ledgerTx) MarketParticipants(ctx context.Context, marketID uint64) ([]domain.Participant, error) {
	return marketParticipants(ctx, t.q, marketID)
}

func (t *ledgerTx) GetMarket(ctx context.Context, id uint64) (domain.Market, error) {
	return getMarket(ctx, t.q, id)
}

func (t *ledgerTx) UpsertMarket(ctx context.Context, m domain.Market) error {
	return upsertMarket(ctx, t.q, m)
}

func (t *ledgerTx) InsertRawEvent(ctx context.Context, ev domain.RawEvent) (bool, error) {
	return insertRawEvent(ctx, t.q, ev)
}

func (t *ledgerTx) RawEventsByRef(ctx context.Context, refs []domain.TxRef) (map[domain.TxRef]domain.RawEvent, error) {
	return rawEventsByRef(ctx, t.q, refs)
}

func (t *ledgerTx) RawPurchases(ctx context.Context, key domain.ParticipantKey) ([]domain.RawEvent, error) {
	return rawPurchases(ctx, t.q, key)
}

func (t *ledgerTx) InsertClaim(ctx context.Context, c domain.Claim) error {
	return insertClaim(ctx, t.q, c)
}

func (t *ledgerTx) IsFrozen(ctx context.Context, key domain.ParticipantKey) (bool, error) {
	return isFrozen(ctx, t.q, key)
}

func (t *ledgerTx) Freeze(ctx context.Context, key domain.ParticipantKey, reason string) error {
	return freeze(ctx, t.q, key, reason)
}

func (t *ledgerTx) Unfreeze(ctx context.Context, key domain.ParticipantKey) error {
	return unfreeze(ctx, t.q, key)
}

func (t *ledgerTx) Cursor(ctx context.Context) (uint64, bool, error) {
	return cursor(ctx, t.q)
}

func (t *ledgerTx) SetCursor(ctx context.Context, block uint64) error {
	return setCursor(ctx, t.q, block)
}
