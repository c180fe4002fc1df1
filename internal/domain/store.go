package domain

import (
	"context"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Status MarketStatus // markets only; empty means any
}

// LedgerReader is the read side of the ledger. It only ever observes committed
// state.
type LedgerReader interface {
	GetMarket(ctx context.Context, id uint64) (Market, error)
	ListMarkets(ctx context.Context, opts ListOpts) ([]Market, error)
	CountMarkets(ctx context.Context, status MarketStatus) (int64, error)
	MarketStats(ctx context.Context, id uint64) (MarketStats, error)
	ListParticipants(ctx context.Context, marketID uint64, opts ListOpts) ([]Participant, error)
	GetParticipant(ctx context.Context, key ParticipantKey) (Participant, error)
	// DuplicateKeys returns up to limit keys that have more than one
	// participant row.
	DuplicateKeys(ctx context.Context, limit int) ([]ParticipantKey, error)
	ListFrozen(ctx context.Context) ([]FrozenKey, error)
	Cursor(ctx context.Context) (uint64, bool, error)
}

// Ledger is the durable store for markets, participants, raw events and the
// sync cursor. All writes go through InTx so a batch commits atomically.
type Ledger interface {
	LedgerReader
	// InTx runs fn inside one transaction. The transaction commits when fn
	// returns nil and rolls back otherwise. Serialization failures surface as
	// ErrPersistenceConflict.
	InTx(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error
	Close() error
}

// LedgerTx is the write side, valid only inside Ledger.InTx.
type LedgerTx interface {
	// LockParticipantKey serializes writers of one key until the transaction
	// ends. Callers locking several keys must lock them in SortKeys order.
	LockParticipantKey(ctx context.Context, key ParticipantKey) error
	// ParticipantRows returns every row stored for key, oldest first.
	ParticipantRows(ctx context.Context, key ParticipantKey) ([]Participant, error)
	InsertParticipant(ctx context.Context, p Participant) (int64, error)
	UpdateParticipant(ctx context.Context, p Participant) error
	DeleteParticipants(ctx context.Context, ids []int64) error
	MarketParticipants(ctx context.Context, marketID uint64) ([]Participant, error)

	GetMarket(ctx context.Context, id uint64) (Market, error)
	UpsertMarket(ctx context.Context, m Market) error

	// InsertRawEvent stores the audit record; inserted is false when the
	// (tx_hash, log_index) pair was already present.
	InsertRawEvent(ctx context.Context, ev RawEvent) (inserted bool, err error)
	RawEventsByRef(ctx context.Context, refs []TxRef) (map[TxRef]RawEvent, error)
	RawPurchases(ctx context.Context, key ParticipantKey) ([]RawEvent, error)
	InsertClaim(ctx context.Context, c Claim) error

	IsFrozen(ctx context.Context, key ParticipantKey) (bool, error)
	Freeze(ctx context.Context, key ParticipantKey, reason string) error
	Unfreeze(ctx context.Context, key ParticipantKey) error

	Cursor(ctx context.Context) (uint64, bool, error)
	// SetCursor records block as processed. A block lower than the stored
	// cursor leaves it unchanged.
	SetCursor(ctx context.Context, block uint64) error
}
