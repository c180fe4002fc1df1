package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/celoledger/internal/domain"
)

// dbtx is satisfied by *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Ledger implements domain.Ledger on PostgreSQL.
type Ledger struct {
	pool *pgxpool.Pool
}

var _ domain.Ledger = (*Ledger)(nil)

// NewLedger creates a Ledger backed by the given connection pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Close is a no-op; the pool belongs to the Client.
func (l *Ledger) Close() error {
	return nil
}

// InTx runs fn in one READ COMMITTED transaction. Per-key serialization comes
// from advisory locks and row locks taken through the LedgerTx.
func (l *Ledger) InTx(ctx context.Context, fn func(ctx context.Context, tx domain.LedgerTx) error) error {
	pgTx, err := l.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", classify(err))
	}
	defer func() { _ = pgTx.Rollback(ctx) }()

	if err := fn(ctx, &ledgerTx{q: pgTx}); err != nil {
		return classify(err)
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", classify(err))
	}
	return nil
}

// classify maps serialization failures and deadlocks to
// domain.ErrPersistenceConflict.
func classify(err error) error {
	if err == nil || errors.Is(err, domain.ErrPersistenceConflict) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %v", domain.ErrPersistenceConflict, err)
		}
	}
	return err
}

type ledgerTx struct {
	q pgx.Tx
}

// LockParticipantKey takes a transaction-scoped advisory lock on the key.
// Advisory locks stack within a session, so locking twice is harmless.
func (t *ledgerTx) LockParticipantKey(ctx context.Context, key domain.ParticipantKey) error {
	if _, err := t.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key.String()); err != nil {
		return fmt.Errorf("postgres: lock %s: %w", key, err)
	}
	return nil
}

func (t *ledgerTx) ParticipantRows(ctx context.Context, key domain.ParticipantKey) ([]domain.Participant, error) {
	out, err := queryParticipants(ctx, t.q,
		`SELECT `+participantSelectCols+` FROM participants
		 WHERE market_id = $1 AND address = $2
		 ORDER BY created_at, id FOR UPDATE`,
		int64(key.MarketID), key.Address,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: participant rows %s: %w", key, err)
	}
	return out, nil
}

func (t *ledgerTx) InsertParticipant(ctx context.Context, p domain.Participant) (int64, error) {
	return insertParticipant(ctx, t.q, p)
}

func (t *ledgerTx) UpdateParticipant(ctx context.Context, p domain.Participant) error {
	return updateParticipant(ctx, t.q, p)
}

func (t *ledgerTx) DeleteParticipants(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := t.q.Exec(ctx, `DELETE FROM participants WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("postgres: delete participants: %w", err)
	}
	return nil
}

func (t *ledgerTx) MarketParticipants(ctx context.Context, marketID uint64) ([]domain.Participant, error) {
	out, err := queryParticipants(ctx, t.q,
		`SELECT `+participantSelectCols+` FROM participants WHERE market_id = $1 ORDER BY created_at, id`,
		int64(marketID),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: participants of %d: %w", marketID, err)
	}
	return out, nil
}

func (t *ledgerTx) GetMarket(ctx context.Context, id uint64) (domain.Market, error) {
	return getMarket(ctx, t.q, id, true)
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
	var exists bool
	err := t.q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM frozen_participants WHERE market_id = $1 AND address = $2)`,
		int64(key.MarketID), key.Address,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: frozen check %s: %w", key, err)
	}
	return exists, nil
}

func (t *ledgerTx) Freeze(ctx context.Context, key domain.ParticipantKey, reason string) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO frozen_participants (market_id, address, reason, frozen_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (market_id, address) DO UPDATE SET reason = EXCLUDED.reason`,
		int64(key.MarketID), key.Address, reason,
	)
	if err != nil {
		return fmt.Errorf("postgres: freeze %s: %w", key, err)
	}
	return nil
}

func (t *ledgerTx) Unfreeze(ctx context.Context, key domain.ParticipantKey) error {
	_, err := t.q.Exec(ctx,
		`DELETE FROM frozen_participants WHERE market_id = $1 AND address = $2`,
		int64(key.MarketID), key.Address,
	)
	if err != nil {
		return fmt.Errorf("postgres: unfreeze %s: %w", key, err)
	}
	return nil
}

func (t *ledgerTx) Cursor(ctx context.Context) (uint64, bool, error) {
	return readCursor(ctx, t.q, true)
}

// SetCursor never moves the cursor backwards.
func (t *ledgerTx) SetCursor(ctx context.Context, block uint64) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO sync_cursor (id, last_processed_block, updated_at) VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET
			last_processed_block = GREATEST(sync_cursor.last_processed_block, EXCLUDED.last_processed_block),
			updated_at = NOW()`,
		int64(block),
	)
	if err != nil {
		return fmt.Errorf("postgres: set cursor: %w", err)
	}
	return nil
}
