package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/celoledger/internal/domain"
)

const rawEventSelectCols = `kind, contract, market_id, address, side, amount,
	block_number, block_timestamp, tx_hash, log_index`

func scanRawEvent(row rowScanner) (domain.RawEvent, error) {
	var (
		r            domain.RawEvent
		kind, amount string
		marketID     int64
		side         int
		block        int64
		logIndex     int64
	)
	if err := row.Scan(&kind, &r.Contract, &marketID, &r.Address, &side, &amount,
		&block, &r.BlockTimestamp, &r.TxHash, &logIndex); err != nil {
		return domain.RawEvent{}, err
	}
	a, err := domain.ParseAmount(amount)
	if err != nil {
		return domain.RawEvent{}, err
	}
	r.Kind = domain.EventKind(kind)
	r.MarketID = uint64(marketID)
	r.Side = side != 0
	r.Amount = a
	r.BlockNumber = uint64(block)
	r.LogIndex = uint(logIndex)
	return r, nil
}

func insertRawEvent(ctx context.Context, q querier, r domain.RawEvent) (bool, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO raw_events (
			tx_hash, log_index, kind, contract, market_id, address, side, amount,
			block_number, block_timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tx_hash, log_index) DO NOTHING`,
		r.TxHash, int64(r.LogIndex), string(r.Kind), r.Contract, int64(r.MarketID), r.Address,
		boolInt(r.Side), r.Amount.String(), int64(r.BlockNumber), r.BlockTimestamp,
	)
	if err != nil {
		return false, fmt.Errorf("sqlite: insert raw event %s: %w", r.Ref(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: insert raw event %s: %w", r.Ref(), err)
	}
	return n > 0, nil
}

func rawEventsByRef(ctx context.Context, q querier, refs []domain.TxRef) (map[domain.TxRef]domain.RawEvent, error) {
	out := make(map[domain.TxRef]domain.RawEvent, len(refs))
	for _, ref := range refs {
		row := q.QueryRowContext(ctx,
			`SELECT `+rawEventSelectCols+` FROM raw_events WHERE tx_hash = ? AND log_index = ?`,
			ref.Hash, int64(ref.LogIndex),
		)
		r, err := scanRawEvent(row)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("sqlite: raw event %s: %w", ref, err)
		}
		out[ref] = r
	}
	return out, nil
}

func rawPurchases(ctx context.Context, q querier, key domain.ParticipantKey) ([]domain.RawEvent, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+rawEventSelectCols+` FROM raw_events
		 WHERE kind = ? AND market_id = ? AND address = ?
		 ORDER BY block_number, log_index`,
		string(domain.KindSharesBought), int64(key.MarketID), key.Address,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: raw purchases %s: %w", key, err)
	}
	defer rows.Close()

	var out []domain.RawEvent
	for rows.Next() {
		r, err := scanRawEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan raw event: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func insertClaim(ctx context.Context, q querier, c domain.Claim) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO claims (
			tx_hash, log_index, market_id, address, amount, block_number, block_timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tx_hash, log_index) DO NOTHING`,
		c.TxHash, int64(c.LogIndex), int64(c.MarketID), c.Address, c.Amount.String(),
		int64(c.BlockNumber), c.BlockTimestamp,
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert claim %s:%d: %w", c.TxHash, c.LogIndex, err)
	}
	return nil
}

func isFrozen(ctx context.Context, q querier, key domain.ParticipantKey) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM frozen_participants WHERE market_id = ? AND address = ?)`,
		int64(key.MarketID), key.Address,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("sqlite: frozen check %s: %w", key, err)
	}
	return exists, nil
}

func freeze(ctx context.Context, q querier, key domain.ParticipantKey, reason string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO frozen_participants (market_id, address, reason, frozen_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (market_id, address) DO UPDATE SET reason = excluded.reason`,
		int64(key.MarketID), key.Address, reason, time.Now().UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: freeze %s: %w", key, err)
	}
	return nil
}

func unfreeze(ctx context.Context, q querier, key domain.ParticipantKey) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM frozen_participants WHERE market_id = ? AND address = ?`,
		int64(key.MarketID), key.Address,
	)
	if err != nil {
		return fmt.Errorf("sqlite: unfreeze %s: %w", key, err)
	}
	return nil
}

func cursor(ctx context.Context, q querier) (uint64, bool, error) {
	var block int64
	err := q.QueryRowContext(ctx, `SELECT last_processed_block FROM sync_cursor WHERE id = 1`).Scan(&block)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("sqlite: read cursor: %w", err)
	}
	return uint64(block), true, nil
}

// setCursor never moves the cursor backwards.
func setCursor(ctx context.Context, q querier, block uint64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sync_cursor (id, last_processed_block, updated_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			last_processed_block = MAX(sync_cursor.last_processed_block, excluded.last_processed_block),
			updated_at = excluded.updated_at`,
		int64(block), time.Now().UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: set cursor: %w", err)
	}
	return nil
}

// ListFrozen returns every frozen key.
func (s *Store) ListFrozen(ctx context.Context) ([]domain.FrozenKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT market_id, address, reason, frozen_at FROM frozen_participants ORDER BY market_id, address`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list frozen: %w", err)
	}
	defer rows.Close()

	var out []domain.FrozenKey
	for rows.Next() {
		var (
			fk       domain.FrozenKey
			marketID int64
			frozenAt int64
		)
		if err := rows.Scan(&marketID, &fk.Key.Address, &fk.Reason, &frozenAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan frozen: %w", err)
		}
		fk.Key.MarketID = uint64(marketID)
		fk.FrozenAt = time.Unix(0, frozenAt).UTC()
		out = append(out, fk)
	}
	return out, rows.Err()
}

// Cursor returns the last fully processed block.
func (s *Store) Cursor(ctx context.Context) (uint64, bool, error) {
	return cursor(ctx, s.db)
}
