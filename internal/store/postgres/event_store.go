package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/celoledger/internal/domain"
)

const rawEventSelectCols = `kind, contract, market_id, address, side, amount::text,
	block_number, block_timestamp, tx_hash, log_index`

func scanRawEvent(row pgx.Row) (domain.RawEvent, error) {
	var (
		r            domain.RawEvent
		kind, amount string
		marketID     int64
		block        int64
		logIndex     int32
	)
	if err := row.Scan(&kind, &r.Contract, &marketID, &r.Address, &r.Side, &amount,
		&block, &r.BlockTimestamp, &r.TxHash, &logIndex); err != nil {
		return domain.RawEvent{}, err
	}
	a, err := domain.ParseAmount(amount)
	if err != nil {
		return domain.RawEvent{}, err
	}
	r.Kind = domain.EventKind(kind)
	r.MarketID = uint64(marketID)
	r.Amount = a
	r.BlockNumber = uint64(block)
	r.LogIndex = uint(logIndex)
	return r, nil
}

func insertRawEvent(ctx context.Context, q dbtx, r domain.RawEvent) (bool, error) {
	const query = `
		INSERT INTO raw_events (
			tx_hash, log_index, kind, contract, market_id, address, side, amount,
			block_number, block_timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10)
		ON CONFLICT (tx_hash, log_index) DO NOTHING`

	tag, err := q.Exec(ctx, query,
		r.TxHash, int32(r.LogIndex), string(r.Kind), r.Contract, int64(r.MarketID), r.Address,
		r.Side, r.Amount.String(), int64(r.BlockNumber), r.BlockTimestamp,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: insert raw event %s: %w", r.Ref(), err)
	}
	return tag.RowsAffected() > 0, nil
}

func rawEventsByRef(ctx context.Context, q dbtx, refs []domain.TxRef) (map[domain.TxRef]domain.RawEvent, error) {
	out := make(map[domain.TxRef]domain.RawEvent, len(refs))
	if len(refs) == 0 {
		return out, nil
	}
	hashes := make([]string, len(refs))
	indexes := make([]int32, len(refs))
	for i, ref := range refs {
		hashes[i] = ref.Hash
		indexes[i] = int32(ref.LogIndex)
	}

	rows, err := q.Query(ctx,
		`SELECT `+rawEventSelectCols+` FROM raw_events
		 WHERE (tx_hash, log_index) IN (SELECT * FROM unnest($1::text[], $2::int[]))`,
		hashes, indexes,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: raw events by ref: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		r, err := scanRawEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan raw event: %w", err)
		}
		out[r.Ref()] = r
	}
	return out, rows.Err()
}

func rawPurchases(ctx context.Context, q dbtx, key domain.ParticipantKey) ([]domain.RawEvent, error) {
	rows, err := q.Query(ctx,
		`SELECT `+rawEventSelectCols+` FROM raw_events
		 WHERE kind = $1 AND market_id = $2 AND address = $3
		 ORDER BY block_number, log_index`,
		string(domain.KindSharesBought), int64(key.MarketID), key.Address,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: raw purchases %s: %w", key, err)
	}
	defer rows.Close()

	var out []domain.RawEvent
	for rows.Next() {
		r, err := scanRawEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan raw event: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func insertClaim(ctx context.Context, q dbtx, c domain.Claim) error {
	const query = `
		INSERT INTO claims (
			tx_hash, log_index, market_id, address, amount, block_number, block_timestamp
		) VALUES ($1, $2, $3, $4, $5::numeric, $6, $7)
		ON CONFLICT (tx_hash, log_index) DO NOTHING`

	_, err := q.Exec(ctx, query,
		c.TxHash, int32(c.LogIndex), int64(c.MarketID), c.Address, c.Amount.String(),
		int64(c.BlockNumber), c.BlockTimestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert claim %s:%d: %w", c.TxHash, c.LogIndex, err)
	}
	return nil
}

func readCursor(ctx context.Context, q dbtx, forUpdate bool) (uint64, bool, error) {
	query := `SELECT last_processed_block FROM sync_cursor WHERE id = 1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var block int64
	err := q.QueryRow(ctx, query).Scan(&block)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("postgres: read cursor: %w", err)
	}
	return uint64(block), true, nil
}

// Cursor returns the last fully processed block.
func (l *Ledger) Cursor(ctx context.Context) (uint64, bool, error) {
	return readCursor(ctx, l.pool, false)
}
