package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/celoledger/internal/domain"
)

const participantSelectCols = `id, market_id, address,
	yes_shares::text, no_shares::text, total_investment::text,
	first_purchase_at, last_purchase_at, processed_txs, created_at`

func scanParticipant(row pgx.Row) (domain.Participant, error) {
	var (
		p              domain.Participant
		marketID       int64
		yes, no, total string
		processed      []string
	)
	if err := row.Scan(
		&p.ID, &marketID, &p.Address,
		&yes, &no, &total,
		&p.FirstPurchaseAt, &p.LastPurchaseAt, &processed, &p.CreatedAt,
	); err != nil {
		return domain.Participant{}, err
	}
	var err error
	if p.YesShares, err = domain.ParseAmount(yes); err != nil {
		return domain.Participant{}, err
	}
	if p.NoShares, err = domain.ParseAmount(no); err != nil {
		return domain.Participant{}, err
	}
	if p.TotalInvestment, err = domain.ParseAmount(total); err != nil {
		return domain.Participant{}, err
	}
	if p.ProcessedTxs, err = domain.ParseTxSet(processed); err != nil {
		return domain.Participant{}, err
	}
	p.MarketID = uint64(marketID)
	return p, nil
}

func queryParticipants(ctx context.Context, q dbtx, query string, args ...any) ([]domain.Participant, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func insertParticipant(ctx context.Context, q dbtx, p domain.Participant) (int64, error) {
	const query = `
		INSERT INTO participants (
			market_id, address, yes_shares, no_shares, total_investment,
			first_purchase_at, last_purchase_at, processed_txs, created_at
		) VALUES (
			$1, $2, $3::numeric, $4::numeric, $5::numeric,
			$6, $7, $8, COALESCE($9::timestamptz, NOW())
		)
		RETURNING id`

	var createdAt any
	if !p.CreatedAt.IsZero() {
		createdAt = p.CreatedAt
	}
	var id int64
	err := q.QueryRow(ctx, query,
		int64(p.MarketID), p.Address,
		p.YesShares.String(), p.NoShares.String(), p.TotalInvestment.String(),
		p.FirstPurchaseAt, p.LastPurchaseAt, p.ProcessedTxs.Strings(), createdAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: insert participant %s: %w", p.Key(), err)
	}
	return id, nil
}

func updateParticipant(ctx context.Context, q dbtx, p domain.Participant) error {
	const query = `
		UPDATE participants SET
			yes_shares        = $2::numeric,
			no_shares         = $3::numeric,
			total_investment  = $4::numeric,
			first_purchase_at = $5,
			last_purchase_at  = $6,
			processed_txs     = $7
		WHERE id = $1`

	tag, err := q.Exec(ctx, query,
		p.ID, p.YesShares.String(), p.NoShares.String(), p.TotalInvestment.String(),
		p.FirstPurchaseAt, p.LastPurchaseAt, p.ProcessedTxs.Strings(),
	)
	if err != nil {
		return fmt.Errorf("postgres: update participant %d: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: participant %d: %w", p.ID, domain.ErrNotFound)
	}
	return nil
}

// GetParticipant returns the canonical (oldest) row for key.
func (l *Ledger) GetParticipant(ctx context.Context, key domain.ParticipantKey) (domain.Participant, error) {
	row := l.pool.QueryRow(ctx,
		`SELECT `+participantSelectCols+` FROM participants
		 WHERE market_id = $1 AND address = $2 ORDER BY created_at, id LIMIT 1`,
		int64(key.MarketID), key.Address,
	)
	p, err := scanParticipant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Participant{}, fmt.Errorf("postgres: participant %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Participant{}, fmt.Errorf("postgres: get participant %s: %w", key, err)
	}
	return p, nil
}

// ListParticipants returns a page of a market's participant rows.
func (l *Ledger) ListParticipants(ctx context.Context, marketID uint64, opts domain.ListOpts) ([]domain.Participant, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	out, err := queryParticipants(ctx, l.pool,
		`SELECT `+participantSelectCols+` FROM participants
		 WHERE market_id = $1 ORDER BY created_at, id LIMIT $2 OFFSET $3`,
		int64(marketID), limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list participants %d: %w", marketID, err)
	}
	return out, nil
}

// DuplicateKeys returns keys holding more than one row.
func (l *Ledger) DuplicateKeys(ctx context.Context, limit int) ([]domain.ParticipantKey, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT market_id, address FROM participants
		GROUP BY market_id, address HAVING COUNT(*) > 1
		ORDER BY market_id, address LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: duplicate keys: %w", err)
	}
	defer rows.Close()

	var keys []domain.ParticipantKey
	for rows.Next() {
		var (
			marketID int64
			address  string
		)
		if err := rows.Scan(&marketID, &address); err != nil {
			return nil, fmt.Errorf("postgres: scan duplicate key: %w", err)
		}
		keys = append(keys, domain.ParticipantKey{MarketID: uint64(marketID), Address: address})
	}
	return keys, rows.Err()
}

// ListFrozen returns every frozen key.
func (l *Ledger) ListFrozen(ctx context.Context) ([]domain.FrozenKey, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT market_id, address, reason, frozen_at FROM frozen_participants ORDER BY market_id, address`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list frozen: %w", err)
	}
	defer rows.Close()

	var out []domain.FrozenKey
	for rows.Next() {
		var (
			fk       domain.FrozenKey
			marketID int64
		)
		if err := rows.Scan(&marketID, &fk.Key.Address, &fk.Reason, &fk.FrozenAt); err != nil {
			return nil, fmt.Errorf("postgres: scan frozen: %w", err)
		}
		fk.Key.MarketID = uint64(marketID)
		out = append(out, fk)
	}
	return out, rows.Err()
}
