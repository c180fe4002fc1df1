package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/celoledger/internal/domain"
)

const participantSelectCols = `id, market_id, address, yes_shares, no_shares, total_investment,
	first_purchase_at, last_purchase_at, processed_txs, created_at`

func scanParticipant(row rowScanner) (domain.Participant, error) {
	var (
		p              domain.Participant
		marketID       int64
		yes, no, total string
		processed      string
		createdAt      int64
	)
	if err := row.Scan(
		&p.ID, &marketID, &p.Address, &yes, &no, &total,
		&p.FirstPurchaseAt, &p.LastPurchaseAt, &processed, &createdAt,
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
	if err := json.Unmarshal([]byte(processed), &p.ProcessedTxs); err != nil {
		return domain.Participant{}, fmt.Errorf("processed_txs: %w", err)
	}
	if p.ProcessedTxs == nil {
		p.ProcessedTxs = domain.NewTxSet()
	}
	p.MarketID = uint64(marketID)
	p.CreatedAt = time.Unix(0, createdAt).UTC()
	return p, nil
}

func queryParticipants(ctx context.Context, q querier, query string, args ...any) ([]domain.Participant, error) {
	rows, err := q.QueryContext(ctx, query, args...)
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

func participantRows(ctx context.Context, q querier, key domain.ParticipantKey) ([]domain.Participant, error) {
	out, err := queryParticipants(ctx, q,
		`SELECT `+participantSelectCols+` FROM participants
		 WHERE market_id = ? AND address = ? ORDER BY created_at, id`,
		int64(key.MarketID), key.Address,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: participant rows %s: %w", key, err)
	}
	return out, nil
}

func marketParticipants(ctx context.Context, q querier, marketID uint64) ([]domain.Participant, error) {
	out, err := queryParticipants(ctx, q,
		`SELECT `+participantSelectCols+` FROM participants WHERE market_id = ? ORDER BY created_at, id`,
		int64(marketID),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: participants of %d: %w", marketID, err)
	}
	return out, nil
}

func encodeTxs(s domain.TxSet) (string, error) {
	if s == nil {
		s = domain.NewTxSet()
	}
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func insertParticipant(ctx context.Context, q querier, p domain.Participant) (int64, error) {
	txs, err := encodeTxs(p.ProcessedTxs)
	if err != nil {
		return 0, fmt.Errorf("sqlite: encode processed txs: %w", err)
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO participants (
			market_id, address, yes_shares, no_shares, total_investment,
			first_purchase_at, last_purchase_at, processed_txs, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(p.MarketID), p.Address, p.YesShares.String(), p.NoShares.String(), p.TotalInvestment.String(),
		p.FirstPurchaseAt, p.LastPurchaseAt, txs, createdAt.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: insert participant %s: %w", p.Key(), err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlite: participant id: %w", err)
	}
	return id, nil
}

func updateParticipant(ctx context.Context, q querier, p domain.Participant) error {
	txs, err := encodeTxs(p.ProcessedTxs)
	if err != nil {
		return fmt.Errorf("sqlite: encode processed txs: %w", err)
	}
	res, err := q.ExecContext(ctx, `
		UPDATE participants SET
			yes_shares = ?, no_shares = ?, total_investment = ?,
			first_purchase_at = ?, last_purchase_at = ?, processed_txs = ?
		WHERE id = ?`,
		p.YesShares.String(), p.NoShares.String(), p.TotalInvestment.String(),
		p.FirstPurchaseAt, p.LastPurchaseAt, txs, p.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update participant %d: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update participant %d: %w", p.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: participant %d: %w", p.ID, domain.ErrNotFound)
	}
	return nil
}

func deleteParticipants(ctx context.Context, q querier, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM participants WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("sqlite: delete participants: %w", err)
	}
	return nil
}

// GetParticipant returns the canonical (oldest) row for key.
func (s *Store) GetParticipant(ctx context.Context, key domain.ParticipantKey) (domain.Participant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+participantSelectCols+` FROM participants
		 WHERE market_id = ? AND address = ? ORDER BY created_at, id LIMIT 1`,
		int64(key.MarketID), key.Address,
	)
	p, err := scanParticipant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Participant{}, fmt.Errorf("sqlite: participant %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Participant{}, fmt.Errorf("sqlite: get participant %s: %w", key, err)
	}
	return p, nil
}

// ListParticipants returns a page of a market's participant rows.
func (s *Store) ListParticipants(ctx context.Context, marketID uint64, opts domain.ListOpts) ([]domain.Participant, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	out, err := queryParticipants(ctx, s.db,
		`SELECT `+participantSelectCols+` FROM participants
		 WHERE market_id = ? ORDER BY created_at, id LIMIT ? OFFSET ?`,
		int64(marketID), limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list participants %d: %w", marketID, err)
	}
	return out, nil
}

// DuplicateKeys returns keys holding more than one row.
func (s *Store) DuplicateKeys(ctx context.Context, limit int) ([]domain.ParticipantKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT market_id, address FROM participants
		GROUP BY market_id, address HAVING COUNT(*) > 1
		ORDER BY market_id, address LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: duplicate keys: %w", err)
	}
	defer rows.Close()

	var keys []domain.ParticipantKey
	for rows.Next() {
		var (
			marketID int64
			address  string
		)
		if err := rows.Scan(&marketID, &address); err != nil {
			return nil, fmt.Errorf("sqlite: scan duplicate key: %w", err)
		}
		keys = append(keys, domain.ParticipantKey{MarketID: uint64(marketID), Address: address})
	}
	return keys, rows.Err()
}
