package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/celoledger/internal/domain"
)

const marketSelectCols = `id, question, description, category, image, source, end_time,
	total_pool, total_yes, total_no, status, outcome, creator, created_at, resolved_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMarket(row rowScanner) (domain.Market, error) {
	var (
		m                     domain.Market
		id                    int64
		pool, yes, no, status string
		outcome               int
		updatedAt             int64
	)
	if err := row.Scan(
		&id, &m.Question, &m.Description, &m.Category, &m.Image, &m.Source, &m.EndTime,
		&pool, &yes, &no, &status, &outcome, &m.Creator, &m.CreatedAt, &m.ResolvedAt, &updatedAt,
	); err != nil {
		return domain.Market{}, err
	}
	var err error
	if m.TotalPool, err = domain.ParseAmount(pool); err != nil {
		return domain.Market{}, err
	}
	if m.TotalYes, err = domain.ParseAmount(yes); err != nil {
		return domain.Market{}, err
	}
	if m.TotalNo, err = domain.ParseAmount(no); err != nil {
		return domain.Market{}, err
	}
	m.ID = uint64(id)
	m.Status = domain.MarketStatus(status)
	m.Outcome = outcome != 0
	m.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return m, nil
}

func getMarket(ctx context.Context, q querier, id uint64) (domain.Market, error) {
	row := q.QueryRowContext(ctx, `SELECT `+marketSelectCols+` FROM markets WHERE id = ?`, int64(id))
	m, err := scanMarket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Market{}, fmt.Errorf("sqlite: market %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Market{}, fmt.Errorf("sqlite: get market %d: %w", id, err)
	}
	return m, nil
}

func upsertMarket(ctx context.Context, q querier, m domain.Market) error {
	const query = `
		INSERT INTO markets (
			id, question, description, category, image, source, end_time,
			total_pool, total_yes, total_no, status, outcome, creator,
			created_at, resolved_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			question = excluded.question,
			description = excluded.description,
			category = excluded.category,
			image = excluded.image,
			source = excluded.source,
			end_time = excluded.end_time,
			total_pool = excluded.total_pool,
			total_yes = excluded.total_yes,
			total_no = excluded.total_no,
			status = excluded.status,
			outcome = excluded.outcome,
			creator = excluded.creator,
			created_at = excluded.created_at,
			resolved_at = excluded.resolved_at,
			updated_at = excluded.updated_at`

	updatedAt := m.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, query,
		int64(m.ID), m.Question, m.Description, m.Category, m.Image, m.Source, m.EndTime,
		m.TotalPool.String(), m.TotalYes.String(), m.TotalNo.String(),
		string(m.Status), boolInt(m.Outcome), m.Creator,
		m.CreatedAt, m.ResolvedAt, updatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert market %d: %w", m.ID, err)
	}
	return nil
}

// GetMarket returns a market by ID.
func (s *Store) GetMarket(ctx context.Context, id uint64) (domain.Market, error) {
	return getMarket(ctx, s.db, id)
}

// ListMarkets returns markets ordered by ID descending, newest first.
func (s *Store) ListMarkets(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + marketSelectCols + ` FROM markets`
	args := []any{}
	if opts.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(opts.Status))
	}
	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list markets: %w", err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan market: %w", err)
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

// CountMarkets counts markets, optionally filtered by status.
func (s *Store) CountMarkets(ctx context.Context, status domain.MarketStatus) (int64, error) {
	query := `SELECT COUNT(*) FROM markets`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count markets: %w", err)
	}
	return n, nil
}

// MarketStats aggregates participants and claims of one market. Amounts are
// stored as text, so sums are computed in Go.
func (s *Store) MarketStats(ctx context.Context, id uint64) (domain.MarketStats, error) {
	if _, err := getMarket(ctx, s.db, id); err != nil {
		return domain.MarketStats{}, err
	}
	parts, err := marketParticipants(ctx, s.db, id)
	if err != nil {
		return domain.MarketStats{}, err
	}

	stats := domain.MarketStats{MarketID: id}
	var yes, no, volume []domain.Amount
	for _, p := range parts {
		yes = append(yes, p.YesShares)
		no = append(no, p.NoShares)
		volume = append(volume, p.TotalInvestment)
		if !p.YesShares.IsZero() {
			stats.YesParticipants++
		}
		if !p.NoShares.IsZero() {
			stats.NoParticipants++
		}
	}
	stats.ParticipantCount = countDistinctKeys(parts)
	stats.TotalYes = domain.SumAmounts(yes...)
	stats.TotalNo = domain.SumAmounts(no...)
	stats.Volume = domain.SumAmounts(volume...)

	rows, err := s.db.QueryContext(ctx, `SELECT amount FROM claims WHERE market_id = ?`, int64(id))
	if err != nil {
		return domain.MarketStats{}, fmt.Errorf("sqlite: claims of %d: %w", id, err)
	}
	defer rows.Close()
	var claimed []domain.Amount
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return domain.MarketStats{}, fmt.Errorf("sqlite: scan claim: %w", err)
		}
		a, err := domain.ParseAmount(raw)
		if err != nil {
			return domain.MarketStats{}, err
		}
		claimed = append(claimed, a)
	}
	if err := rows.Err(); err != nil {
		return domain.MarketStats{}, err
	}
	stats.ClaimCount = int64(len(claimed))
	stats.ClaimedAmount = domain.SumAmounts(claimed...)
	return stats, nil
}

func countDistinctKeys(parts []domain.Participant) int64 {
	seen := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		seen[p.Address] = struct{}{}
	}
	return int64(len(seen))
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
