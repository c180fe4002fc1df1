package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/celoledger/internal/domain"
)

const marketSelectCols = `id, question, description, category, image, source, end_time,
	total_pool::text, total_yes::text, total_no::text, status, outcome, creator,
	created_at, resolved_at, updated_at`

func scanMarket(row pgx.Row) (domain.Market, error) {
	var (
		m                     domain.Market
		id                    int64
		pool, yes, no, status string
	)
	if err := row.Scan(
		&id, &m.Question, &m.Description, &m.Category, &m.Image, &m.Source, &m.EndTime,
		&pool, &yes, &no, &status, &m.Outcome, &m.Creator,
		&m.CreatedAt, &m.ResolvedAt, &m.UpdatedAt,
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
	return m, nil
}

func getMarket(ctx context.Context, q dbtx, id uint64, forUpdate bool) (domain.Market, error) {
	query := `SELECT ` + marketSelectCols + ` FROM markets WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	m, err := scanMarket(q.QueryRow(ctx, query, int64(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Market{}, fmt.Errorf("postgres: market %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Market{}, fmt.Errorf("postgres: get market %d: %w", id, err)
	}
	return m, nil
}

func upsertMarket(ctx context.Context, q dbtx, m domain.Market) error {
	const query = `
		INSERT INTO markets (
			id, question, description, category, image, source, end_time,
			total_pool, total_yes, total_no, status, outcome, creator,
			created_at, resolved_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8::numeric, $9::numeric, $10::numeric, $11, $12, $13,
			$14, $15, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			question    = EXCLUDED.question,
			description = EXCLUDED.description,
			category    = EXCLUDED.category,
			image       = EXCLUDED.image,
			source      = EXCLUDED.source,
			end_time    = EXCLUDED.end_time,
			total_pool  = EXCLUDED.total_pool,
			total_yes   = EXCLUDED.total_yes,
			total_no    = EXCLUDED.total_no,
			status      = EXCLUDED.status,
			outcome     = EXCLUDED.outcome,
			creator     = EXCLUDED.creator,
			created_at  = EXCLUDED.created_at,
			resolved_at = EXCLUDED.resolved_at,
			updated_at  = NOW()`

	_, err := q.Exec(ctx, query,
		int64(m.ID), m.Question, m.Description, m.Category, m.Image, m.Source, m.EndTime,
		m.TotalPool.String(), m.TotalYes.String(), m.TotalNo.String(),
		string(m.Status), m.Outcome, m.Creator,
		m.CreatedAt, m.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert market %d: %w", m.ID, err)
	}
	return nil
}

// GetMarket returns a market by ID.
func (l *Ledger) GetMarket(ctx context.Context, id uint64) (domain.Market, error) {
	return getMarket(ctx, l.pool, id, false)
}

// ListMarkets returns markets newest first, optionally filtered by status.
func (l *Ledger) ListMarkets(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + marketSelectCols + ` FROM markets`
	args := []any{}
	if opts.Status != "" {
		args = append(args, string(opts.Status))
		query += fmt.Sprintf(" WHERE status = $%d", len(args))
	}
	args = append(args, limit, opts.Offset)
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

// CountMarkets counts markets, optionally filtered by status.
func (l *Ledger) CountMarkets(ctx context.Context, status domain.MarketStatus) (int64, error) {
	var n int64
	err := l.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM markets WHERE ($1::text = '' OR status = $1::text)`, string(status),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count markets: %w", err)
	}
	return n, nil
}

// MarketStats aggregates participant and claim rows of one market.
func (l *Ledger) MarketStats(ctx context.Context, id uint64) (domain.MarketStats, error) {
	if _, err := l.GetMarket(ctx, id); err != nil {
		return domain.MarketStats{}, err
	}

	const query = `
		SELECT
			COALESCE(SUM(p.total_investment), 0)::text,
			COALESCE(SUM(p.yes_shares), 0)::text,
			COALESCE(SUM(p.no_shares), 0)::text,
			COUNT(DISTINCT p.address),
			COUNT(DISTINCT p.address) FILTER (WHERE p.yes_shares > 0),
			COUNT(DISTINCT p.address) FILTER (WHERE p.no_shares > 0),
			(SELECT COUNT(*) FROM claims c WHERE c.market_id = $1),
			(SELECT COALESCE(SUM(c.amount), 0)::text FROM claims c WHERE c.market_id = $1)
		FROM participants p
		WHERE p.market_id = $1`

	var (
		stats                   = domain.MarketStats{MarketID: id}
		volume, yes, no, claims string
	)
	err := l.pool.QueryRow(ctx, query, int64(id)).Scan(
		&volume, &yes, &no,
		&stats.ParticipantCount, &stats.YesParticipants, &stats.NoParticipants,
		&stats.ClaimCount, &claims,
	)
	if err != nil {
		return domain.MarketStats{}, fmt.Errorf("postgres: market stats %d: %w", id, err)
	}
	for dst, raw := range map[*domain.Amount]string{
		&stats.Volume: volume, &stats.TotalYes: yes, &stats.TotalNo: no, &stats.ClaimedAmount: claims,
	} {
		a, err := domain.ParseAmount(raw)
		if err != nil {
			return domain.MarketStats{}, fmt.Errorf("postgres: market stats %d: %w", id, err)
		}
		*dst = a
	}
	return stats, nil
}
