package postgres

import (
	"context"
	"fmt"

	"tickermux/internal/domain"
	"tickermux/internal/storage"
)

// TradeArchive implements storage.TradeArchive using PostgreSQL.
type TradeArchive struct {
	pool *Pool
}

// NewTradeArchive creates a new TradeArchive.
func NewTradeArchive(pool *Pool) *TradeArchive {
	return &TradeArchive{pool: pool}
}

// Compile-time interface check.
var _ storage.TradeArchive = (*TradeArchive)(nil)

// Insert adds a trade. Returns ErrDuplicateKey if the trade id exists.
func (a *TradeArchive) Insert(ctx context.Context, t *domain.TradeEvent) error {
	if t == nil || t.ID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO trades (
			trade_id, symbol, price, amount, side, source, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := a.pool.Exec(ctx, query,
		t.ID,
		t.Symbol,
		t.Price,
		t.Amount,
		string(t.Side),
		t.Source,
		t.Timestamp,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// InsertBulk adds multiple trades atomically. Fails the batch on any duplicate.
func (a *TradeArchive) InsertBulk(ctx context.Context, trades []*domain.TradeEvent) error {
	if len(trades) == 0 {
		return nil
	}

	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO trades (
			trade_id, symbol, price, amount, side, source, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	for _, t := range trades {
		if t == nil || t.ID == "" {
			return storage.ErrInvalidInput
		}
		_, err := tx.Exec(ctx, query,
			t.ID,
			t.Symbol,
			t.Price,
			t.Amount,
			string(t.Side),
			t.Source,
			t.Timestamp,
		)
		if err != nil {
			if isDuplicateKeyError(err) {
				return storage.ErrDuplicateKey
			}
			return fmt.Errorf("insert trade in bulk: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// RecentBySymbol retrieves up to limit trades for a symbol, timestamp DESC.
func (a *TradeArchive) RecentBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.TradeEvent, error) {
	query := `
		SELECT trade_id, symbol, price, amount, side, source, executed_at
		FROM trades
		WHERE symbol = $1
		ORDER BY executed_at DESC
	`
	args := []any{symbol}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := a.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var result []*domain.TradeEvent
	for rows.Next() {
		var t domain.TradeEvent
		var side string
		if err := rows.Scan(&t.ID, &t.Symbol, &t.Price, &t.Amount, &side, &t.Source, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.Side = domain.TradeSide(side)
		result = append(result, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trades: %w", err)
	}

	return result, nil
}
