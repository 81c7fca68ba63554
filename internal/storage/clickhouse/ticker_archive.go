package clickhouse

import (
	"context"
	"fmt"
	"time"

	"tickermux/internal/domain"
	"tickermux/internal/storage"
)

// TickerArchive implements storage.TickerArchive using ClickHouse. Points
// are append-only; ClickHouse MergeTree does not enforce uniqueness and the
// archive does not need it, repeated points collapse in queries by time.
type TickerArchive struct {
	conn *Conn
}

// NewTickerArchive creates a new TickerArchive.
func NewTickerArchive(conn *Conn) *TickerArchive {
	return &TickerArchive{conn: conn}
}

// Compile-time interface check.
var _ storage.TickerArchive = (*TickerArchive)(nil)

// Insert appends one aggregated point.
func (a *TickerArchive) Insert(ctx context.Context, v *domain.AggregatedTicker) error {
	if v == nil || v.Symbol == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO ticker_points (
			symbol, price, volume24h, best_bid, best_ask, source_count, strategy, timestamp_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	err := a.conn.Exec(ctx, query,
		v.Symbol,
		v.Price,
		v.Volume24h,
		v.BestBid,
		v.BestAsk,
		uint32(v.SourceCount),
		v.Strategy.String(),
		uint64(v.Timestamp.UnixMilli()),
	)
	if err != nil {
		return fmt.Errorf("insert ticker point: %w", err)
	}
	return nil
}

// GetByTimeRange retrieves points for a symbol within [from, to], timestamp ASC.
func (a *TickerArchive) GetByTimeRange(ctx context.Context, symbol string, from, to time.Time) ([]*domain.AggregatedTicker, error) {
	query := `
		SELECT symbol, price, volume24h, best_bid, best_ask, source_count, strategy, timestamp_ms
		FROM ticker_points
		WHERE symbol = ? AND timestamp_ms >= ? AND timestamp_ms <= ?
		ORDER BY timestamp_ms ASC
	`

	rows, err := a.conn.Query(ctx, query, symbol, uint64(from.UnixMilli()), uint64(to.UnixMilli()))
	if err != nil {
		return nil, fmt.Errorf("query ticker points: %w", err)
	}
	defer rows.Close()

	var result []*domain.AggregatedTicker
	for rows.Next() {
		var (
			v           domain.AggregatedTicker
			sourceCount uint32
			strategy    string
			timestampMs uint64
		)
		if err := rows.Scan(&v.Symbol, &v.Price, &v.Volume24h, &v.BestBid, &v.BestAsk, &sourceCount, &strategy, &timestampMs); err != nil {
			return nil, fmt.Errorf("scan ticker point: %w", err)
		}
		v.SourceCount = int(sourceCount)
		v.Strategy = domain.PriceStrategy(strategy)
		v.Timestamp = time.UnixMilli(int64(timestampMs)).UTC()
		result = append(result, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ticker points: %w", err)
	}

	return result, nil
}
