// Package storage defines the append-only archive interfaces behind which
// the engine persists market data. Archives are best-effort collaborators:
// the aggregation core stays correct when they are absent or failing, and
// write errors are logged, never propagated to ingest callers.
package storage

import (
	"context"
	"time"

	"tickermux/internal/domain"
)

// TradeArchive provides access to executed-trade storage.
type TradeArchive interface {
	// Insert adds a trade. Returns ErrDuplicateKey if the trade id exists;
	// duplicates are expected when a source replays its feed.
	Insert(ctx context.Context, t *domain.TradeEvent) error

	// InsertBulk adds multiple trades atomically. Fails the batch on any
	// duplicate.
	InsertBulk(ctx context.Context, trades []*domain.TradeEvent) error

	// RecentBySymbol retrieves up to limit trades for a symbol, ordered by
	// timestamp DESC.
	RecentBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.TradeEvent, error)
}

// TickerArchive provides access to aggregated ticker point storage. One
// point is appended per recomputed view, giving a coarse price history.
type TickerArchive interface {
	// Insert appends one aggregated point.
	Insert(ctx context.Context, v *domain.AggregatedTicker) error

	// GetByTimeRange retrieves points for a symbol within [from, to],
	// ordered by timestamp ASC.
	GetByTimeRange(ctx context.Context, symbol string, from, to time.Time) ([]*domain.AggregatedTicker, error)
}
