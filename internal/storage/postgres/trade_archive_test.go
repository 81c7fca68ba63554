package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickermux/internal/domain"
	"tickermux/internal/storage"
)

func testTrade(id, symbol string, ts time.Time) *domain.TradeEvent {
	return &domain.TradeEvent{
		ID:        id,
		Symbol:    symbol,
		Price:     50000.25,
		Amount:    0.5,
		Side:      domain.TradeSideSell,
		Source:    "kraken",
		Timestamp: ts,
	}
}

func TestTradeArchive_InsertAndRecent(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	arch := NewTradeArchive(pool)
	base := time.Now().UTC().Truncate(time.Millisecond)

	err := arch.Insert(ctx, testTrade("pg-t1", "BTC-USD", base))
	require.NoError(t, err)

	// Duplicate trade id must be rejected.
	err = arch.Insert(ctx, testTrade("pg-t1", "BTC-USD", base))
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)

	got, err := arch.RecentBySymbol(ctx, "BTC-USD", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "pg-t1", got[0].ID)
	assert.Equal(t, domain.TradeSideSell, got[0].Side)
	assert.InDelta(t, 50000.25, got[0].Price, 1e-9)
	assert.True(t, got[0].Timestamp.Equal(base), "timestamp roundtrip")
}

func TestTradeArchive_RecentOrderingAndLimit(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	arch := NewTradeArchive(pool)
	base := time.Now().UTC().Truncate(time.Millisecond)

	err := arch.InsertBulk(ctx, []*domain.TradeEvent{
		testTrade("pg-a", "BTC-USD", base.Add(1*time.Second)),
		testTrade("pg-b", "BTC-USD", base.Add(3*time.Second)),
		testTrade("pg-c", "BTC-USD", base.Add(2*time.Second)),
		testTrade("pg-d", "ETH-USD", base.Add(4*time.Second)),
	})
	require.NoError(t, err)

	got, err := arch.RecentBySymbol(ctx, "BTC-USD", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "pg-b", got[0].ID)
	assert.Equal(t, "pg-c", got[1].ID)
}

func TestTradeArchive_InsertBulkRollsBackOnDuplicate(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	arch := NewTradeArchive(pool)
	now := time.Now().UTC()

	require.NoError(t, arch.Insert(ctx, testTrade("pg-dup", "BTC-USD", now)))

	err := arch.InsertBulk(ctx, []*domain.TradeEvent{
		testTrade("pg-fresh", "BTC-USD", now),
		testTrade("pg-dup", "BTC-USD", now),
	})
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)

	got, err := arch.RecentBySymbol(ctx, "BTC-USD", 0)
	require.NoError(t, err)
	assert.Len(t, got, 1, "failed batch must not be partially applied")
}
