package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickermux/internal/cache"
	"tickermux/internal/domain"
)

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// newTestEngine creates an engine pinned to a mutable clock.
func newTestEngine(t *testing.T, opts Options) (*Engine, *time.Time) {
	t.Helper()
	now := testBase
	e := New(opts)
	e.nowFn = func() time.Time { return now }
	return e, &now
}

func tick(symbol, source string, price, volume float64, ts time.Time) domain.TickerUpdate {
	return domain.TickerUpdate{
		Symbol:    symbol,
		Source:    source,
		Price:     price,
		Bid:       price - 1,
		Ask:       price + 1,
		Volume24h: volume,
		Timestamp: ts,
	}
}

func TestTickerVWAP(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	require.NoError(t, e.IngestTicker(ctx, tick("BTC-USD", "binance", 50000, 1000, testBase)))
	require.NoError(t, e.IngestTicker(ctx, tick("BTC-USD", "kraken", 51000, 100, testBase)))

	agg, ok, err := e.Ticker(ctx, "BTC-USD")
	require.NoError(t, err)
	require.True(t, ok)

	assert.InDelta(t, 50090.909, agg.Price, 0.001)
	assert.Equal(t, 2, agg.SourceCount)
	assert.Equal(t, float64(1100), agg.Volume24h)
	assert.Equal(t, domain.StrategyVWAP, agg.Strategy)
	assert.Len(t, agg.Sources, 2)
	assert.Equal(t, "binance", agg.Sources[0].Source)
}

func TestTickerStaleExcludedAtExactThreshold(t *testing.T) {
	e, now := newTestEngine(t, Options{StaleAfter: 30 * time.Second})
	ctx := context.Background()

	require.NoError(t, e.IngestTicker(ctx, tick("BTC-USD", "binance", 50000, 10, testBase)))
	require.NoError(t, e.IngestTicker(ctx, tick("BTC-USD", "kraken", 51000, 10, testBase.Add(-30*time.Second))))

	agg, ok, err := e.Ticker(ctx, "BTC-USD")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, agg.SourceCount)
	assert.Equal(t, []string{"kraken"}, agg.StaleSources)

	// Once every source is stale the view is absent, not an error.
	*now = testBase.Add(31 * time.Second)
	_, ok, err = e.Ticker(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTickerOutlierExcluded(t *testing.T) {
	e, _ := newTestEngine(t, Options{OutlierStdDevs: 1.5})
	ctx := context.Background()

	for _, u := range []domain.TickerUpdate{
		tick("BTC-USD", "a", 50000, 10, testBase),
		tick("BTC-USD", "b", 50010, 10, testBase),
		tick("BTC-USD", "c", 50020, 10, testBase),
		tick("BTC-USD", "d", 90000, 10, testBase),
	} {
		require.NoError(t, e.IngestTicker(ctx, u))
	}

	agg, ok, err := e.Ticker(ctx, "BTC-USD")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"d"}, agg.OutlierSources)
	assert.Equal(t, 3, agg.SourceCount)
	assert.Less(t, agg.Price, 51000.0)
}

func TestStrictUnknownSymbol(t *testing.T) {
	ctx := context.Background()

	strict, _ := newTestEngine(t, Options{StrictSymbols: true})
	_, _, err := strict.Ticker(ctx, "NOPE-USD")
	assert.ErrorIs(t, err, domain.ErrUnknownSymbol)
	_, err = strict.RecentTrades(ctx, "NOPE-USD", 10)
	assert.ErrorIs(t, err, domain.ErrUnknownSymbol)

	lenient, _ := newTestEngine(t, Options{})
	_, ok, err := lenient.Ticker(ctx, "NOPE-USD")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIngestValidation(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	bad := tick("BTC-USD", "binance", -1, 10, testBase)
	assert.ErrorIs(t, e.IngestTicker(ctx, bad), domain.ErrValidation)

	err := e.IngestOrderBook(ctx, "", domain.OrderBookSnapshot{Symbol: "BTC-USD"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	err = e.IngestTrade(ctx, domain.TradeEvent{Symbol: "BTC-USD", Source: "binance", Price: 1, Amount: 1, Side: "hold"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	// A rejected update never becomes visible.
	_, ok, err := e.Ticker(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOrderBookMerge(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	require.NoError(t, e.IngestOrderBook(ctx, "binance", domain.OrderBookSnapshot{
		Symbol:    "BTC-USD",
		Bids:      []domain.BookLevel{{Price: 49999, Amount: 2}, {Price: 49998, Amount: 1}},
		Asks:      []domain.BookLevel{{Price: 50001, Amount: 1}},
		Timestamp: testBase,
	}))
	require.NoError(t, e.IngestOrderBook(ctx, "kraken", domain.OrderBookSnapshot{
		Symbol:    "BTC-USD",
		Bids:      []domain.BookLevel{{Price: 50000, Amount: 1}, {Price: 49999, Amount: 3}},
		Asks:      []domain.BookLevel{{Price: 50002, Amount: 2}},
		Timestamp: testBase,
	}))

	book, ok, err := e.OrderBook(ctx, "BTC-USD")
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, []string{"binance", "kraken"}, book.Sources)
	require.Len(t, book.Bids, 4)
	assert.Equal(t, "kraken", book.Bids[0].Source)
	assert.Equal(t, float64(50000), book.Bids[0].Price)
	// Equal-priced levels from different sources stay distinct.
	assert.Equal(t, float64(49999), book.Bids[1].Price)
	assert.Equal(t, float64(49999), book.Bids[2].Price)
	assert.Equal(t, float64(50001), book.Asks[0].Price)
}

func TestOrderBookDepthTruncation(t *testing.T) {
	e, _ := newTestEngine(t, Options{MaxBookDepth: 2})
	ctx := context.Background()

	require.NoError(t, e.IngestOrderBook(ctx, "binance", domain.OrderBookSnapshot{
		Symbol:    "BTC-USD",
		Bids:      []domain.BookLevel{{Price: 100, Amount: 1}, {Price: 99, Amount: 1}, {Price: 98, Amount: 1}},
		Timestamp: testBase,
	}))
	require.NoError(t, e.IngestOrderBook(ctx, "kraken", domain.OrderBookSnapshot{
		Symbol:    "BTC-USD",
		Bids:      []domain.BookLevel{{Price: 101, Amount: 1}},
		Timestamp: testBase,
	}))

	book, ok, err := e.OrderBook(ctx, "BTC-USD")
	require.NoError(t, err)
	require.True(t, ok)

	// Truncation happens after the full union is sorted, so the second
	// source's better level survives.
	require.Len(t, book.Bids, 2)
	assert.Equal(t, float64(101), book.Bids[0].Price)
	assert.Equal(t, float64(100), book.Bids[1].Price)
}

func TestRecentTradesCapAndOrder(t *testing.T) {
	e, _ := newTestEngine(t, Options{TradeHistoryLimit: 3})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, e.IngestTrade(ctx, domain.TradeEvent{
			Symbol:    "BTC-USD",
			Source:    "binance",
			Price:     50000 + float64(i),
			Amount:    1,
			Side:      domain.TradeSideBuy,
			Timestamp: testBase.Add(time.Duration(i) * time.Second),
		}))
	}

	trades, err := e.RecentTrades(ctx, "BTC-USD", 0)
	require.NoError(t, err)
	require.Len(t, trades, 3)
	assert.Equal(t, float64(50004), trades[0].Price)
	assert.Equal(t, float64(50002), trades[2].Price)
	assert.NotEmpty(t, trades[0].ID)

	limited, err := e.RecentTrades(ctx, "BTC-USD", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, float64(50004), limited[0].Price)
}

func TestTradesSurviveStaleness(t *testing.T) {
	e, now := newTestEngine(t, Options{StaleAfter: 30 * time.Second})
	ctx := context.Background()

	require.NoError(t, e.IngestTicker(ctx, tick("BTC-USD", "binance", 50000, 10, testBase)))
	require.NoError(t, e.IngestTrade(ctx, domain.TradeEvent{
		Symbol: "BTC-USD", Source: "binance", Price: 50000, Amount: 1,
		Side: domain.TradeSideBuy, Timestamp: testBase,
	}))

	*now = testBase.Add(time.Minute)
	_, ok, err := e.Ticker(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.False(t, ok)

	trades, err := e.RecentTrades(ctx, "BTC-USD", 0)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestSourceMetrics(t *testing.T) {
	e, now := newTestEngine(t, Options{
		StaleAfter: 30 * time.Second,
		Sources:    []string{"binance", "kraken"},
	})
	ctx := context.Background()

	require.NoError(t, e.IngestTicker(ctx, tick("BTC-USD", "binance", 50000, 10, testBase)))
	e.ReportError("coinbase")

	metrics := e.SourceMetrics()
	require.Len(t, metrics, 3)

	byName := make(map[string]domain.SourceHealth)
	for _, m := range metrics {
		byName[m.Source] = m
	}
	assert.Equal(t, domain.SourceOnline, byName["binance"].Status)
	assert.Equal(t, int64(1), byName["binance"].UpdateCount)
	assert.Equal(t, domain.SourceOffline, byName["kraken"].Status)
	assert.Equal(t, domain.SourceOffline, byName["coinbase"].Status)
	assert.Equal(t, int64(1), byName["coinbase"].ErrorCount)

	// The staleness boundary is inclusive: exactly StaleAfter old is STALE.
	*now = testBase.Add(30 * time.Second)
	for _, m := range e.SourceMetrics() {
		if m.Source == "binance" {
			assert.Equal(t, domain.SourceStale, m.Status)
		}
	}
}

func TestCacheInvalidationOnIngest(t *testing.T) {
	mem := cache.NewMemory(128, 0)
	defer mem.Close()

	e, _ := newTestEngine(t, Options{Cache: mem, TickerTTL: time.Minute})
	ctx := context.Background()

	require.NoError(t, e.IngestTicker(ctx, tick("BTC-USD", "binance", 50000, 10, testBase)))
	agg, ok, err := e.Ticker(ctx, "BTC-USD")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, float64(50000), agg.Price)

	// A new update invalidates the cached view immediately, well before TTL.
	require.NoError(t, e.IngestTicker(ctx, tick("BTC-USD", "binance", 60000, 10, testBase)))
	agg, ok, err = e.Ticker(ctx, "BTC-USD")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, float64(60000), agg.Price)
}

func TestChangesEmitted(t *testing.T) {
	e, _ := newTestEngine(t, Options{ChangeBuffer: 8})
	ctx := context.Background()

	require.NoError(t, e.IngestTicker(ctx, tick("BTC-USD", "binance", 50000, 10, testBase)))

	select {
	case ev := <-e.Changes():
		assert.Equal(t, ChangeTicker, ev.Kind)
		assert.Equal(t, "BTC-USD", ev.Symbol)
	default:
		t.Fatal("expected a change event")
	}
}

func TestAllTickersSorted(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	require.NoError(t, e.IngestTicker(ctx, tick("ETH-USD", "binance", 3000, 10, testBase)))
	require.NoError(t, e.IngestTicker(ctx, tick("BTC-USD", "binance", 50000, 10, testBase)))
	require.NoError(t, e.IngestTicker(ctx, tick("ADA-USD", "binance", 1, 10, testBase.Add(-time.Hour))))

	all, err := e.AllTickers(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "BTC-USD", all[0].Symbol)
	assert.Equal(t, "ETH-USD", all[1].Symbol)
}
