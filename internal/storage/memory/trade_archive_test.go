package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"tickermux/internal/domain"
	"tickermux/internal/storage"
)

func makeTrade(id, symbol string, ts time.Time) *domain.TradeEvent {
	return &domain.TradeEvent{
		ID:        id,
		Symbol:    symbol,
		Price:     50000,
		Amount:    0.1,
		Side:      domain.TradeSideBuy,
		Source:    "binance",
		Timestamp: ts,
	}
}

func TestTradeArchive_InsertAndDuplicate(t *testing.T) {
	ctx := context.Background()
	arch := NewTradeArchive()

	trade := makeTrade("t1", "BTC-USD", time.Now())
	if err := arch.Insert(ctx, trade); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	err := arch.Insert(ctx, trade)
	if !errors.Is(err, storage.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}

	if err := arch.Insert(ctx, &domain.TradeEvent{Symbol: "BTC-USD"}); !errors.Is(err, storage.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty id, got %v", err)
	}
}

func TestTradeArchive_RecentBySymbolOrdering(t *testing.T) {
	ctx := context.Background()
	arch := NewTradeArchive()
	base := time.UnixMilli(1700000000000)

	trades := []*domain.TradeEvent{
		makeTrade("t1", "BTC-USD", base.Add(1*time.Second)),
		makeTrade("t2", "BTC-USD", base.Add(3*time.Second)),
		makeTrade("t3", "BTC-USD", base.Add(2*time.Second)),
		makeTrade("t4", "ETH-USD", base.Add(4*time.Second)),
	}
	if err := arch.InsertBulk(ctx, trades); err != nil {
		t.Fatalf("InsertBulk failed: %v", err)
	}

	got, err := arch.RecentBySymbol(ctx, "BTC-USD", 2)
	if err != nil {
		t.Fatalf("RecentBySymbol failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(got))
	}
	if got[0].ID != "t2" || got[1].ID != "t3" {
		t.Errorf("wrong ordering: %s, %s", got[0].ID, got[1].ID)
	}
}

func TestTradeArchive_InsertBulkAtomic(t *testing.T) {
	ctx := context.Background()
	arch := NewTradeArchive()
	now := time.Now()

	if err := arch.Insert(ctx, makeTrade("dup", "BTC-USD", now)); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	err := arch.InsertBulk(ctx, []*domain.TradeEvent{
		makeTrade("fresh", "BTC-USD", now),
		makeTrade("dup", "BTC-USD", now),
	})
	if !errors.Is(err, storage.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}

	// Nothing from the failed batch may have been applied.
	got, _ := arch.RecentBySymbol(ctx, "BTC-USD", 0)
	if len(got) != 1 {
		t.Fatalf("failed batch was partially applied: %d trades", len(got))
	}
}

func TestTickerArchive_GetByTimeRange(t *testing.T) {
	ctx := context.Background()
	arch := NewTickerArchive()
	base := time.UnixMilli(1700000000000)

	for i, ts := range []time.Time{base, base.Add(time.Minute), base.Add(2 * time.Minute)} {
		err := arch.Insert(ctx, &domain.AggregatedTicker{
			Symbol:      "BTC-USD",
			Price:       50000 + float64(i),
			SourceCount: 2,
			Timestamp:   ts,
		})
		if err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	got, err := arch.GetByTimeRange(ctx, "BTC-USD", base, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("GetByTimeRange failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 points, got %d", len(got))
	}
	if !got[0].Timestamp.Before(got[1].Timestamp) {
		t.Error("points not ordered ascending")
	}
}
