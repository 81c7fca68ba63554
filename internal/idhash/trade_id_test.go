package idhash

import (
	"testing"
	"time"
)

func TestComputeTradeID_Deterministic(t *testing.T) {
	ts := time.UnixMilli(1700000000000)

	id1 := ComputeTradeID("BTC-USD", "binance", ts, 50000.5, 0.25, "buy")
	id2 := ComputeTradeID("BTC-USD", "binance", ts, 50000.5, 0.25, "buy")

	if id1 != id2 {
		t.Errorf("same inputs produced different ids: %s vs %s", id1, id2)
	}
	if len(id1) != 64 {
		t.Errorf("expected 64-char hex id, got %d chars", len(id1))
	}
}

func TestComputeTradeID_DistinguishesFields(t *testing.T) {
	ts := time.UnixMilli(1700000000000)
	base := ComputeTradeID("BTC-USD", "binance", ts, 50000, 1, "buy")

	variants := []string{
		ComputeTradeID("ETH-USD", "binance", ts, 50000, 1, "buy"),
		ComputeTradeID("BTC-USD", "kraken", ts, 50000, 1, "buy"),
		ComputeTradeID("BTC-USD", "binance", ts.Add(time.Millisecond), 50000, 1, "buy"),
		ComputeTradeID("BTC-USD", "binance", ts, 50001, 1, "buy"),
		ComputeTradeID("BTC-USD", "binance", ts, 50000, 2, "buy"),
		ComputeTradeID("BTC-USD", "binance", ts, 50000, 1, "sell"),
	}

	for i, v := range variants {
		if v == base {
			t.Errorf("variant %d collided with base id", i)
		}
	}
}
