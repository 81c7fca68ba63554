package domain

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		input   string
		want    PriceStrategy
		wantErr bool
	}{
		{"", StrategyVWAP, false},
		{"vwap", StrategyVWAP, false},
		{"median", StrategyMedian, false},
		{"best-bid-ask", StrategyBestBidAsk, false},
		{"per-exchange", StrategyPerSource, false},
		{"twap", "", true},
		{"VWAP", "", true},
	}

	for _, tt := range tests {
		got, err := ParseStrategy(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseStrategy(%q): expected error, got %v", tt.input, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseStrategy(%q): unexpected error: %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseStrategy(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestTickerUpdateValidate(t *testing.T) {
	valid := TickerUpdate{
		Symbol:    "BTC-USD",
		Source:    "binance",
		Price:     50000,
		Bid:       49990,
		Ask:       50010,
		Volume24h: 1200,
		Timestamp: time.Now(),
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid update rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*TickerUpdate)
	}{
		{"empty symbol", func(u *TickerUpdate) { u.Symbol = "" }},
		{"empty source", func(u *TickerUpdate) { u.Source = "" }},
		{"negative price", func(u *TickerUpdate) { u.Price = -1 }},
		{"nan price", func(u *TickerUpdate) { u.Price = math.NaN() }},
		{"inf bid", func(u *TickerUpdate) { u.Bid = math.Inf(1) }},
		{"negative volume", func(u *TickerUpdate) { u.Volume24h = -0.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := valid
			tt.mutate(&u)
			err := u.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("error does not wrap ErrValidation: %v", err)
			}
		})
	}
}

func TestTradeEventValidate(t *testing.T) {
	trade := TradeEvent{
		ID:        "t1",
		Symbol:    "ETH-USD",
		Price:     3000,
		Amount:    0.25,
		Side:      TradeSideBuy,
		Source:    "kraken",
		Timestamp: time.Now(),
	}
	if err := trade.Validate(); err != nil {
		t.Fatalf("valid trade rejected: %v", err)
	}

	trade.Side = "hold"
	if err := trade.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown side, got %v", err)
	}
}

func TestOrderBookSnapshotValidate(t *testing.T) {
	snap := OrderBookSnapshot{
		Symbol: "BTC-USD",
		Bids:   []BookLevel{{Price: 49900, Amount: 1.5, Source: "binance"}},
		Asks:   []BookLevel{{Price: 50100, Amount: 2.0, Source: "binance"}},
	}
	if err := snap.Validate(); err != nil {
		t.Fatalf("valid snapshot rejected: %v", err)
	}

	snap.Asks[0].Amount = math.NaN()
	if err := snap.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for NaN amount, got %v", err)
	}
}
