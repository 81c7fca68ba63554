package domain

import (
	"fmt"
	"time"
)

// TradeSide is the taker side of an executed trade.
type TradeSide string

const (
	TradeSideBuy  TradeSide = "buy"
	TradeSideSell TradeSide = "sell"
)

// IsValid checks if the side is a known value.
func (s TradeSide) IsValid() bool {
	return s == TradeSideBuy || s == TradeSideSell
}

// TradeEvent is a single executed trade reported by a source. Per symbol a
// bounded list is retained, ordered by timestamp descending, oldest evicted
// once the cap is exceeded. Trades are never excluded by staleness: a source
// going stale gaps its ticker and book views, not its trade history.
type TradeEvent struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Amount    float64   `json:"amount"`
	Side      TradeSide `json:"side"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks structural and numeric invariants.
func (t *TradeEvent) Validate() error {
	if t.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrValidation)
	}
	if t.Source == "" {
		return fmt.Errorf("%w: empty source", ErrValidation)
	}
	if !t.Side.IsValid() {
		return fmt.Errorf("%w: unknown trade side %q", ErrValidation, t.Side)
	}
	if !isFinite(t.Price) || t.Price < 0 {
		return fmt.Errorf("%w: invalid trade price %v", ErrValidation, t.Price)
	}
	if !isFinite(t.Amount) || t.Amount < 0 {
		return fmt.Errorf("%w: invalid trade amount %v", ErrValidation, t.Amount)
	}
	return nil
}
