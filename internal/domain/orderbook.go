package domain

import (
	"fmt"
	"time"
)

// BookLevel is one price level of an order book side. Levels from different
// sources at the same price remain distinct levels: the merge never sums them.
type BookLevel struct {
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
	Source string  `json:"source"`
}

// OrderBookSnapshot is one source's latest order book for a symbol.
// One snapshot is retained per (symbol, source), newest overwrites.
type OrderBookSnapshot struct {
	Symbol    string      `json:"symbol"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Timestamp time.Time   `json:"timestamp"`
}

// Validate checks structural well-formedness of the snapshot.
func (s *OrderBookSnapshot) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrValidation)
	}
	for _, side := range [][]BookLevel{s.Bids, s.Asks} {
		for _, lvl := range side {
			if !isFinite(lvl.Price) || lvl.Price < 0 {
				return fmt.Errorf("%w: invalid level price %v", ErrValidation, lvl.Price)
			}
			if !isFinite(lvl.Amount) || lvl.Amount < 0 {
				return fmt.Errorf("%w: invalid level amount %v", ErrValidation, lvl.Amount)
			}
		}
	}
	return nil
}

// MergedOrderBook is the union of all fresh per-source snapshots for a
// symbol: bids sorted descending, asks ascending, each side truncated to the
// configured depth after sorting.
type MergedOrderBook struct {
	Symbol    string      `json:"symbol"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Sources   []string    `json:"sources"`
	Timestamp time.Time   `json:"timestamp"`
}
