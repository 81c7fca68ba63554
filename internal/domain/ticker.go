package domain

import (
	"fmt"
	"math"
	"time"
)

// TickerUpdate is one source's latest report for a symbol.
// Exactly one update is retained per (symbol, source); a newer update
// overwrites the previous one, history is not kept.
type TickerUpdate struct {
	Symbol    string    `json:"symbol"`
	Source    string    `json:"source"`
	Price     float64   `json:"price"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Volume24h float64   `json:"volume24h"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks structural and numeric invariants.
// Price, bid and ask must be finite and non-negative; volume must be non-negative.
func (u *TickerUpdate) Validate() error {
	if u.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrValidation)
	}
	if u.Source == "" {
		return fmt.Errorf("%w: empty source", ErrValidation)
	}
	for _, f := range []struct {
		name string
		val  float64
	}{
		{"price", u.Price},
		{"bid", u.Bid},
		{"ask", u.Ask},
		{"volume24h", u.Volume24h},
	} {
		if !isFinite(f.val) {
			return fmt.Errorf("%w: %s is not finite", ErrValidation, f.name)
		}
		if f.val < 0 {
			return fmt.Errorf("%w: %s is negative", ErrValidation, f.name)
		}
	}
	return nil
}

// SourcePrice is the per-source slice of an aggregated ticker.
type SourcePrice struct {
	Source    string    `json:"source"`
	Price     float64   `json:"price"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Volume24h float64   `json:"volume24h"`
	Timestamp time.Time `json:"timestamp"`
}

// AggregatedTicker is the reconciled view of a symbol across all fresh
// sources. It is derived on demand and cached briefly, never stored durably.
type AggregatedTicker struct {
	Symbol      string        `json:"symbol"`
	Price       float64       `json:"price"`
	Volume24h   float64       `json:"volume24h"`
	BestBid     float64       `json:"bestBid"`
	BestAsk     float64       `json:"bestAsk"`
	SourceCount int           `json:"sourceCount"`
	Timestamp   time.Time     `json:"timestamp"`
	Strategy    PriceStrategy `json:"strategy"`

	// Sources holds the per-source breakdown that produced the scalar
	// fields. With StrategyPerSource this is the primary payload.
	Sources []SourcePrice `json:"sources"`

	// OutlierSources and StaleSources name the sources excluded from
	// pricing, for observability. They never contribute to the scalars.
	OutlierSources []string `json:"outlierSources,omitempty"`
	StaleSources   []string `json:"staleSources,omitempty"`
}

// isFinite reports whether f is neither NaN nor an infinity.
func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
