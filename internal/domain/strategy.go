package domain

import "fmt"

// PriceStrategy selects how prices from multiple sources are reconciled
// into one scalar. The set is closed: the resolver binds each value to its
// pricing function once at construction, so no string branching happens on
// the read path.
type PriceStrategy string

const (
	// StrategyVWAP weighs each source's price by max(volume24h, 1).
	StrategyVWAP PriceStrategy = "vwap"
	// StrategyMedian takes the middle fresh price (mean of the two middles
	// for an even count).
	StrategyMedian PriceStrategy = "median"
	// StrategyBestBidAsk uses (max bid + min positive ask) / 2, falling
	// back to VWAP when no source reports a positive ask.
	StrategyBestBidAsk PriceStrategy = "best-bid-ask"
	// StrategyPerSource computes the VWAP scalar but consumers are expected
	// to read the per-source breakdown as the primary payload.
	StrategyPerSource PriceStrategy = "per-exchange"
)

// String returns the string representation of PriceStrategy.
func (s PriceStrategy) String() string {
	return string(s)
}

// IsValid checks if the strategy is a known value.
func (s PriceStrategy) IsValid() bool {
	switch s {
	case StrategyVWAP, StrategyMedian, StrategyBestBidAsk, StrategyPerSource:
		return true
	}
	return false
}

// ParseStrategy converts a configuration string into a PriceStrategy.
// The empty string selects the default, VWAP.
func ParseStrategy(s string) (PriceStrategy, error) {
	if s == "" {
		return StrategyVWAP, nil
	}
	st := PriceStrategy(s)
	if !st.IsValid() {
		return "", fmt.Errorf("unknown price strategy %q", s)
	}
	return st, nil
}
