// Package resolver implements the pure conflict-resolution pass over the
// per-source ticker updates of one symbol: staleness partitioning, outlier
// exclusion and the pricing strategies.
package resolver

import (
	"math"
	"sort"
	"time"

	"tickermux/internal/domain"
)

// FilterStale partitions updates into fresh and stale. An update is fresh
// when now - timestamp < staleAfter. Stale sources are reported by id for
// observability; their data stays in place and is simply skipped at read
// time, so a recovering source needs no resubscription.
func FilterStale(updates []domain.TickerUpdate, now time.Time, staleAfter time.Duration) (fresh []domain.TickerUpdate, staleSources []string) {
	for _, u := range updates {
		if now.Sub(u.Timestamp) < staleAfter {
			fresh = append(fresh, u)
		} else {
			staleSources = append(staleSources, u.Source)
		}
	}
	sort.Strings(staleSources)
	return fresh, staleSources
}

// FilterOutliers excludes prices further than stdDevThreshold population
// standard deviations from the mean. Filtering is skipped with fewer than
// two updates or when all prices are equal. If every update would be
// excluded the filter result is discarded and the input kept: outlier logic
// alone never yields zero candidates.
func FilterOutliers(updates []domain.TickerUpdate, stdDevThreshold float64) (kept []domain.TickerUpdate, outlierSources []string) {
	if len(updates) < 2 {
		return updates, nil
	}

	mean, stddev := meanStdDev(updates)
	if stddev == 0 {
		return updates, nil
	}

	lo := mean - stdDevThreshold*stddev
	hi := mean + stdDevThreshold*stddev

	for _, u := range updates {
		if u.Price < lo || u.Price > hi {
			outlierSources = append(outlierSources, u.Source)
		} else {
			kept = append(kept, u)
		}
	}

	if len(kept) == 0 {
		return updates, nil
	}
	sort.Strings(outlierSources)
	return kept, outlierSources
}

// meanStdDev returns the mean and population standard deviation of prices.
func meanStdDev(updates []domain.TickerUpdate) (mean, stddev float64) {
	for _, u := range updates {
		mean += u.Price
	}
	mean /= float64(len(updates))

	var variance float64
	for _, u := range updates {
		d := u.Price - mean
		variance += d * d
	}
	variance /= float64(len(updates))

	return mean, math.Sqrt(variance)
}

// PriceFunc reconciles the filtered updates of one symbol into one price.
// Inputs are never empty: the aggregator reports "no data" before pricing.
type PriceFunc func(updates []domain.TickerUpdate) float64

// ForStrategy binds a strategy to its pricing function. Resolved once at
// aggregator construction so the read path never branches on strategy names.
func ForStrategy(s domain.PriceStrategy) PriceFunc {
	switch s {
	case domain.StrategyMedian:
		return Median
	case domain.StrategyBestBidAsk:
		return BestBidAsk
	case domain.StrategyVWAP, domain.StrategyPerSource:
		return VWAP
	default:
		return VWAP
	}
}

// VWAP computes the volume-weighted average price. Each source weighs
// max(volume24h, 1): a reported volume of zero does not imply zero influence.
func VWAP(updates []domain.TickerUpdate) float64 {
	var weighted, weights float64
	for _, u := range updates {
		w := u.Volume24h
		if w < 1 {
			w = 1
		}
		weighted += u.Price * w
		weights += w
	}
	if weights == 0 {
		return 0
	}
	return weighted / weights
}

// Median returns the middle price; for an even count, the mean of the two
// middle prices.
func Median(updates []domain.TickerUpdate) float64 {
	if len(updates) == 0 {
		return 0
	}

	prices := make([]float64, len(updates))
	for i, u := range updates {
		prices[i] = u.Price
	}
	sort.Float64s(prices)

	mid := len(prices) / 2
	if len(prices)%2 == 0 {
		return (prices[mid-1] + prices[mid]) / 2
	}
	return prices[mid]
}

// BestBidAsk returns (max bid + min positive ask) / 2. When no source
// reports a strictly positive ask it falls back to VWAP.
func BestBidAsk(updates []domain.TickerUpdate) float64 {
	bid := BestBid(updates)
	ask := BestAsk(updates)
	if ask == 0 {
		return VWAP(updates)
	}
	return (bid + ask) / 2
}

// TotalVolume sums volume24h over the given updates.
func TotalVolume(updates []domain.TickerUpdate) float64 {
	var total float64
	for _, u := range updates {
		total += u.Volume24h
	}
	return total
}

// BestBid returns the maximum bid across updates, 0 when empty.
func BestBid(updates []domain.TickerUpdate) float64 {
	var best float64
	for _, u := range updates {
		if u.Bid > best {
			best = u.Bid
		}
	}
	return best
}

// BestAsk returns the minimum strictly positive ask, 0 when no source
// reports one.
func BestAsk(updates []domain.TickerUpdate) float64 {
	var best float64
	for _, u := range updates {
		if u.Ask <= 0 {
			continue
		}
		if best == 0 || u.Ask < best {
			best = u.Ask
		}
	}
	return best
}
