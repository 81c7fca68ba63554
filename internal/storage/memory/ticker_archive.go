package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"tickermux/internal/domain"
	"tickermux/internal/storage"
)

// TickerArchive is an in-memory implementation of storage.TickerArchive.
type TickerArchive struct {
	mu     sync.RWMutex
	points []*domain.AggregatedTicker
}

// NewTickerArchive creates a new in-memory ticker archive.
func NewTickerArchive() *TickerArchive {
	return &TickerArchive{}
}

// Compile-time interface check.
var _ storage.TickerArchive = (*TickerArchive)(nil)

// Insert appends one aggregated point.
func (a *TickerArchive) Insert(_ context.Context, v *domain.AggregatedTicker) error {
	if v == nil || v.Symbol == "" {
		return storage.ErrInvalidInput
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	pointCopy := *v
	a.points = append(a.points, &pointCopy)
	return nil
}

// GetByTimeRange retrieves points for a symbol within [from, to], timestamp ASC.
func (a *TickerArchive) GetByTimeRange(_ context.Context, symbol string, from, to time.Time) ([]*domain.AggregatedTicker, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var result []*domain.AggregatedTicker
	for _, p := range a.points {
		if p.Symbol != symbol {
			continue
		}
		if p.Timestamp.Before(from) || p.Timestamp.After(to) {
			continue
		}
		pointCopy := *p
		result = append(result, &pointCopy)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}
