package memory

import (
	"context"
	"sort"
	"sync"

	"tickermux/internal/domain"
	"tickermux/internal/storage"
)

// TradeArchive is an in-memory implementation of storage.TradeArchive.
type TradeArchive struct {
	mu   sync.RWMutex
	data map[string]*domain.TradeEvent // keyed by trade id
}

// NewTradeArchive creates a new in-memory trade archive.
func NewTradeArchive() *TradeArchive {
	return &TradeArchive{
		data: make(map[string]*domain.TradeEvent),
	}
}

// Compile-time interface check.
var _ storage.TradeArchive = (*TradeArchive)(nil)

// Insert adds a trade. Returns ErrDuplicateKey if the trade id exists.
func (a *TradeArchive) Insert(_ context.Context, t *domain.TradeEvent) error {
	if t == nil || t.ID == "" {
		return storage.ErrInvalidInput
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.data[t.ID]; exists {
		return storage.ErrDuplicateKey
	}

	// Store a copy to prevent external mutation
	tradeCopy := *t
	a.data[t.ID] = &tradeCopy
	return nil
}

// InsertBulk adds multiple trades atomically. Fails the batch on any duplicate.
func (a *TradeArchive) InsertBulk(_ context.Context, trades []*domain.TradeEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, t := range trades {
		if t == nil || t.ID == "" {
			return storage.ErrInvalidInput
		}
		if _, exists := a.data[t.ID]; exists {
			return storage.ErrDuplicateKey
		}
	}

	for _, t := range trades {
		tradeCopy := *t
		a.data[t.ID] = &tradeCopy
	}
	return nil
}

// RecentBySymbol retrieves up to limit trades for a symbol, timestamp DESC.
func (a *TradeArchive) RecentBySymbol(_ context.Context, symbol string, limit int) ([]*domain.TradeEvent, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var result []*domain.TradeEvent
	for _, t := range a.data {
		if t.Symbol == symbol {
			tradeCopy := *t
			result = append(result, &tradeCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.After(result[j].Timestamp)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
