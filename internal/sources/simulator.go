// Package sources provides market-data source connectors. The simulator
// drives the engine with generated feeds for local runs and load checks
// when no upstream connectivity is available.
package sources

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"tickermux/internal/domain"
)

const (
	defaultInterval = 200 * time.Millisecond
	bookDepth       = 5
)

var (
	defaultSimSources = []string{"binance-sim", "kraken-sim", "coinbase-sim"}
	defaultSimSymbols = []string{"BTC-USD", "ETH-USD", "SOL-USD"}

	basePrices = map[string]float64{
		"BTC-USD": 50000,
		"ETH-USD": 3000,
		"SOL-USD": 150,
	}
)

// Ingestor is the slice of the engine the simulator feeds.
type Ingestor interface {
	IngestTicker(ctx context.Context, u domain.TickerUpdate) error
	IngestOrderBook(ctx context.Context, source string, snap domain.OrderBookSnapshot) error
	IngestTrade(ctx context.Context, t domain.TradeEvent) error
	ReportError(source string)
}

// SimulatorOptions configures the simulated feeds. Zero values select
// defaults.
type SimulatorOptions struct {
	Sources  []string
	Symbols  []string
	Interval time.Duration
	Seed     int64
	Logger   *log.Logger
}

// Simulator emits jittered random-walk tickers, books and trades, one
// goroutine per simulated source.
type Simulator struct {
	opts   SimulatorOptions
	logger *log.Logger
	wg     sync.WaitGroup
}

// NewSimulator creates a simulator with defaults filled in.
func NewSimulator(opts SimulatorOptions) *Simulator {
	if len(opts.Sources) == 0 {
		opts.Sources = defaultSimSources
	}
	if len(opts.Symbols) == 0 {
		opts.Symbols = defaultSimSymbols
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Simulator{opts: opts, logger: opts.Logger}
}

// Run starts one feed goroutine per source and blocks until ctx is done and
// every feed has stopped.
func (s *Simulator) Run(ctx context.Context, sink Ingestor) {
	for i, src := range s.opts.Sources {
		s.wg.Add(1)
		go s.feed(ctx, sink, src, s.opts.Seed+int64(i))
	}
	s.wg.Wait()
}

// feed is one simulated source. Each symbol's price random-walks around its
// base so sources disagree slightly, the way real venues do.
func (s *Simulator) feed(ctx context.Context, sink Ingestor, source string, seed int64) {
	defer s.wg.Done()

	rng := rand.New(rand.NewSource(seed))
	prices := make(map[string]float64, len(s.opts.Symbols))
	for _, sym := range s.opts.Symbols {
		base := basePrices[sym]
		if base == 0 {
			base = 100
		}
		// Start each source slightly off base.
		prices[sym] = base * (1 + (rng.Float64()-0.5)*0.002)
	}

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.logger.Printf("[sources] simulated feed %s started", source)
	for {
		select {
		case <-ctx.Done():
			s.logger.Printf("[sources] simulated feed %s stopped", source)
			return
		case <-ticker.C:
			for _, sym := range s.opts.Symbols {
				prices[sym] = step(rng, prices[sym])
				s.emit(ctx, sink, rng, source, sym, prices[sym])
			}
		}
	}
}

// step moves the price by up to ±0.1%.
func step(rng *rand.Rand, price float64) float64 {
	return price * (1 + (rng.Float64()-0.5)*0.002)
}

func (s *Simulator) emit(ctx context.Context, sink Ingestor, rng *rand.Rand, source, symbol string, price float64) {
	now := time.Now()
	spread := price * 0.0005

	err := sink.IngestTicker(ctx, domain.TickerUpdate{
		Symbol:    symbol,
		Source:    source,
		Price:     price,
		Bid:       price - spread,
		Ask:       price + spread,
		Volume24h: 100 + rng.Float64()*1000,
		Timestamp: now,
	})
	if err != nil {
		s.logger.Printf("[sources] %s ticker rejected: %v", source, err)
		sink.ReportError(source)
	}

	snap := domain.OrderBookSnapshot{Symbol: symbol, Timestamp: now}
	for i := 0; i < bookDepth; i++ {
		offset := spread * float64(i+1)
		snap.Bids = append(snap.Bids, domain.BookLevel{Price: price - offset, Amount: rng.Float64() * 5})
		snap.Asks = append(snap.Asks, domain.BookLevel{Price: price + offset, Amount: rng.Float64() * 5})
	}
	if err := sink.IngestOrderBook(ctx, source, snap); err != nil {
		s.logger.Printf("[sources] %s book rejected: %v", source, err)
		sink.ReportError(source)
	}

	// Roughly one trade per three ticks per symbol.
	if rng.Intn(3) == 0 {
		side := domain.TradeSideBuy
		if rng.Intn(2) == 0 {
			side = domain.TradeSideSell
		}
		err := sink.IngestTrade(ctx, domain.TradeEvent{
			Symbol:    symbol,
			Source:    source,
			Price:     price,
			Amount:    rng.Float64() * 2,
			Side:      side,
			Timestamp: now,
		})
		if err != nil {
			s.logger.Printf("[sources] %s trade rejected: %v", source, err)
			sink.ReportError(source)
		}
	}
}
