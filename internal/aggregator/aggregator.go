// Package aggregator implements the multi-source aggregation core: it keeps
// the latest per-source market data in sharded in-memory state, reconciles
// conflicting reports through the resolver and serves derived views through
// a short-lived cache.
package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"tickermux/internal/cache"
	"tickermux/internal/domain"
	"tickermux/internal/idhash"
	"tickermux/internal/observability"
	"tickermux/internal/resolver"
	"tickermux/internal/storage"
)

const (
	defaultStaleAfter        = 30 * time.Second
	defaultOutlierStdDevs    = 2.0
	defaultTradeHistoryLimit = 500
	defaultMaxBookDepth      = 50
	defaultTickerTTL         = 500 * time.Millisecond
	defaultBookTTL           = 500 * time.Millisecond
	defaultTradesTTL         = 2 * time.Second
	defaultShardCount        = 16
	defaultChangeBuffer      = 256
)

// Options configures the aggregation engine. The zero value of every field
// selects a sensible default; Cache, archives and Metrics are optional
// collaborators and the engine stays correct without them.
type Options struct {
	// Strategy selects the pricing function. Empty defaults to VWAP.
	Strategy domain.PriceStrategy

	// StrictSymbols makes reads of never-ingested symbols fail with
	// domain.ErrUnknownSymbol instead of reporting an absent view.
	StrictSymbols bool

	// StaleAfter is the recency threshold: an update whose age has reached
	// this value is excluded from ticker and book views. The boundary is
	// inclusive, and source health applies the same rule: a source last
	// heard from exactly StaleAfter ago reads as STALE.
	StaleAfter time.Duration

	// OutlierStdDevs is the outlier exclusion threshold in population
	// standard deviations.
	OutlierStdDevs float64

	// TradeHistoryLimit caps the in-memory trade list per symbol.
	TradeHistoryLimit int

	// MaxBookDepth truncates each merged book side after the full-union sort.
	MaxBookDepth int

	// TTLs for the cached derived views.
	TickerTTL time.Duration
	BookTTL   time.Duration
	TradesTTL time.Duration

	ShardCount   int
	ChangeBuffer int

	// Sources pre-registers health records so never-reporting sources show
	// up as OFFLINE instead of being invisible.
	Sources []string

	Cache         cache.Cache
	TradeArchive  storage.TradeArchive
	TickerArchive storage.TickerArchive
	Metrics       *observability.Metrics
	Logger        *log.Logger
}

type shard struct {
	mu      sync.RWMutex
	tickers map[string]map[string]domain.TickerUpdate
	books   map[string]map[string]domain.OrderBookSnapshot
	trades  map[string][]domain.TradeEvent
}

type sourceHealth struct {
	lastUpdate  time.Time
	updateCount int64
	errorCount  int64
}

// Engine is the aggregation core. All methods are safe for concurrent use.
type Engine struct {
	opts     Options
	price    resolver.PriceFunc
	logger   *log.Logger
	shards   []*shard
	changes  chan ChangeEvent
	closed   atomic.Bool
	symCount atomic.Int64

	healthMu sync.RWMutex
	health   map[string]*sourceHealth

	// nowFn is swappable in tests for deterministic staleness decisions.
	nowFn func() time.Time
}

// New creates an aggregation engine with defaults filled in for zero-valued
// options.
func New(opts Options) *Engine {
	if opts.Strategy == "" {
		opts.Strategy = domain.StrategyVWAP
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.OutlierStdDevs <= 0 {
		opts.OutlierStdDevs = defaultOutlierStdDevs
	}
	if opts.TradeHistoryLimit <= 0 {
		opts.TradeHistoryLimit = defaultTradeHistoryLimit
	}
	if opts.MaxBookDepth <= 0 {
		opts.MaxBookDepth = defaultMaxBookDepth
	}
	if opts.TickerTTL <= 0 {
		opts.TickerTTL = defaultTickerTTL
	}
	if opts.BookTTL <= 0 {
		opts.BookTTL = defaultBookTTL
	}
	if opts.TradesTTL <= 0 {
		opts.TradesTTL = defaultTradesTTL
	}
	if opts.ShardCount <= 0 {
		opts.ShardCount = defaultShardCount
	}
	if opts.ChangeBuffer <= 0 {
		opts.ChangeBuffer = defaultChangeBuffer
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	shards := make([]*shard, opts.ShardCount)
	for i := range shards {
		shards[i] = &shard{
			tickers: make(map[string]map[string]domain.TickerUpdate),
			books:   make(map[string]map[string]domain.OrderBookSnapshot),
			trades:  make(map[string][]domain.TradeEvent),
		}
	}

	health := make(map[string]*sourceHealth, len(opts.Sources))
	for _, src := range opts.Sources {
		health[src] = &sourceHealth{}
	}

	return &Engine{
		opts:    opts,
		price:   resolver.ForStrategy(opts.Strategy),
		logger:  opts.Logger,
		shards:  shards,
		changes: make(chan ChangeEvent, opts.ChangeBuffer),
		health:  health,
		nowFn:   time.Now,
	}
}

// Close stops change notification. In-memory state stays readable; owned
// collaborators such as the cache are closed by whoever created them.
func (e *Engine) Close() error {
	e.closed.Store(true)
	return nil
}

func (e *Engine) shardFor(symbol string) *shard {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return e.shards[h.Sum32()%uint32(len(e.shards))]
}

// IngestTicker applies one source's ticker update. The update is validated
// and rejected as a whole on any failure; a valid update overwrites the
// previous one for the same (symbol, source) pair.
func (e *Engine) IngestTicker(ctx context.Context, u domain.TickerUpdate) error {
	if err := u.Validate(); err != nil {
		e.countValidationError("ticker")
		return err
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = e.nowFn()
	}

	s := e.shardFor(u.Symbol)
	s.mu.Lock()
	known := symbolKnownLocked(s, u.Symbol)
	bySource, ok := s.tickers[u.Symbol]
	if !ok {
		bySource = make(map[string]domain.TickerUpdate)
		s.tickers[u.Symbol] = bySource
	}
	bySource[u.Source] = u
	s.mu.Unlock()
	if !known {
		e.trackSymbol()
	}

	e.touchSource(u.Source)
	e.cacheDelete(ctx, tickerKey(u.Symbol))
	if e.opts.Metrics != nil {
		e.opts.Metrics.TickerUpdates.WithLabelValues(u.Source).Inc()
	}
	e.notify(ChangeTicker, u.Symbol)
	return nil
}

// IngestOrderBook applies one source's order book snapshot.
func (e *Engine) IngestOrderBook(ctx context.Context, source string, snap domain.OrderBookSnapshot) error {
	if source == "" {
		e.countValidationError("orderbook")
		return fmt.Errorf("%w: empty source", domain.ErrValidation)
	}
	if err := snap.Validate(); err != nil {
		e.countValidationError("orderbook")
		return err
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = e.nowFn()
	}

	s := e.shardFor(snap.Symbol)
	s.mu.Lock()
	known := symbolKnownLocked(s, snap.Symbol)
	bySource, ok := s.books[snap.Symbol]
	if !ok {
		bySource = make(map[string]domain.OrderBookSnapshot)
		s.books[snap.Symbol] = bySource
	}
	bySource[source] = snap
	s.mu.Unlock()
	if !known {
		e.trackSymbol()
	}

	e.touchSource(source)
	e.cacheDelete(ctx, bookKey(snap.Symbol))
	if e.opts.Metrics != nil {
		e.opts.Metrics.OrderBookUpdates.WithLabelValues(source).Inc()
	}
	e.notify(ChangeBook, snap.Symbol)
	return nil
}

// IngestTrade records one executed trade. A missing id is derived
// deterministically from the trade fields, so replayed feeds deduplicate in
// the archive rather than double-count.
func (e *Engine) IngestTrade(ctx context.Context, t domain.TradeEvent) error {
	if err := t.Validate(); err != nil {
		e.countValidationError("trade")
		return err
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = e.nowFn()
	}
	if t.ID == "" {
		t.ID = idhash.ComputeTradeID(t.Symbol, t.Source, t.Timestamp, t.Price, t.Amount, string(t.Side))
	}

	s := e.shardFor(t.Symbol)
	s.mu.Lock()
	known := symbolKnownLocked(s, t.Symbol)
	s.trades[t.Symbol] = insertTrade(s.trades[t.Symbol], t, e.opts.TradeHistoryLimit)
	s.mu.Unlock()
	if !known {
		e.trackSymbol()
	}

	e.touchSource(t.Source)
	e.cacheDelete(ctx, tradesKey(t.Symbol))
	if e.opts.Metrics != nil {
		e.opts.Metrics.TradesIngested.WithLabelValues(t.Source).Inc()
	}
	e.archiveTrade(ctx, &t)
	e.notify(ChangeTrades, t.Symbol)
	return nil
}

// insertTrade inserts t into the timestamp-descending list, dropping the
// oldest entry once the cap is exceeded.
func insertTrade(list []domain.TradeEvent, t domain.TradeEvent, limit int) []domain.TradeEvent {
	i := sort.Search(len(list), func(i int) bool {
		return list[i].Timestamp.Before(t.Timestamp)
	})
	list = append(list, domain.TradeEvent{})
	copy(list[i+1:], list[i:])
	list[i] = t
	if len(list) > limit {
		list = list[:limit]
	}
	return list
}

// Ticker returns the aggregated view for symbol. ok is false when the symbol
// has no fresh source data. In strict mode a symbol that was never ingested
// at all fails with domain.ErrUnknownSymbol instead.
func (e *Engine) Ticker(ctx context.Context, symbol string) (*domain.AggregatedTicker, bool, error) {
	if err := e.checkKnown(symbol); err != nil {
		return nil, false, err
	}

	if raw, ok := e.cacheGet(ctx, tickerKey(symbol)); ok {
		var t domain.AggregatedTicker
		if err := json.Unmarshal(raw, &t); err == nil {
			return &t, true, nil
		}
	}

	s := e.shardFor(symbol)
	s.mu.RLock()
	updates := make([]domain.TickerUpdate, 0, len(s.tickers[symbol]))
	for _, u := range s.tickers[symbol] {
		updates = append(updates, u)
	}
	s.mu.RUnlock()

	t, ok := e.computeTicker(ctx, symbol, updates)
	if !ok {
		return nil, false, nil
	}
	if raw, err := json.Marshal(t); err == nil {
		e.cacheSet(ctx, tickerKey(symbol), raw, e.opts.TickerTTL)
	}
	return t, true, nil
}

func (e *Engine) computeTicker(ctx context.Context, symbol string, updates []domain.TickerUpdate) (*domain.AggregatedTicker, bool) {
	start := time.Now()
	now := e.nowFn()

	fresh, staleSources := resolver.FilterStale(updates, now, e.opts.StaleAfter)
	if len(fresh) == 0 {
		return nil, false
	}
	kept, outlierSources := resolver.FilterOutliers(fresh, e.opts.OutlierStdDevs)

	sources := make([]domain.SourcePrice, 0, len(kept))
	for _, u := range kept {
		sources = append(sources, domain.SourcePrice{
			Source:    u.Source,
			Price:     u.Price,
			Bid:       u.Bid,
			Ask:       u.Ask,
			Volume24h: u.Volume24h,
			Timestamp: u.Timestamp,
		})
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].Source < sources[j].Source })

	t := &domain.AggregatedTicker{
		Symbol:         symbol,
		Price:          e.price(kept),
		Volume24h:      resolver.TotalVolume(kept),
		BestBid:        resolver.BestBid(kept),
		BestAsk:        resolver.BestAsk(kept),
		SourceCount:    len(kept),
		Timestamp:      now,
		Strategy:       e.opts.Strategy,
		Sources:        sources,
		OutlierSources: outlierSources,
		StaleSources:   staleSources,
	}

	if e.opts.Metrics != nil {
		e.opts.Metrics.ViewsComputed.WithLabelValues(string(ChangeTicker)).Inc()
		e.opts.Metrics.ComputeDuration.WithLabelValues(string(ChangeTicker)).Observe(time.Since(start).Seconds())
	}
	e.archiveTickerPoint(ctx, t)
	return t, true
}

// OrderBook returns the merged order book for symbol: the union of all fresh
// per-source snapshots, bids descending and asks ascending by price, each
// side truncated to the configured depth after sorting. Levels are never
// merged by price, equal-priced levels from different sources stay distinct.
func (e *Engine) OrderBook(ctx context.Context, symbol string) (*domain.MergedOrderBook, bool, error) {
	if err := e.checkKnown(symbol); err != nil {
		return nil, false, err
	}

	if raw, ok := e.cacheGet(ctx, bookKey(symbol)); ok {
		var b domain.MergedOrderBook
		if err := json.Unmarshal(raw, &b); err == nil {
			return &b, true, nil
		}
	}

	now := e.nowFn()
	s := e.shardFor(symbol)
	s.mu.RLock()
	var bids, asks []domain.BookLevel
	var contributing []string
	for src, snap := range s.books[symbol] {
		if now.Sub(snap.Timestamp) >= e.opts.StaleAfter {
			continue
		}
		contributing = append(contributing, src)
		for _, lvl := range snap.Bids {
			lvl.Source = src
			bids = append(bids, lvl)
		}
		for _, lvl := range snap.Asks {
			lvl.Source = src
			asks = append(asks, lvl)
		}
	}
	s.mu.RUnlock()

	if len(contributing) == 0 {
		return nil, false, nil
	}

	start := time.Now()
	sort.SliceStable(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })
	sort.SliceStable(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })
	if len(bids) > e.opts.MaxBookDepth {
		bids = bids[:e.opts.MaxBookDepth]
	}
	if len(asks) > e.opts.MaxBookDepth {
		asks = asks[:e.opts.MaxBookDepth]
	}
	sort.Strings(contributing)

	b := &domain.MergedOrderBook{
		Symbol:    symbol,
		Bids:      bids,
		Asks:      asks,
		Sources:   contributing,
		Timestamp: now,
	}
	if e.opts.Metrics != nil {
		e.opts.Metrics.ViewsComputed.WithLabelValues(string(ChangeBook)).Inc()
		e.opts.Metrics.ComputeDuration.WithLabelValues(string(ChangeBook)).Observe(time.Since(start).Seconds())
	}
	if raw, err := json.Marshal(b); err == nil {
		e.cacheSet(ctx, bookKey(symbol), raw, e.opts.BookTTL)
	}
	return b, true, nil
}

// RecentTrades returns up to limit trades for symbol, newest first. A limit
// of zero or less returns the full retained history. Trades are never
// excluded by staleness: a source going stale gaps its ticker and book
// views, not its trade history.
func (e *Engine) RecentTrades(ctx context.Context, symbol string, limit int) ([]domain.TradeEvent, error) {
	if err := e.checkKnown(symbol); err != nil {
		return nil, err
	}

	var full []domain.TradeEvent
	if raw, ok := e.cacheGet(ctx, tradesKey(symbol)); ok {
		if err := json.Unmarshal(raw, &full); err != nil {
			full = nil
		}
	}
	if full == nil {
		s := e.shardFor(symbol)
		s.mu.RLock()
		full = make([]domain.TradeEvent, len(s.trades[symbol]))
		copy(full, s.trades[symbol])
		s.mu.RUnlock()

		if e.opts.Metrics != nil {
			e.opts.Metrics.ViewsComputed.WithLabelValues(string(ChangeTrades)).Inc()
		}
		if raw, err := json.Marshal(full); err == nil {
			e.cacheSet(ctx, tradesKey(symbol), raw, e.opts.TradesTTL)
		}
	}

	if limit > 0 && len(full) > limit {
		full = full[:limit]
	}
	return full, nil
}

// AllTickers returns the aggregated view of every symbol that currently has
// fresh data, sorted by symbol. Symbols whose sources are all stale are
// omitted, not errors.
func (e *Engine) AllTickers(ctx context.Context) ([]domain.AggregatedTicker, error) {
	symbols := e.Symbols()
	out := make([]domain.AggregatedTicker, 0, len(symbols))
	for _, sym := range symbols {
		t, ok, err := e.Ticker(ctx, sym)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, *t)
		}
	}
	return out, nil
}

// Symbols returns every symbol that has ever been ingested, sorted.
func (e *Engine) Symbols() []string {
	var symbols []string
	seen := make(map[string]struct{})
	for _, s := range e.shards {
		s.mu.RLock()
		for sym := range s.tickers {
			seen[sym] = struct{}{}
		}
		for sym := range s.books {
			seen[sym] = struct{}{}
		}
		for sym := range s.trades {
			seen[sym] = struct{}{}
		}
		s.mu.RUnlock()
	}
	for sym := range seen {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	return symbols
}

// SourceMetrics returns the health record of every known source, sorted by
// source id. Status is derived at call time from data recency: error counts
// alone never change a status.
func (e *Engine) SourceMetrics() []domain.SourceHealth {
	now := e.nowFn()

	e.healthMu.RLock()
	out := make([]domain.SourceHealth, 0, len(e.health))
	for src, h := range e.health {
		status := domain.SourceOffline
		if h.updateCount > 0 {
			if now.Sub(h.lastUpdate) >= e.opts.StaleAfter {
				status = domain.SourceStale
			} else {
				status = domain.SourceOnline
			}
		}
		out = append(out, domain.SourceHealth{
			Source:      src,
			LastUpdate:  h.lastUpdate,
			UpdateCount: h.updateCount,
			ErrorCount:  h.errorCount,
			Status:      status,
		})
	}
	e.healthMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// ReportError records a connector-level failure for source, registering the
// source if it was unknown.
func (e *Engine) ReportError(source string) {
	e.healthMu.Lock()
	h, ok := e.health[source]
	if !ok {
		h = &sourceHealth{}
		e.health[source] = h
	}
	h.errorCount++
	e.healthMu.Unlock()

	if e.opts.Metrics != nil {
		e.opts.Metrics.SourceErrors.WithLabelValues(source).Inc()
	}
}

func (e *Engine) touchSource(source string) {
	now := e.nowFn()
	e.healthMu.Lock()
	h, ok := e.health[source]
	if !ok {
		h = &sourceHealth{}
		e.health[source] = h
	}
	h.lastUpdate = now
	h.updateCount++
	e.healthMu.Unlock()
}

// checkKnown enforces strict-mode symbol existence. Lenient mode always
// passes, an unknown symbol simply reads as absent.
func (e *Engine) checkKnown(symbol string) error {
	if !e.opts.StrictSymbols {
		return nil
	}
	s := e.shardFor(symbol)
	s.mu.RLock()
	_, t := s.tickers[symbol]
	_, b := s.books[symbol]
	_, tr := s.trades[symbol]
	s.mu.RUnlock()
	if !t && !b && !tr {
		return fmt.Errorf("%w: %s", domain.ErrUnknownSymbol, symbol)
	}
	return nil
}

// symbolKnownLocked reports whether symbol appears in any of the shard's
// maps. Caller holds the shard lock.
func symbolKnownLocked(s *shard, symbol string) bool {
	if _, ok := s.tickers[symbol]; ok {
		return true
	}
	if _, ok := s.books[symbol]; ok {
		return true
	}
	_, ok := s.trades[symbol]
	return ok
}

// trackSymbol bumps the tracked-symbol count on a symbol's first appearance.
func (e *Engine) trackSymbol() {
	total := e.symCount.Add(1)
	if e.opts.Metrics != nil {
		e.opts.Metrics.TrackedSymbols.Set(float64(total))
	}
}

func (e *Engine) countValidationError(kind string) {
	if e.opts.Metrics != nil {
		e.opts.Metrics.ValidationErrors.WithLabelValues(kind).Inc()
	}
}

func tickerKey(symbol string) string { return "ticker:" + symbol }
func bookKey(symbol string) string   { return "book:" + symbol }
func tradesKey(symbol string) string { return "trades:" + symbol }

func (e *Engine) cacheGet(ctx context.Context, key string) ([]byte, bool) {
	if e.opts.Cache == nil {
		return nil, false
	}
	raw, ok, err := e.opts.Cache.Get(ctx, key)
	if err != nil {
		e.cacheDegraded(err)
		return nil, false
	}
	return raw, ok
}

func (e *Engine) cacheSet(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if e.opts.Cache == nil {
		return
	}
	if err := e.opts.Cache.Set(ctx, key, value, ttl); err != nil {
		e.cacheDegraded(err)
	}
}

func (e *Engine) cacheDelete(ctx context.Context, key string) {
	if e.opts.Cache == nil {
		return
	}
	if err := e.opts.Cache.Delete(ctx, key); err != nil {
		e.cacheDegraded(err)
	}
}

func (e *Engine) cacheDegraded(err error) {
	if e.opts.Metrics != nil {
		e.opts.Metrics.CacheDegraded.Inc()
	}
	e.logger.Printf("[aggregator] cache degraded: %v", err)
}

func (e *Engine) archiveTrade(ctx context.Context, t *domain.TradeEvent) {
	if e.opts.TradeArchive == nil {
		return
	}
	if err := e.opts.TradeArchive.Insert(ctx, t); err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
		e.logger.Printf("[aggregator] trade archive insert failed: %v", err)
	}
}

func (e *Engine) archiveTickerPoint(ctx context.Context, t *domain.AggregatedTicker) {
	if e.opts.TickerArchive == nil {
		return
	}
	if err := e.opts.TickerArchive.Insert(ctx, t); err != nil {
		e.logger.Printf("[aggregator] ticker archive insert failed: %v", err)
	}
}
