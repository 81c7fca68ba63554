// Package main runs the market data engine as a single service:
// - Ingestion: source connectors feeding the aggregation core
// - Aggregation: conflict resolution, caching, archives
// - Distribution: WebSocket gateway plus health/metrics/status HTTP
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tickermux/internal/aggregator"
	"tickermux/internal/cache"
	"tickermux/internal/domain"
	"tickermux/internal/gateway"
	"tickermux/internal/observability"
	"tickermux/internal/sources"
	"tickermux/internal/storage"
	chstore "tickermux/internal/storage/clickhouse"
	"tickermux/internal/storage/memory"
	"tickermux/internal/storage/migrations"
	pgstore "tickermux/internal/storage/postgres"
)

// Server wires the engine's components together.
type Server struct {
	engine  *aggregator.Engine
	gateway *gateway.Gateway
	store   cache.Cache
	logger  *log.Logger

	started time.Time
}

func main() {
	loadEnvFile()

	listenAddr := flag.String("listen-addr", ":8080", "WebSocket and status HTTP address")
	metricsAddr := flag.String("metrics-addr", ":9090", "Prometheus metrics HTTP address")
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string for the trade archive")
	clickhouseDSN := flag.String("clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string for the ticker history archive")
	redisAddr := flag.String("redis-addr", os.Getenv("REDIS_ADDR"), "Redis address for the view cache (empty = in-memory cache)")
	redisPassword := flag.String("redis-password", os.Getenv("REDIS_PASSWORD"), "Redis password")
	useMemory := flag.Bool("use-memory", false, "Use in-memory archives instead of PostgreSQL/ClickHouse")
	strategy := flag.String("strategy", os.Getenv("PRICE_STRATEGY"), "Price strategy: vwap, median, best-bid-ask, per-exchange")
	strict := flag.Bool("strict-symbols", false, "Reject reads and subscriptions for unknown symbols")
	staleAfter := flag.Duration("stale-after", 30*time.Second, "Source data staleness threshold")
	outlierStdDevs := flag.Float64("outlier-stddevs", 2.0, "Outlier exclusion threshold in standard deviations")
	cacheMaxEntries := flag.Int("cache-max-entries", 4096, "In-memory cache capacity (LRU bound)")
	cacheSweep := flag.Duration("cache-sweep", 30*time.Second, "In-memory cache expiry sweep interval")
	tradeHistory := flag.Int("trade-history", 500, "Retained trades per symbol")
	bookDepth := flag.Int("book-depth", 50, "Merged order book depth per side")
	maxSubs := flag.Int("max-subscriptions", 10, "Distinct symbols per WebSocket client")
	msgsPerMin := flag.Int("messages-per-minute", 100, "Per-client inbound message limit")
	maxViolations := flag.Int("max-violations", 3, "Violations before a client is disconnected")
	upstreamURL := flag.String("upstream-url", os.Getenv("UPSTREAM_URL"), "Upstream gateway WebSocket URL to relay from")
	upstreamName := flag.String("upstream-name", "upstream", "Source name for the upstream relay feed")
	upstreamSymbols := flag.String("upstream-symbols", "", "Comma-separated symbols to relay from upstream")
	sim := flag.Bool("sim", false, "Run simulated source feeds")
	simInterval := flag.Duration("sim-interval", 200*time.Millisecond, "Simulated feed emit interval")
	simSources := flag.String("sim-sources", "", "Comma-separated simulated source names")
	simSymbols := flag.String("sim-symbols", "", "Comma-separated simulated symbols")

	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lshortfile)

	strat, err := domain.ParseStrategy(*strategy)
	if err != nil {
		logger.Fatalf("Invalid strategy: %v", err)
	}
	if !*useMemory && (*postgresDSN == "" || *clickhouseDSN == "") {
		logger.Fatal("--postgres-dsn and --clickhouse-dsn are required (use --use-memory for in-memory archives)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Archives
	tradeArchive, tickerArchive, cleanupArchives, err := createArchives(ctx, *postgresDSN, *clickhouseDSN, *useMemory)
	if err != nil {
		logger.Fatalf("Failed to create archives: %v", err)
	}
	defer cleanupArchives()

	// View cache
	viewCache, err := createCache(ctx, *redisAddr, *redisPassword, *cacheMaxEntries, *cacheSweep)
	if err != nil {
		logger.Fatalf("Failed to create cache: %v", err)
	}
	defer viewCache.Close()

	metrics := observability.NewMetrics("tickermux", nil)

	simSourceList := splitList(*simSources)
	engine := aggregator.New(aggregator.Options{
		Strategy:          strat,
		StrictSymbols:     *strict,
		StaleAfter:        *staleAfter,
		OutlierStdDevs:    *outlierStdDevs,
		TradeHistoryLimit: *tradeHistory,
		MaxBookDepth:      *bookDepth,
		Sources:           simSourceList,
		Cache:             viewCache,
		TradeArchive:      tradeArchive,
		TickerArchive:     tickerArchive,
		Metrics:           metrics,
		Logger:            log.New(os.Stdout, "[aggregator] ", log.LstdFlags|log.Lshortfile),
	})
	defer engine.Close()

	gw := gateway.New(engine, gateway.Options{
		MaxSubscriptions:     *maxSubs,
		MaxMessagesPerMinute: *msgsPerMin,
		MaxViolations:        *maxViolations,
		Metrics:              metrics,
		Logger:               log.New(os.Stdout, "[gateway] ", log.LstdFlags|log.Lshortfile),
	})

	server := &Server{
		engine:  engine,
		gateway: gw,
		store:   viewCache,
		logger:  logger,
		started: time.Now(),
	}

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, initiating graceful shutdown...", sig)
		cancel()

		select {
		case sig := <-sigCh:
			logger.Printf("Received second signal %v, forcing immediate shutdown", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Println("Graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		}
	}()

	// Broadcast loop
	go gw.Run(ctx)

	// Simulated feeds
	if *sim {
		simulator := sources.NewSimulator(sources.SimulatorOptions{
			Sources:  simSourceList,
			Symbols:  splitList(*simSymbols),
			Interval: *simInterval,
			Logger:   log.New(os.Stdout, "[sources] ", log.LstdFlags|log.Lshortfile),
		})
		go simulator.Run(ctx, engine)
		logger.Println("Simulated feeds enabled")
	}

	// Upstream relay feed
	if *upstreamURL != "" {
		feed, err := sources.NewWSFeed(ctx, *upstreamURL, *upstreamName, splitList(*upstreamSymbols), nil,
			log.New(os.Stdout, "[sources] ", log.LstdFlags|log.Lshortfile))
		if err != nil {
			logger.Fatalf("Failed to connect upstream feed: %v", err)
		}
		go func() {
			if err := feed.Run(ctx, engine); err != nil && ctx.Err() == nil {
				logger.Printf("Upstream feed stopped: %v", err)
			}
		}()
	}

	go server.startMetricsServer(*metricsAddr)
	go server.startHTTPServer(*listenAddr)

	<-ctx.Done()
	gw.Shutdown()
	logger.Println("Shutdown complete")
}

// createArchives wires the trade and ticker archives, in-memory or backed by
// PostgreSQL and ClickHouse with migrations applied.
func createArchives(ctx context.Context, postgresDSN, clickhouseDSN string, useMemory bool) (storage.TradeArchive, storage.TickerArchive, func(), error) {
	if useMemory {
		return memory.NewTradeArchive(), memory.NewTickerArchive(), func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, postgresDSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("postgres migrations: %w", err)
	}

	chConn, err := chstore.NewConn(ctx, clickhouseDSN)
	if err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("connect to clickhouse: %w", err)
	}
	if err := migrations.RunClickhouseMigrations(ctx, chConn); err != nil {
		chConn.Close()
		pool.Close()
		return nil, nil, nil, fmt.Errorf("clickhouse migrations: %w", err)
	}

	cleanup := func() {
		chConn.Close()
		pool.Close()
	}
	return pgstore.NewTradeArchive(pool), chstore.NewTickerArchive(chConn), cleanup, nil
}

// createCache selects the view cache backend: Redis when an address is
// given, otherwise the in-process LRU.
func createCache(ctx context.Context, redisAddr, redisPassword string, maxEntries int, sweep time.Duration) (cache.Cache, error) {
	if redisAddr == "" {
		return cache.NewMemory(maxEntries, sweep), nil
	}
	c, err := cache.NewRedis(ctx, redisAddr, redisPassword, 0, "tickermux")
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return c, nil
}

// startHTTPServer serves the WebSocket endpoint plus health and status.
func (s *Server) startHTTPServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/ws", s.gateway)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", s.handleStatus)

	s.logger.Printf("Starting HTTP server on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		s.logger.Printf("HTTP server error: %v", err)
	}
}

func (s *Server) startMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())

	s.logger.Printf("Starting metrics server on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		s.logger.Printf("Metrics server error: %v", err)
	}
}

// StatusResponse is the JSON response for the /status endpoint.
type StatusResponse struct {
	Status  string                `json:"status"`
	Uptime  string                `json:"uptime"`
	Symbols []string              `json:"symbols"`
	Clients int                   `json:"clients"`
	Sources []domain.SourceHealth `json:"sources"`
	Cache   cache.Stats           `json:"cache"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status:  "running",
		Uptime:  time.Since(s.started).String(),
		Symbols: s.engine.Symbols(),
		Clients: s.gateway.ClientCount(),
		Sources: s.engine.SourceMetrics(),
		Cache:   s.store.Stats(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// loadEnvFile loads environment variables from .env file if it exists.
func loadEnvFile() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}
