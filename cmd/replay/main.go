// Package main replays archived trades through a fresh aggregation engine
// and prints the resulting views, for inspecting a recorded session offline.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tickermux/internal/aggregator"
	"tickermux/internal/domain"
	"tickermux/internal/sources"
	pgstore "tickermux/internal/storage/postgres"
)

func main() {
	symbols := flag.String("symbols", "", "Comma-separated symbols to replay (required)")
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string for the trade archive")
	limit := flag.Int("limit", 0, "Trades per symbol (0 = archive default)")
	speed := flag.Float64("speed", 0, "Time compression factor (0 = as fast as possible)")
	tradeLimit := flag.Int("trade-history", 500, "Retained trades per symbol in the engine")
	outputJSON := flag.Bool("json", false, "Output as JSON")

	flag.Parse()

	logger := log.New(os.Stderr, "[replay] ", log.LstdFlags)

	symbolList := splitList(*symbols)
	if len(symbolList) == 0 {
		logger.Fatal("--symbols is required")
	}
	if *postgresDSN == "" {
		logger.Fatal("--postgres-dsn is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	pool, err := pgstore.NewPool(ctx, *postgresDSN)
	if err != nil {
		logger.Fatalf("connect to postgres: %v", err)
	}
	defer pool.Close()
	archive := pgstore.NewTradeArchive(pool)

	// The trade view must survive however old the archived data is, so the
	// engine gets a staleness threshold far beyond any recording gap.
	engine := aggregator.New(aggregator.Options{
		StaleAfter:        24 * 365 * time.Hour,
		TradeHistoryLimit: *tradeLimit,
		Logger:            logger,
	})
	defer engine.Close()

	r, err := sources.NewReplay(archive, sources.ReplayOptions{
		Symbols: symbolList,
		Limit:   *limit,
		Speed:   *speed,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatalf("create replay: %v", err)
	}

	start := time.Now()
	n, err := r.Run(ctx, engine)
	if err != nil {
		logger.Fatalf("replay: %v", err)
	}
	logger.Printf("Replayed %d trades in %v", n, time.Since(start))

	printResults(ctx, engine, symbolList, *outputJSON, logger)
}

func printResults(ctx context.Context, engine *aggregator.Engine, symbols []string, asJSON bool, logger *log.Logger) {
	type symbolResult struct {
		Symbol string              `json:"symbol"`
		Trades []domain.TradeEvent `json:"trades"`
	}

	var results []symbolResult
	for _, sym := range symbols {
		trades, err := engine.RecentTrades(ctx, sym, 0)
		if err != nil {
			logger.Printf("read trades for %s: %v", sym, err)
			continue
		}
		results = append(results, symbolResult{Symbol: sym, Trades: trades})
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(results)
		return
	}

	for _, res := range results {
		fmt.Printf("%s: %d trades\n", res.Symbol, len(res.Trades))
		for i, t := range res.Trades {
			if i >= 10 {
				fmt.Printf("  ... %d more\n", len(res.Trades)-i)
				break
			}
			fmt.Printf("  %s %-4s %12.4f x %.6f  %s (%s)\n",
				t.Timestamp.Format(time.RFC3339), t.Side, t.Price, t.Amount, t.Source, t.ID)
		}
	}
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
