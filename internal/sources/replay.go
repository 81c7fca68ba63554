package sources

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"tickermux/internal/domain"
	"tickermux/internal/storage"
)

// ReplayOptions configures an archive replay.
type ReplayOptions struct {
	// Symbols to replay. Required.
	Symbols []string

	// Limit caps the trades fetched per symbol. Zero means the archive
	// default.
	Limit int

	// Speed is the time compression factor: 1 replays at original pacing,
	// 0 or less replays as fast as possible.
	Speed float64

	Logger *log.Logger
}

// Replay feeds archived trades back into an engine in original timestamp
// order, so a fresh instance can be warmed or a recorded session inspected
// through the live read API.
type Replay struct {
	archive storage.TradeArchive
	opts    ReplayOptions
	logger  *log.Logger
}

// NewReplay creates a replay over the given trade archive.
func NewReplay(archive storage.TradeArchive, opts ReplayOptions) (*Replay, error) {
	if archive == nil {
		return nil, fmt.Errorf("replay: nil archive")
	}
	if len(opts.Symbols) == 0 {
		return nil, fmt.Errorf("replay: no symbols")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Replay{archive: archive, opts: opts, logger: opts.Logger}, nil
}

// Run replays the archived trades through sink. Returns the number of trades
// replayed.
func (r *Replay) Run(ctx context.Context, sink Ingestor) (int, error) {
	trades, err := r.load(ctx)
	if err != nil {
		return 0, err
	}
	r.logger.Printf("[sources] replaying %d archived trades", len(trades))

	var replayed int
	var prev time.Time
	for _, t := range trades {
		if r.opts.Speed > 0 && !prev.IsZero() {
			gap := time.Duration(float64(t.Timestamp.Sub(prev)) / r.opts.Speed)
			if gap > 0 {
				select {
				case <-ctx.Done():
					return replayed, ctx.Err()
				case <-time.After(gap):
				}
			}
		}
		prev = t.Timestamp

		if err := sink.IngestTrade(ctx, t); err != nil {
			r.logger.Printf("[sources] replay trade %s rejected: %v", t.ID, err)
			sink.ReportError(t.Source)
			continue
		}
		replayed++
	}
	return replayed, nil
}

// load fetches and interleaves the per-symbol histories oldest first.
func (r *Replay) load(ctx context.Context) ([]domain.TradeEvent, error) {
	var all []domain.TradeEvent
	for _, sym := range r.opts.Symbols {
		trades, err := r.archive.RecentBySymbol(ctx, sym, r.opts.Limit)
		if err != nil {
			return nil, fmt.Errorf("replay load %s: %w", sym, err)
		}
		for _, t := range trades {
			all = append(all, *t)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })
	return all, nil
}
