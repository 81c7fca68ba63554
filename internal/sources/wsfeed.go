package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tickermux/internal/domain"
	"tickermux/internal/gateway"
)

// WSFeedConfig configures the relay feed connection.
type WSFeedConfig struct {
	// PingInterval is the interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is the timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is the timeout for writing messages.
	WriteTimeout time.Duration
}

// DefaultWSFeedConfig returns default relay feed configuration.
func DefaultWSFeedConfig() WSFeedConfig {
	return WSFeedConfig{
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// WSFeed consumes another engine's gateway as an upstream source: it
// subscribes to the ticker channel and ingests the pushed views locally
// under the feed's source name. Reconnection is left to the operator, the
// feed returns on the first connection failure.
type WSFeed struct {
	endpoint string
	source   string
	symbols  []string
	config   WSFeedConfig
	logger   *log.Logger

	conn   *websocket.Conn
	closed atomic.Bool
}

// NewWSFeed dials the upstream gateway endpoint and subscribes to the given
// symbols on the ticker channel.
func NewWSFeed(ctx context.Context, endpoint, source string, symbols []string, config *WSFeedConfig, logger *log.Logger) (*WSFeed, error) {
	if source == "" {
		return nil, fmt.Errorf("ws feed: empty source name")
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("ws feed: no symbols")
	}
	cfg := DefaultWSFeedConfig()
	if config != nil {
		cfg = *config
	}
	if logger == nil {
		logger = log.Default()
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("ws feed dial: %w", err)
	}

	f := &WSFeed{
		endpoint: endpoint,
		source:   source,
		symbols:  symbols,
		config:   cfg,
		logger:   logger,
		conn:     conn,
	}

	if err := f.subscribe(); err != nil {
		conn.Close()
		return nil, err
	}
	return f, nil
}

func (f *WSFeed) subscribe() error {
	req := gateway.Request{
		Action:  "subscribe",
		Channel: "ticker",
		Symbols: f.symbols,
	}
	f.conn.SetWriteDeadline(time.Now().Add(f.config.WriteTimeout))
	if err := f.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("ws feed subscribe: %w", err)
	}
	return nil
}

// Run reads pushed ticker envelopes and ingests them until ctx is done or
// the connection fails. Failures are reported against the feed's source so
// its health record reflects the outage.
func (f *WSFeed) Run(ctx context.Context, sink Ingestor) error {
	go f.pingLoop(ctx)
	go func() {
		<-ctx.Done()
		f.Close()
	}()

	f.logger.Printf("[sources] ws feed %s connected to %s", f.source, f.endpoint)
	for {
		f.conn.SetReadDeadline(time.Now().Add(f.config.ReadTimeout))
		_, raw, err := f.conn.ReadMessage()
		if err != nil {
			if f.closed.Load() || ctx.Err() != nil {
				return ctx.Err()
			}
			sink.ReportError(f.source)
			return fmt.Errorf("ws feed read: %w", err)
		}
		f.handleFrame(ctx, sink, raw)
	}
}

func (f *WSFeed) handleFrame(ctx context.Context, sink Ingestor, raw []byte) {
	var env gateway.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		f.logger.Printf("[sources] ws feed %s malformed frame: %v", f.source, err)
		sink.ReportError(f.source)
		return
	}
	if env.Type != "ticker" {
		return
	}

	var t domain.AggregatedTicker
	if err := json.Unmarshal(env.Payload, &t); err != nil {
		f.logger.Printf("[sources] ws feed %s malformed ticker: %v", f.source, err)
		sink.ReportError(f.source)
		return
	}

	// The upstream's aggregated view becomes one source locally.
	err := sink.IngestTicker(ctx, domain.TickerUpdate{
		Symbol:    t.Symbol,
		Source:    f.source,
		Price:     t.Price,
		Bid:       t.BestBid,
		Ask:       t.BestAsk,
		Volume24h: t.Volume24h,
		Timestamp: t.Timestamp,
	})
	if err != nil {
		f.logger.Printf("[sources] ws feed %s ticker rejected: %v", f.source, err)
		sink.ReportError(f.source)
	}
}

func (f *WSFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(f.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.conn.SetWriteDeadline(time.Now().Add(f.config.WriteTimeout))
			if err := f.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close shuts the connection down. Safe to call concurrently with Run.
func (f *WSFeed) Close() error {
	if f.closed.CompareAndSwap(false, true) {
		return f.conn.Close()
	}
	return nil
}
