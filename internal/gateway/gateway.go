// Package gateway exposes the aggregated market data over WebSocket: clients
// subscribe to ticker and order book channels per symbol and receive pushed
// updates, behind per-client rate limiting and queue isolation.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tickermux/internal/aggregator"
	"tickermux/internal/domain"
	"tickermux/internal/observability"
)

const (
	defaultMaxSubscriptions     = 10
	defaultMaxMessagesPerMinute = 100
	defaultMaxViolations        = 3
	defaultSendBuffer           = 64
	defaultPingInterval         = 30 * time.Second
	defaultPongWait             = 60 * time.Second
	defaultWriteWait            = 10 * time.Second
	defaultFallbackInterval     = time.Second

	maxMessageSize = 4096
)

// Violation kinds, used as metric labels.
const (
	violationRate         = "rate"
	violationSubscription = "subscription"
	violationOverflow     = "overflow"
)

// Aggregator is the read surface the gateway distributes.
type Aggregator interface {
	Ticker(ctx context.Context, symbol string) (*domain.AggregatedTicker, bool, error)
	OrderBook(ctx context.Context, symbol string) (*domain.MergedOrderBook, bool, error)
	Changes() <-chan aggregator.ChangeEvent
}

// Options configures the gateway. Zero values select defaults.
type Options struct {
	// MaxSubscriptions bounds the distinct symbols one client may hold
	// across all channels. A subscribe request that would exceed it is
	// rejected as a whole.
	MaxSubscriptions int

	// MaxMessagesPerMinute is the per-client inbound rolling-window limit.
	MaxMessagesPerMinute int

	// MaxViolations is the violation count at which the client is
	// disconnected.
	MaxViolations int

	// SendBuffer is the per-client outbound queue length. A full queue
	// drops the frame and counts a violation rather than blocking the
	// broadcast.
	SendBuffer int

	PingInterval     time.Duration
	PongWait         time.Duration
	WriteWait        time.Duration
	FallbackInterval time.Duration

	Metrics *observability.Metrics
	Logger  *log.Logger
}

// Gateway is the WebSocket distribution server.
type Gateway struct {
	opts     Options
	agg      Aggregator
	logger   *log.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	clients  map[string]*Client
	subCount int

	// nowFn feeds the rate limiter; swapped in tests.
	nowFn func() time.Time
}

// New creates a gateway serving views from agg.
func New(agg Aggregator, opts Options) *Gateway {
	if opts.MaxSubscriptions <= 0 {
		opts.MaxSubscriptions = defaultMaxSubscriptions
	}
	if opts.MaxMessagesPerMinute <= 0 {
		opts.MaxMessagesPerMinute = defaultMaxMessagesPerMinute
	}
	if opts.MaxViolations <= 0 {
		opts.MaxViolations = defaultMaxViolations
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPongWait
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaultWriteWait
	}
	if opts.FallbackInterval <= 0 {
		opts.FallbackInterval = defaultFallbackInterval
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	return &Gateway{
		opts:    opts,
		agg:     agg,
		logger:  opts.Logger,
		clients: make(map[string]*Client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		nowFn: time.Now,
	}
}

// ServeHTTP upgrades the request and runs the client's pumps.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Printf("[gateway] upgrade failed: %v", err)
		return
	}

	c := g.newClient(conn)
	g.addClient(c)
	go c.writePump()
	go c.readPump()
}

// Run drives broadcasting: change events from the aggregator push updates
// immediately, the fallback tick covers dropped notifications. Returns when
// ctx is done.
func (g *Gateway) Run(ctx context.Context) {
	ticker := time.NewTicker(g.opts.FallbackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-g.agg.Changes():
			switch ev.Kind {
			case aggregator.ChangeTicker:
				g.broadcast(ctx, channelTicker, ev.Symbol)
			case aggregator.ChangeBook:
				g.broadcast(ctx, channelOrderBook, ev.Symbol)
			}
		case <-ticker.C:
			for channel, symbols := range g.subscribedSymbols() {
				for sym := range symbols {
					g.broadcast(ctx, channel, sym)
				}
			}
		}
	}
}

// Shutdown disconnects every client.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	clients := make([]*Client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.clients = make(map[string]*Client)
	g.subCount = 0
	g.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	g.updateSubGauge()
}

// ClientCount returns the number of connected clients.
func (g *Gateway) ClientCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

func (g *Gateway) addClient(c *Client) {
	g.mu.Lock()
	g.clients[c.ID] = c
	n := len(g.clients)
	g.mu.Unlock()

	if g.opts.Metrics != nil {
		g.opts.Metrics.ClientsConnected.Set(float64(n))
	}
	g.logger.Printf("[gateway] client %s connected", c.ID)
}

// removeClient unregisters the client and releases all its subscription and
// limiter state. Idempotent: the read pump and a forced disconnect may race.
func (g *Gateway) removeClient(c *Client) {
	g.mu.Lock()
	_, present := g.clients[c.ID]
	if present {
		delete(g.clients, c.ID)
		c.mu.Lock()
		for _, symbols := range c.subs {
			g.subCount -= len(symbols)
		}
		c.mu.Unlock()
	}
	n := len(g.clients)
	g.mu.Unlock()

	if !present {
		return
	}
	if g.opts.Metrics != nil {
		g.opts.Metrics.ClientsConnected.Set(float64(n))
	}
	g.updateSubGauge()
	g.logger.Printf("[gateway] client %s disconnected", c.ID)
}

// subscribedSymbols returns, per channel, the union of symbols any client
// subscribes to. Only these are computed during the fallback tick.
func (g *Gateway) subscribedSymbols() map[string]map[string]struct{} {
	out := map[string]map[string]struct{}{
		channelTicker:    {},
		channelOrderBook: {},
	}
	g.mu.RLock()
	for _, c := range g.clients {
		c.mu.Lock()
		for channel, symbols := range c.subs {
			for sym := range symbols {
				out[channel][sym] = struct{}{}
			}
		}
		c.mu.Unlock()
	}
	g.mu.RUnlock()
	return out
}

// broadcast computes the channel's view of symbol once and fans the encoded
// frame out to every subscriber. A slow client only loses its own frame.
func (g *Gateway) broadcast(ctx context.Context, channel, symbol string) {
	start := time.Now()
	frame := g.snapshotFrame(ctx, channel, symbol)
	if frame == nil {
		return
	}

	g.mu.RLock()
	clients := make([]*Client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.RUnlock()

	for _, c := range clients {
		if !c.subscribedTo(channel, symbol) {
			continue
		}
		if c.trySend(frame) {
			g.countSent(channel)
		} else {
			g.dropFrame(c)
		}
	}
	if g.opts.Metrics != nil {
		g.opts.Metrics.BroadcastDuration.Observe(time.Since(start).Seconds())
	}
}

// snapshotFrame encodes the current view of symbol for channel, nil when the
// symbol has no data.
func (g *Gateway) snapshotFrame(ctx context.Context, channel, symbol string) []byte {
	now := g.nowFn()
	switch channel {
	case channelTicker:
		t, ok, err := g.agg.Ticker(ctx, symbol)
		if err != nil || !ok {
			return nil
		}
		return encodeEnvelope(msgTicker, now, t)
	case channelOrderBook:
		b, ok, err := g.agg.OrderBook(ctx, symbol)
		if err != nil || !ok {
			return nil
		}
		return encodeEnvelope(msgOrderBook, now, b)
	}
	return nil
}

// handleRequest processes one inbound message. Returns false when the client
// was disconnected for violations and reading should stop.
func (g *Gateway) handleRequest(c *Client, raw []byte) bool {
	now := g.nowFn()

	if !c.limiter.Allow(now) {
		g.sendError(c, codeRateLimit, "message rate limit exceeded", "")
		return g.violation(c, violationRate)
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		g.sendError(c, codeInvalidMessage, "malformed request", err.Error())
		return true
	}

	switch req.Action {
	case actionPing:
		c.trySend(encodeEnvelope(msgPong, now, nil))
		g.countSent(msgPong)
		return true
	case actionSubscribe:
		return g.handleSubscribe(c, &req)
	case actionUnsubscribe:
		g.handleUnsubscribe(c, &req)
		return true
	default:
		g.sendError(c, codeInvalidMessage, "unknown action", req.Action)
		return true
	}
}

func (g *Gateway) handleSubscribe(c *Client, req *Request) bool {
	if !validChannel(req.Channel) {
		g.sendError(c, codeInvalidMessage, "unknown channel", req.Channel)
		return true
	}
	symbols := req.symbols()
	if len(symbols) == 0 {
		g.sendError(c, codeInvalidMessage, "subscribe requires symbols", "")
		return true
	}

	ctx := context.Background()
	for _, sym := range symbols {
		if _, _, err := g.agg.Ticker(ctx, sym); errors.Is(err, domain.ErrUnknownSymbol) {
			g.sendError(c, codeInvalidSymbol, "unknown symbol", sym)
			return true
		}
	}

	// The whole request is admitted or rejected: partial subscribes would
	// leave the client guessing which symbols took. subCount moves in the
	// same critical section as the subs mutation; a client no longer in
	// g.clients has already been settled by removeClient.
	g.mu.Lock()
	if _, present := g.clients[c.ID]; !present {
		g.mu.Unlock()
		return false
	}
	c.mu.Lock()
	distinct := make(map[string]struct{})
	for _, chSymbols := range c.subs {
		for sym := range chSymbols {
			distinct[sym] = struct{}{}
		}
	}
	for _, sym := range symbols {
		distinct[sym] = struct{}{}
	}
	if len(distinct) > g.opts.MaxSubscriptions {
		c.mu.Unlock()
		g.mu.Unlock()
		g.sendError(c, codeSubscriptionLimit, "subscription limit exceeded", "")
		return g.violation(c, violationSubscription)
	}

	var added []string
	for _, sym := range symbols {
		if _, ok := c.subs[req.Channel][sym]; !ok {
			c.subs[req.Channel][sym] = struct{}{}
			added = append(added, sym)
		}
	}
	g.subCount += len(added)
	c.mu.Unlock()
	g.mu.Unlock()
	g.updateSubGauge()

	// Immediate snapshot for newly subscribed symbols that have data, so
	// the client does not wait for the next change.
	for _, sym := range added {
		frame := g.snapshotFrame(ctx, req.Channel, sym)
		if frame == nil {
			continue
		}
		if c.trySend(frame) {
			g.countSent(req.Channel)
		} else {
			if !g.dropFrame(c) {
				return false
			}
		}
	}
	return true
}

func (g *Gateway) handleUnsubscribe(c *Client, req *Request) {
	if !validChannel(req.Channel) {
		g.sendError(c, codeInvalidMessage, "unknown channel", req.Channel)
		return
	}

	symbols := req.symbols()
	g.mu.Lock()
	_, present := g.clients[c.ID]
	c.mu.Lock()
	var removed int
	if len(symbols) == 0 {
		// No symbols means the whole channel.
		removed = len(c.subs[req.Channel])
		c.subs[req.Channel] = make(map[string]struct{})
	} else {
		for _, sym := range symbols {
			if _, ok := c.subs[req.Channel][sym]; ok {
				delete(c.subs[req.Channel], sym)
				removed++
			}
		}
	}
	// A removed client's symbols were settled by removeClient already.
	if present {
		g.subCount -= removed
	}
	c.mu.Unlock()
	g.mu.Unlock()

	if removed > 0 {
		g.updateSubGauge()
	}
}

// violation records one violation against the client and disconnects it once
// the count reaches the limit. Returns false when the client was dropped.
func (g *Gateway) violation(c *Client, kind string) bool {
	c.mu.Lock()
	c.violations++
	n := c.violations
	c.mu.Unlock()

	if g.opts.Metrics != nil {
		g.opts.Metrics.LimitViolations.WithLabelValues(kind).Inc()
	}

	if n < g.opts.MaxViolations {
		return true
	}
	g.logger.Printf("[gateway] client %s dropped after %d violations", c.ID, n)
	if g.opts.Metrics != nil {
		g.opts.Metrics.ForcedDisconnects.Inc()
	}
	g.removeClient(c)
	c.close()
	return false
}

// dropFrame accounts a send-queue overflow. Returns false when it pushed the
// client over the violation limit.
func (g *Gateway) dropFrame(c *Client) bool {
	if g.opts.Metrics != nil {
		g.opts.Metrics.MessagesDropped.Inc()
	}
	return g.violation(c, violationOverflow)
}

// sendError delivers an error envelope best-effort. Error frames never count
// overflow violations, a saturated client is already being penalized.
func (g *Gateway) sendError(c *Client, code, message, details string) {
	frame := encodeEnvelope(msgError, g.nowFn(), ErrorPayload{
		Code:    code,
		Message: message,
		Details: details,
	})
	if c.trySend(frame) {
		g.countSent(msgError)
	}
}

func (g *Gateway) countSent(msgType string) {
	if g.opts.Metrics != nil {
		g.opts.Metrics.MessagesSent.WithLabelValues(msgType).Inc()
	}
}

func (g *Gateway) updateSubGauge() {
	if g.opts.Metrics == nil {
		return
	}
	g.mu.RLock()
	n := g.subCount
	g.mu.RUnlock()
	g.opts.Metrics.SubscriptionsActive.Set(float64(n))
}
