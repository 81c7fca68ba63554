package gateway

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mr-tron/base58"
)

// Client is one WebSocket connection with its subscription and limiter
// state. All state is owned here so removing the client releases everything.
type Client struct {
	ID string

	gw      *Gateway
	conn    *websocket.Conn
	send    chan []byte
	limiter *rateLimiter

	mu         sync.Mutex
	subs       map[string]map[string]struct{} // channel -> symbols
	violations int

	done      chan struct{}
	closeOnce sync.Once
}

// newClientID returns an opaque base58 connection identifier.
func newClientID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// rand.Read failing means the process has bigger problems; fall
		// back to a time-derived id rather than refusing the connection.
		return base58.Encode([]byte(time.Now().UTC().Format(time.RFC3339Nano)))
	}
	return base58.Encode(buf[:])
}

func (g *Gateway) newClient(conn *websocket.Conn) *Client {
	return &Client{
		ID:      newClientID(),
		gw:      g,
		conn:    conn,
		send:    make(chan []byte, g.opts.SendBuffer),
		limiter: newRateLimiter(g.opts.MaxMessagesPerMinute, time.Minute),
		subs: map[string]map[string]struct{}{
			channelTicker:    {},
			channelOrderBook: {},
		},
		done: make(chan struct{}),
	}
}

// close makes the client's queue dead and wakes its pumps. Safe to call
// multiple times and from any goroutine.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// subscribedTo reports whether the client subscribes to symbol on channel.
func (c *Client) subscribedTo(channel, symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[channel][symbol]
	return ok
}

// distinctSymbols counts distinct symbols across all channels.
func (c *Client) distinctSymbols() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.distinctSymbolsLocked()
}

func (c *Client) distinctSymbolsLocked() int {
	seen := make(map[string]struct{})
	for _, symbols := range c.subs {
		for sym := range symbols {
			seen[sym] = struct{}{}
		}
	}
	return len(seen)
}

// trySend enqueues an encoded frame without blocking. A full queue means the
// client is too slow to keep up; the frame is dropped and the caller decides
// whether that counts as a violation.
func (c *Client) trySend(frame []byte) bool {
	if frame == nil {
		return true
	}
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// readPump consumes client requests until the connection dies, then
// unregisters the client.
func (c *Client) readPump() {
	defer func() {
		c.gw.removeClient(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.gw.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.gw.opts.PongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.gw.opts.PongWait))
		if !c.gw.handleRequest(c, raw) {
			return
		}
	}
}

// writePump drains the send queue and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.gw.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(c.gw.opts.WriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many violations"))
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.gw.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.gw.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
