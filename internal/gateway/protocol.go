package gateway

import (
	"encoding/json"
	"time"
)

// Wire message types, server to client.
const (
	msgPong      = "pong"
	msgTicker    = "ticker"
	msgOrderBook = "orderbook"
	msgError     = "error"
)

// Client actions.
const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
	actionPing        = "ping"
)

// Subscription channels.
const (
	channelTicker    = "ticker"
	channelOrderBook = "orderbook"
)

// Error codes sent to clients.
const (
	codeInvalidMessage    = "INVALID_MESSAGE"
	codeInvalidSymbol     = "INVALID_SYMBOL"
	codeRateLimit         = "RATE_LIMIT_EXCEEDED"
	codeSubscriptionLimit = "SUBSCRIPTION_LIMIT_EXCEEDED"
	codeInternal          = "INTERNAL_ERROR"
)

// Envelope is the frame wrapping every server-to-client message.
type Envelope struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Request is a client-to-server message.
type Request struct {
	Action  string   `json:"action"`
	Channel string   `json:"channel,omitempty"`
	Symbol  string   `json:"symbol,omitempty"`
	Symbols []string `json:"symbols,omitempty"`
}

// ErrorPayload is the payload of an error envelope.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// symbols returns the requested symbol list, accepting either form.
func (r *Request) symbols() []string {
	if len(r.Symbols) > 0 {
		return r.Symbols
	}
	if r.Symbol != "" {
		return []string{r.Symbol}
	}
	return nil
}

func validChannel(ch string) bool {
	return ch == channelTicker || ch == channelOrderBook
}

// encodeEnvelope marshals an envelope with the given payload. A marshal
// failure returns nil, the caller drops the frame.
func encodeEnvelope(msgType string, now time.Time, payload any) []byte {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil
		}
		raw = b
	}
	b, err := json.Marshal(Envelope{
		Type:      msgType,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Payload:   raw,
	})
	if err != nil {
		return nil
	}
	return b
}
