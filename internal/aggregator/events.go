package aggregator

// ChangeKind identifies which derived view of a symbol changed.
type ChangeKind string

const (
	ChangeTicker ChangeKind = "ticker"
	ChangeBook   ChangeKind = "orderbook"
	ChangeTrades ChangeKind = "trades"
)

// ChangeEvent announces that a symbol's view was invalidated by an ingest.
// Events are advisory: the channel is bounded and drops under pressure, and
// consumers are expected to poll the read API on their own cadence as well.
type ChangeEvent struct {
	Kind   ChangeKind
	Symbol string
}

// Changes returns the change notification channel. The channel is never
// closed while the engine runs; after Close it stops receiving events.
func (e *Engine) Changes() <-chan ChangeEvent {
	return e.changes
}

// notify publishes a change event without blocking. Dropped events are fine,
// slow consumers catch up via polling.
func (e *Engine) notify(kind ChangeKind, symbol string) {
	if e.closed.Load() {
		return
	}
	select {
	case e.changes <- ChangeEvent{Kind: kind, Symbol: symbol}:
	default:
	}
}
