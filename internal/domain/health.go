package domain

import "time"

// SourceStatus describes a source's recency-derived state.
type SourceStatus string

const (
	// SourceOnline means the source reported within the staleness threshold.
	SourceOnline SourceStatus = "ONLINE"
	// SourceStale means the last report is older than the staleness threshold.
	// Stale sources are excluded from aggregation at read time but keep their
	// data, so a recovering source needs no resubscription.
	SourceStale SourceStatus = "STALE"
	// SourceOffline means the source has never reported.
	SourceOffline SourceStatus = "OFFLINE"
)

// String returns the string representation of SourceStatus.
func (s SourceStatus) String() string {
	return string(s)
}

// SourceHealth is the observability record for one source. Error counts are
// a signal only: exclusion from aggregation is driven purely by data staleness.
type SourceHealth struct {
	Source      string       `json:"source"`
	LastUpdate  time.Time    `json:"lastUpdate"`
	UpdateCount int64        `json:"updateCount"`
	ErrorCount  int64        `json:"errorCount"`
	Status      SourceStatus `json:"status"`
}
