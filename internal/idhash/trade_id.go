package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// ComputeTradeID computes a deterministic trade id using SHA256.
// Formula: SHA256(symbol|source|timestamp_ms|price|amount|side)
// Returns hex-encoded hash (64 characters).
//
// Sources that report their own trade ids keep them; this is the fallback
// for feeds that omit one, so that archive inserts stay idempotent and the
// same trade replayed twice maps to the same row.
func ComputeTradeID(
	symbol string,
	source string,
	timestamp time.Time,
	price float64,
	amount float64,
	side string,
) string {
	data := fmt.Sprintf("%s|%s|%d|%g|%g|%s",
		symbol,
		source,
		timestamp.UnixMilli(),
		price,
		amount,
		side,
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
