package models

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Side is the normalized direction vocabulary used throughout the pipeline.
// Feeds that report LONG/SHORT are mapped onto BUY/SELL at ingestion so that
// every downstream consumer sees a single vocabulary.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// NormalizeSide maps a feed supplied side string onto the canonical
// vocabulary. The second return value is false when the value is not a
// recognised side.
func NormalizeSide(raw string) (Side, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "BUY", "LONG":
		return SideBuy, true
	case "SELL", "SHORT":
		return SideSell, true
	default:
		return "", false
	}
}

// TimeSource records which clock produced a record's Timestamp, for
// auditability when the feed omits an event time.
type TimeSource string

const (
	TimeSourceExchange TimeSource = "exchange"
	TimeSourceReceipt  TimeSource = "receipt"
)

// DisplayTimeLayout is the wall clock layout used for the presentation-only
// time column.
const DisplayTimeLayout = "15:04:05.000"

// LiquidationRecord is the canonical unit flowing through the pipeline.
// Records are immutable after construction; the ring buffer and store hold
// copies, never pointers into mutable state.
type LiquidationRecord struct {
	ID          string     `json:"id"`
	Timestamp   time.Time  `json:"timestamp"`
	Symbol      string     `json:"symbol"`
	Side        Side       `json:"side"`
	Price       float64    `json:"price"`
	Quantity    float64    `json:"quantity"`
	Value       float64    `json:"value"`
	DisplayTime string     `json:"time"`
	TimeSource  TimeSource `json:"time_source"`
}

// NaturalKey derives the deterministic fingerprint used as the dedup and
// persistence primary key. It is a pragmatic fingerprint of
// (timestamp, symbol, side, notional value), not a cryptographic identifier:
// two distinct liquidations with identical rounded values in the same
// instant would collide.
func NaturalKey(ts time.Time, symbol string, side Side, value float64) string {
	input := fmt.Sprintf("%d:%s:%s:%.8f", ts.UTC().UnixMilli(), symbol, side, value)
	sum := md5.Sum([]byte(input))
	return hex.EncodeToString(sum[:])[:16]
}

// NewLiquidationRecord builds a record from normalized fields. The notional
// value is computed exactly once here and never recomputed downstream.
func NewLiquidationRecord(ts time.Time, symbol string, side Side, price, quantity float64, source TimeSource) LiquidationRecord {
	ts = ts.UTC()
	value := price * quantity
	return LiquidationRecord{
		ID:          NaturalKey(ts, symbol, side, value),
		Timestamp:   ts,
		Symbol:      symbol,
		Side:        side,
		Price:       price,
		Quantity:    quantity,
		Value:       value,
		DisplayTime: ts.Format(DisplayTimeLayout),
		TimeSource:  source,
	}
}

// RawFrame carries a raw websocket payload together with the receipt time so
// the normalizer can fall back to it when the feed omits an event timestamp.
type RawFrame struct {
	Payload    []byte
	ReceivedAt time.Time
}
