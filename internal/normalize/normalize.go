// Package normalize maps raw exchange frames onto canonical liquidation
// records. Normalization is pure: no I/O, no logging, the caller decides how
// to react to skipped or rejected frames.
package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"liqflow/internal/models"
)

// Schema selects the feed envelope variant the normalizer expects. New feed
// shapes are added as new Schema values with their own mapping function.
type Schema string

const (
	// SchemaForceOrder handles the Binance style forced order envelope
	// {"e":"forceOrder","o":{"s","S","q","ap",...}}.
	SchemaForceOrder Schema = "forceOrder"
	// SchemaTrades handles the JSON-RPC subscription envelope
	// {"method":"subscription","params":{"channel","data":{...}}} where the
	// liquidation subset is selected by data.trade_type.
	SchemaTrades Schema = "trades"
)

var (
	// ErrDecode marks a frame that is not parseable at all.
	ErrDecode = errors.New("undecodable frame")
	// ErrMalformed marks a frame that parsed but is missing required fields
	// or carries non-numeric values where numbers are required.
	ErrMalformed = errors.New("malformed liquidation message")
	// ErrUnknownSchema is returned by New for an unconfigured schema name.
	ErrUnknownSchema = errors.New("unknown feed schema")
)

// Normalizer converts raw frames of a single configured schema.
type Normalizer struct {
	schema Schema
}

// New constructs a Normalizer for the given schema.
func New(schema Schema) (*Normalizer, error) {
	switch schema {
	case SchemaForceOrder, SchemaTrades:
		return &Normalizer{schema: schema}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSchema, schema)
	}
}

// Schema reports the configured schema.
func (n *Normalizer) Schema() Schema { return n.schema }

// Normalize maps a raw frame onto a liquidation record. A nil record with a
// nil error means the frame was valid but not a liquidation event, which is
// the expected majority case on multiplexed channels.
func (n *Normalizer) Normalize(frame models.RawFrame) (*models.LiquidationRecord, error) {
	switch n.schema {
	case SchemaForceOrder:
		return normalizeForceOrder(frame)
	default:
		return normalizeTrades(frame)
	}
}

// flexFloat accepts JSON numbers that arrive either bare or quoted; exchange
// feeds are inconsistent about this.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return errors.New("empty number")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*f = flexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

type forceOrderEnvelope struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol    string          `json:"s"`
		Side      string          `json:"S"`
		Quantity  json.RawMessage `json:"q"`
		AvgPrice  json.RawMessage `json:"ap"`
		TradeTime int64           `json:"T"`
	} `json:"o"`
}

func normalizeForceOrder(frame models.RawFrame) (*models.LiquidationRecord, error) {
	var env forceOrderEnvelope
	if err := json.Unmarshal(frame.Payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if env.Event != "forceOrder" {
		return nil, nil
	}

	if env.Order.Symbol == "" {
		return nil, fmt.Errorf("%w: missing symbol", ErrMalformed)
	}
	side, ok := models.NormalizeSide(env.Order.Side)
	if !ok {
		return nil, fmt.Errorf("%w: unrecognised side %q", ErrMalformed, env.Order.Side)
	}
	price, err := requireFloat(env.Order.AvgPrice, "price")
	if err != nil {
		return nil, err
	}
	quantity, err := requireFloat(env.Order.Quantity, "quantity")
	if err != nil {
		return nil, err
	}

	ts, source := eventTime(env.Order.TradeTime, env.EventTime, frame.ReceivedAt)
	rec := models.NewLiquidationRecord(ts, env.Order.Symbol, side, price, quantity, source)
	return &rec, nil
}

type tradesEnvelope struct {
	Method string `json:"method"`
	Params struct {
		Channel string `json:"channel"`
		Data    struct {
			Market    string          `json:"market"`
			Side      string          `json:"side"`
			Price     json.RawMessage `json:"price"`
			Size      json.RawMessage `json:"size"`
			TradeType string          `json:"trade_type"`
			CreatedAt int64           `json:"created_at"`
		} `json:"data"`
	} `json:"params"`
}

func normalizeTrades(frame models.RawFrame) (*models.LiquidationRecord, error) {
	var env tradesEnvelope
	if err := json.Unmarshal(frame.Payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	// Subscription acks and other RPC responses share the channel.
	if env.Method != "subscription" {
		return nil, nil
	}
	if env.Params.Data.TradeType != "liquidation" {
		return nil, nil
	}

	data := env.Params.Data
	if data.Market == "" {
		return nil, fmt.Errorf("%w: missing market", ErrMalformed)
	}
	side, ok := models.NormalizeSide(data.Side)
	if !ok {
		return nil, fmt.Errorf("%w: unrecognised side %q", ErrMalformed, data.Side)
	}
	price, err := requireFloat(data.Price, "price")
	if err != nil {
		return nil, err
	}
	quantity, err := requireFloat(data.Size, "size")
	if err != nil {
		return nil, err
	}

	ts, source := eventTime(data.CreatedAt, 0, frame.ReceivedAt)
	rec := models.NewLiquidationRecord(ts, data.Market, side, price, quantity, source)
	return &rec, nil
}

func requireFloat(raw json.RawMessage, field string) (float64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("%w: missing %s", ErrMalformed, field)
	}
	var f flexFloat
	if err := f.UnmarshalJSON(raw); err != nil {
		return 0, fmt.Errorf("%w: non-numeric %s: %v", ErrMalformed, field, err)
	}
	if f < 0 {
		return 0, fmt.Errorf("%w: negative %s", ErrMalformed, field)
	}
	return float64(f), nil
}

// eventTime picks the exchange reported timestamp when the feed supplies one
// and falls back to the receipt time otherwise, recording which clock was
// used.
func eventTime(primaryMilli, secondaryMilli int64, receivedAt time.Time) (time.Time, models.TimeSource) {
	switch {
	case primaryMilli > 0:
		return time.UnixMilli(primaryMilli).UTC(), models.TimeSourceExchange
	case secondaryMilli > 0:
		return time.UnixMilli(secondaryMilli).UTC(), models.TimeSourceExchange
	default:
		return receivedAt.UTC(), models.TimeSourceReceipt
	}
}
