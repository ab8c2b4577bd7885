package normalize

import (
	"errors"
	"testing"
	"time"

	"liqflow/internal/models"
)

func frame(t *testing.T, payload string) models.RawFrame {
	t.Helper()
	return models.RawFrame{
		Payload:    []byte(payload),
		ReceivedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNewUnknownSchema(t *testing.T) {
	if _, err := New("candles"); !errors.Is(err, ErrUnknownSchema) {
		t.Fatalf("expected ErrUnknownSchema, got %v", err)
	}
}

func TestNormalizeForceOrder(t *testing.T) {
	n, err := New(SchemaForceOrder)
	if err != nil {
		t.Fatal(err)
	}

	payload := `{"e":"forceOrder","E":1714564800000,"o":{"s":"BTCUSDT","S":"SELL","q":"0.014","p":"9910","ap":"9910.5","T":1714564800123}}`
	rec, err := n.Normalize(frame(t, payload))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if rec == nil {
		t.Fatal("expected a record")
	}
	if rec.Symbol != "BTCUSDT" || rec.Side != models.SideSell {
		t.Errorf("unexpected symbol/side: %s %s", rec.Symbol, rec.Side)
	}
	if rec.Price != 9910.5 || rec.Quantity != 0.014 {
		t.Errorf("unexpected price/quantity: %v %v", rec.Price, rec.Quantity)
	}
	if rec.Value != 9910.5*0.014 {
		t.Errorf("value not computed from price*quantity: %v", rec.Value)
	}
	if rec.Timestamp != time.UnixMilli(1714564800123).UTC() {
		t.Errorf("expected exchange trade time, got %v", rec.Timestamp)
	}
	if rec.TimeSource != models.TimeSourceExchange {
		t.Errorf("time source = %q", rec.TimeSource)
	}
}

func TestNormalizeForceOrderSkipsOtherEvents(t *testing.T) {
	n, _ := New(SchemaForceOrder)
	rec, err := n.Normalize(frame(t, `{"e":"aggTrade","s":"BTCUSDT","p":"100"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec != nil {
		t.Fatal("non forceOrder event must not produce a record")
	}
}

func TestNormalizeForceOrderMissingPrice(t *testing.T) {
	n, _ := New(SchemaForceOrder)
	payload := `{"e":"forceOrder","o":{"s":"BTCUSDT","S":"SELL","q":"0.014"}}`
	rec, err := n.Normalize(frame(t, payload))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if rec != nil {
		t.Fatal("malformed frame must not produce a record")
	}
}

func TestNormalizeForceOrderFallsBackToReceiptTime(t *testing.T) {
	n, _ := New(SchemaForceOrder)
	payload := `{"e":"forceOrder","o":{"s":"BTCUSDT","S":"BUY","q":"1","ap":"100"}}`
	rec, err := n.Normalize(frame(t, payload))
	if err != nil {
		t.Fatal(err)
	}
	if rec.TimeSource != models.TimeSourceReceipt {
		t.Errorf("time source = %q, want receipt", rec.TimeSource)
	}
	if !rec.Timestamp.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("timestamp = %v, want receipt time", rec.Timestamp)
	}
}

func TestNormalizeTrades(t *testing.T) {
	n, err := New(SchemaTrades)
	if err != nil {
		t.Fatal(err)
	}

	payload := `{"jsonrpc":"2.0","method":"subscription","params":{"channel":"trades.ALL","data":{"market":"ETH-USD-PERP","side":"buy","price":"2000.25","size":"0.5","trade_type":"liquidation","created_at":1714564800500}}}`
	rec, err := n.Normalize(frame(t, payload))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if rec == nil {
		t.Fatal("expected a record")
	}
	if rec.Symbol != "ETH-USD-PERP" || rec.Side != models.SideBuy {
		t.Errorf("unexpected symbol/side: %s %s", rec.Symbol, rec.Side)
	}
	if rec.Value != 2000.25*0.5 {
		t.Errorf("value = %v", rec.Value)
	}
	if rec.Timestamp != time.UnixMilli(1714564800500).UTC() {
		t.Errorf("timestamp = %v", rec.Timestamp)
	}
}

func TestNormalizeTradesSkipsNonLiquidations(t *testing.T) {
	n, _ := New(SchemaTrades)

	cases := []string{
		// plain fill on the same channel
		`{"method":"subscription","params":{"channel":"trades.ALL","data":{"market":"ETH-USD-PERP","side":"sell","price":"1","size":"1","trade_type":"fill"}}}`,
		// subscription ack
		`{"jsonrpc":"2.0","id":1,"result":{"channel":"trades.ALL"}}`,
	}
	for _, payload := range cases {
		rec, err := n.Normalize(frame(t, payload))
		if err != nil {
			t.Errorf("unexpected error for %s: %v", payload, err)
		}
		if rec != nil {
			t.Errorf("expected no record for %s", payload)
		}
	}
}

func TestNormalizeTradesNumericVariants(t *testing.T) {
	n, _ := New(SchemaTrades)
	// bare numbers instead of quoted strings
	payload := `{"method":"subscription","params":{"channel":"trades.ALL","data":{"market":"SOL-USD-PERP","side":"SELL","price":150.5,"size":2,"trade_type":"liquidation","created_at":1714564800000}}}`
	rec, err := n.Normalize(frame(t, payload))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Price != 150.5 || rec.Quantity != 2 {
		t.Errorf("price/quantity = %v/%v", rec.Price, rec.Quantity)
	}
}

func TestNormalizeDecodeError(t *testing.T) {
	for _, schema := range []Schema{SchemaForceOrder, SchemaTrades} {
		n, _ := New(schema)
		rec, err := n.Normalize(frame(t, `{{{not json`))
		if !errors.Is(err, ErrDecode) {
			t.Errorf("schema %s: expected ErrDecode, got %v", schema, err)
		}
		if rec != nil {
			t.Errorf("schema %s: record from garbage frame", schema)
		}
	}
}

func TestNormalizeMalformedVariants(t *testing.T) {
	n, _ := New(SchemaTrades)
	cases := map[string]string{
		"missing market": `{"method":"subscription","params":{"channel":"trades.ALL","data":{"side":"SELL","price":"1","size":"1","trade_type":"liquidation"}}}`,
		"bad side":       `{"method":"subscription","params":{"channel":"trades.ALL","data":{"market":"X","side":"SIDEWAYS","price":"1","size":"1","trade_type":"liquidation"}}}`,
		"bad price":      `{"method":"subscription","params":{"channel":"trades.ALL","data":{"market":"X","side":"SELL","price":"abc","size":"1","trade_type":"liquidation"}}}`,
		"negative size":  `{"method":"subscription","params":{"channel":"trades.ALL","data":{"market":"X","side":"SELL","price":"1","size":"-1","trade_type":"liquidation"}}}`,
	}
	for name, payload := range cases {
		if _, err := n.Normalize(frame(t, payload)); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: expected ErrMalformed, got %v", name, err)
		}
	}
}
