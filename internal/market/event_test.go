package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestSymbolStringRoundTrip(t *testing.T) {
	cases := []struct {
		sym  Symbol
		want string
	}{
		{Symbol{Base: "BTC", Quote: "USDT", Type: Spot}, "BTC-USDT"},
		{Symbol{Base: "BTC", Quote: "USDT", Type: Perpetual}, "BTC-USDT-PERP"},
		{Symbol{Base: "BTC", Quote: "USDT", Type: Future, Expiry: "240927"}, "BTC-USDT-240927"},
	}
	for _, tc := range cases {
		if got := tc.sym.String(); got != tc.want {
			t.Errorf("String() = %s, want %s", got, tc.want)
		}
		parsed, err := ParseSymbol(tc.want)
		if err != nil {
			t.Fatalf("ParseSymbol(%s) failed: %v", tc.want, err)
		}
		if parsed != tc.sym {
			t.Errorf("ParseSymbol(%s) = %+v, want %+v", tc.want, parsed, tc.sym)
		}
	}

	if _, err := ParseSymbol("BTCUSDT"); err == nil {
		t.Error("joined form accepted")
	}
	if _, err := ParseSymbol("A-B-C-D"); err == nil {
		t.Error("four-part form accepted")
	}
}

func TestTradeRecord(t *testing.T) {
	ts := time.Unix(0, 1700000000123456789).UTC()
	ev := &Event{
		Kind:      KindTrades,
		Exchange:  "bybit",
		Symbol:    Symbol{Base: "BTC", Quote: "USDT", Type: Perpetual},
		Timestamp: &ts,
		Receipt:   ts.Add(5 * time.Millisecond),
		Payload: &Trade{
			Side:   Sell,
			Amount: decimal.RequireFromString("0.5"),
			Price:  decimal.RequireFromString("42000.1"),
			ID:     "abc",
		},
	}

	r := ev.Record()
	if r["symbol"] != "BTC-USDT-PERP" {
		t.Errorf("unexpected symbol: %v", r["symbol"])
	}
	if *r["timestamp"].(*int64) != 1700000000123456789 {
		t.Errorf("unexpected timestamp: %v", r["timestamp"])
	}
	if r["receipt_timestamp"].(int64) != ts.Add(5*time.Millisecond).UnixNano() {
		t.Errorf("unexpected receipt: %v", r["receipt_timestamp"])
	}
	if r["side"] != "sell" || r["price"] != 42000.1 || r["amount"] != 0.5 {
		t.Errorf("unexpected trade fields: %v", r)
	}
	// An unreported order type is a null, not an empty string.
	if r["type"].(*string) != nil {
		t.Errorf("unexpected type: %v", r["type"])
	}
}

func TestRecordNullTimestamp(t *testing.T) {
	ev := &Event{
		Kind:    KindOpenInterest,
		Symbol:  Symbol{Base: "BTC", Quote: "USDT", Type: Perpetual},
		Receipt: time.Now(),
		Payload: &OpenInterest{Amount: decimal.RequireFromString("12345.6")},
	}

	r := ev.Record()
	if r["timestamp"].(*int64) != nil {
		t.Errorf("missing venue timestamp not null: %v", r["timestamp"])
	}
	if r["open_interest"] != 12345.6 {
		t.Errorf("unexpected open interest: %v", r["open_interest"])
	}
}

func TestFundingRecordOptionalFields(t *testing.T) {
	mark := decimal.RequireFromString("42000")
	next := time.UnixMilli(1700028800000).UTC()
	full := &Event{
		Kind:    KindFunding,
		Symbol:  Symbol{Base: "BTC", Quote: "USDT", Type: Perpetual},
		Receipt: time.Now(),
		Payload: &Funding{
			MarkPrice:       &mark,
			Rate:            decimal.RequireFromString("0.0001"),
			NextFundingTime: &next,
		},
	}
	r := full.Record()
	if *r["mark_price"].(*float64) != 42000 {
		t.Errorf("unexpected mark price: %v", r["mark_price"])
	}
	if *r["next_funding_time"].(*int64) != next.UnixNano() {
		t.Errorf("unexpected next funding time: %v", r["next_funding_time"])
	}
	if r["predicted_rate"].(*float64) != nil {
		t.Errorf("unexpected predicted rate: %v", r["predicted_rate"])
	}

	bare := &Event{
		Kind:    KindFunding,
		Symbol:  Symbol{Base: "BTC", Quote: "USDT", Type: Perpetual},
		Receipt: time.Now(),
		Payload: &Funding{Rate: decimal.RequireFromString("0.0001")},
	}
	r = bare.Record()
	if r["mark_price"].(*float64) != nil || r["next_funding_time"].(*int64) != nil {
		t.Errorf("optional fields not null: %v", r)
	}
}

func TestKindsStableOrder(t *testing.T) {
	kinds := Kinds()
	if len(kinds) != 8 {
		t.Fatalf("expected 8 kinds, got %d", len(kinds))
	}
	if kinds[0] != KindTrades || kinds[1] != KindBook {
		t.Errorf("unexpected order: %v", kinds)
	}
}
