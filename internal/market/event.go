// Package market defines the canonical event model shared by every stage of
// the pipeline. Events are immutable once constructed: ownership transfers to
// the dispatcher, which may fan the same event out to several sinks, so sinks
// must never mutate event data.
package market

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Kind identifies the variant carried by an Event. The string values double
// as persistence event types, so they appear in file paths and metadata.
type Kind string

const (
	KindTrades       Kind = "trades"
	KindBook         Kind = "book"
	KindCandles      Kind = "candles"
	KindFunding      Kind = "funding"
	KindOpenInterest Kind = "open_interest"
	KindLiquidations Kind = "liquidations"
	KindOrderInfo    Kind = "order_info"
	KindFills        Kind = "fills"
)

// Kinds lists every event kind, in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindTrades, KindBook, KindCandles, KindFunding,
		KindOpenInterest, KindLiquidations, KindOrderInfo, KindFills,
	}
}

// Side of a trade, fill or liquidation.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Record is the flat field projection of one event, consumed by the
// persistence engine. Values are limited to the types the columnar schema
// inference understands; typed nil pointers carry nulls.
type Record map[string]any

// Payload is the closed set of event variants.
type Payload interface {
	fields(r Record)
}

// Event is one canonical market-data occurrence.
type Event struct {
	Kind      Kind
	Exchange  string
	Symbol    Symbol
	Timestamp *time.Time // venue-reported, nil when the venue sent none
	Receipt   time.Time  // local arrival time
	Raw       json.RawMessage
	Payload   Payload
}

// Record flattens the event for persistence: common fields first, then the
// variant's own. Timestamps are integer nanoseconds since epoch; a missing
// venue timestamp becomes a null, never a sentinel.
func (e *Event) Record() Record {
	r := Record{
		"symbol":            e.Symbol.String(),
		"timestamp":         nanosPtr(e.Timestamp),
		"receipt_timestamp": e.Receipt.UnixNano(),
	}
	e.Payload.fields(r)
	return r
}

func nanosPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	n := t.UnixNano()
	return &n
}

func dec(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func decPtr(d *decimal.Decimal) *float64 {
	if d == nil {
		return nil
	}
	f, _ := d.Float64()
	return &f
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
