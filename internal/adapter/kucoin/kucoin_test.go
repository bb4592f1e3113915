package kucoin

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"feedflow/internal/adapter"
	"feedflow/internal/book"
	"feedflow/internal/market"
	"feedflow/internal/symbols"
)

var spot = market.Symbol{Base: "BTC", Quote: "USDT", Type: market.Spot}

type captureConn struct {
	sent [][]byte
}

func (c *captureConn) Send(ctx context.Context, payload []byte) error {
	c.sent = append(c.sent, payload)
	return nil
}

type captureEmitter struct {
	events []*market.Event
	snaps  []book.Snapshot
	deltas []book.Delta
}

func (e *captureEmitter) Event(ev *market.Event)       { e.events = append(e.events, ev) }
func (e *captureEmitter) BookSnapshot(s book.Snapshot) { e.snaps = append(e.snaps, s) }
func (e *captureEmitter) BookDelta(d book.Delta)       { e.deltas = append(e.deltas, d) }

func newAdapter(t *testing.T, opts Options, kinds ...market.Kind) (*Adapter, *captureConn) {
	t.Helper()
	a := New(symbols.NewDirectory(), opts)
	conn := &captureConn{}
	table := make(adapter.SubscriptionTable)
	for _, k := range kinds {
		table[k] = []market.Symbol{spot}
	}
	if err := a.Subscribe(context.Background(), conn, table); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	return a, conn
}

func sentTopics(t *testing.T, conn *captureConn) map[string]bool {
	t.Helper()
	topics := make(map[string]bool, len(conn.sent))
	for _, frame := range conn.sent {
		var req struct {
			ID       int64  `json:"id"`
			Type     string `json:"type"`
			Topic    string `json:"topic"`
			Response bool   `json:"response"`
		}
		if err := json.Unmarshal(frame, &req); err != nil {
			t.Fatalf("unmarshal subscribe: %v", err)
		}
		if req.Type != "subscribe" || req.ID == 0 || !req.Response {
			t.Errorf("unexpected frame: %+v", req)
		}
		topics[req.Topic] = true
	}
	return topics
}

func TestSubscribeDepth50Topics(t *testing.T) {
	_, conn := newAdapter(t, Options{}, market.KindBook, market.KindTrades)
	topics := sentTopics(t, conn)
	if len(topics) != 2 {
		t.Fatalf("expected 2 topics, got %v", topics)
	}
	if !topics["/spotMarket/level2Depth50:BTC-USDT"] {
		t.Errorf("missing depth50 topic: %v", topics)
	}
	if !topics["/market/match:BTC-USDT"] {
		t.Errorf("missing match topic: %v", topics)
	}
}

func TestSubscribeLevel2AndCandlesTopics(t *testing.T) {
	_, conn := newAdapter(t, Options{Book: BookLevel2, CandleInterval: "5min"},
		market.KindBook, market.KindCandles)
	topics := sentTopics(t, conn)
	if !topics["/market/level2:BTC-USDT"] {
		t.Errorf("missing level2 topic: %v", topics)
	}
	if !topics["/market/candles:BTC-USDT_5min"] {
		t.Errorf("missing candles topic: %v", topics)
	}
}

func TestGapPolicyFollowsBookMode(t *testing.T) {
	if got := New(symbols.NewDirectory(), Options{}).GapPolicy(); got != book.GapPolicyNone {
		t.Errorf("depth50 policy: %v", got)
	}
	if got := New(symbols.NewDirectory(), Options{Book: BookLevel2}).GapPolicy(); got != book.GapPolicyExact {
		t.Errorf("level2 policy: %v", got)
	}
}

func TestParseControlFrames(t *testing.T) {
	a, _ := newAdapter(t, Options{}, market.KindTrades)
	out := &captureEmitter{}

	for _, frame := range []string{
		`{"id":"1","type":"welcome"}`,
		`{"id":"2","type":"ack"}`,
		`{"id":"3","type":"pong"}`,
	} {
		if err := a.Parse([]byte(frame), time.Now(), out); err != nil {
			t.Errorf("control frame rejected: %v", err)
		}
	}
	if len(out.events) != 0 {
		t.Errorf("control frames emitted %d events", len(out.events))
	}

	var pe *adapter.ParseError
	if err := a.Parse([]byte(`{"id":"4","type":"error","code":401}`), time.Now(), out); !errors.As(err, &pe) {
		t.Errorf("expected ParseError for error frame, got %v", err)
	}
	if err := a.Parse([]byte(`{"type":"mystery"}`), time.Now(), out); !errors.As(err, &pe) {
		t.Errorf("expected ParseError for unknown type, got %v", err)
	}
}

func TestParseDepth50Snapshot(t *testing.T) {
	a, _ := newAdapter(t, Options{}, market.KindBook)
	out := &captureEmitter{}

	frame := []byte(`{"type":"message","topic":"/spotMarket/level2Depth50:BTC-USDT",` +
		`"subject":"level2","data":{"bids":[["42000","1"],["41999","2"]],` +
		`"asks":[["42001","3"]],"timestamp":1700000000123}}`)
	if err := a.Parse(frame, time.Now(), out); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(out.snaps) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(out.snaps))
	}

	snap := out.snaps[0]
	if snap.Symbol != spot {
		t.Errorf("unexpected symbol: %s", snap.Symbol)
	}
	// The depth50 feed carries no sequencing.
	if snap.Sequence != nil {
		t.Errorf("unexpected sequence: %d", *snap.Sequence)
	}
	if len(snap.Bids) != 2 || len(snap.Asks) != 1 {
		t.Errorf("unexpected levels: %d bids, %d asks", len(snap.Bids), len(snap.Asks))
	}
	if snap.Timestamp == nil || snap.Timestamp.UnixMilli() != 1700000000123 {
		t.Errorf("unexpected timestamp: %v", snap.Timestamp)
	}
}

func TestParseLevel2Delta(t *testing.T) {
	a, _ := newAdapter(t, Options{Book: BookLevel2}, market.KindBook)
	out := &captureEmitter{}

	frame := []byte(`{"type":"message","topic":"/market/level2:BTC-USDT",` +
		`"subject":"trade.l2update","data":{"sequenceStart":101,"sequenceEnd":103,` +
		`"symbol":"BTC-USDT","changes":{"bids":[["42000.1","1.5","101"],["0","0","102"]],` +
		`"asks":[["42001","0","103"]]},"time":1700000000200}}`)
	if err := a.Parse(frame, time.Now(), out); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(out.deltas) != 1 {
		t.Fatalf("expected 1 delta, got %d", len(out.deltas))
	}

	d := out.deltas[0]
	if *d.Sequence != 103 || *d.PrevSequence != 100 || *d.FirstSequence != 101 {
		t.Errorf("unexpected ids: seq=%d prev=%d first=%d",
			*d.Sequence, *d.PrevSequence, *d.FirstSequence)
	}
	// The zero-price placeholder is dropped; the zero-size ask survives as
	// a removal.
	if len(d.Changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(d.Changes))
	}
	if d.Changes[0].Side != market.Bid || d.Changes[0].Price.String() != "42000.1" {
		t.Errorf("unexpected bid change: %+v", d.Changes[0])
	}
	if d.Changes[1].Side != market.Ask || !d.Changes[1].Size.IsZero() {
		t.Errorf("unexpected ask change: %+v", d.Changes[1])
	}
}

func TestParseMatch(t *testing.T) {
	a, _ := newAdapter(t, Options{}, market.KindTrades)
	out := &captureEmitter{}

	frame := []byte(`{"type":"message","topic":"/market/match:BTC-USDT",` +
		`"subject":"trade.l3match","data":{"sequence":"1545896669145","symbol":"BTC-USDT",` +
		`"side":"buy","price":"42000.5","size":"0.25","tradeId":"t-1",` +
		`"time":"1700000000123456789"}}`)
	if err := a.Parse(frame, time.Now(), out); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(out.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(out.events))
	}

	ev := out.events[0]
	if ev.Kind != market.KindTrades || ev.Symbol != spot {
		t.Errorf("unexpected event: kind=%s symbol=%s", ev.Kind, ev.Symbol)
	}
	if ev.Timestamp == nil || ev.Timestamp.UnixNano() != 1700000000123456789 {
		t.Errorf("unexpected timestamp: %v", ev.Timestamp)
	}
	trade := ev.Payload.(*market.Trade)
	if trade.Side != market.Buy || trade.Price.String() != "42000.5" || trade.ID != "t-1" {
		t.Errorf("unexpected trade: %+v", trade)
	}
}

func TestParseCandles(t *testing.T) {
	a, _ := newAdapter(t, Options{CandleInterval: "5min"}, market.KindCandles)
	out := &captureEmitter{}

	frame := []byte(`{"type":"message","topic":"/market/candles:BTC-USDT_5min",` +
		`"subject":"trade.candles.update","data":{"symbol":"BTC-USDT",` +
		`"candles":["1700000100","42000","42010","42020","41990","12.5","525000"],` +
		`"time":1700000000123456789}}`)
	if err := a.Parse(frame, time.Now(), out); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(out.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(out.events))
	}

	candle := out.events[0].Payload.(*market.Candle)
	if candle.Interval != "5min" {
		t.Errorf("unexpected interval: %s", candle.Interval)
	}
	if candle.Start.Unix() != 1700000100 {
		t.Errorf("unexpected start: %v", candle.Start)
	}
	if got := candle.Stop.Sub(candle.Start); got != 5*time.Minute {
		t.Errorf("unexpected candle span: %v", got)
	}
	if candle.Open.String() != "42000" || candle.Close.String() != "42010" ||
		candle.High.String() != "42020" || candle.Low.String() != "41990" {
		t.Errorf("unexpected prices: %+v", candle)
	}
	if candle.Volume.String() != "12.5" {
		t.Errorf("unexpected volume: %s", candle.Volume)
	}
}

func TestParseUnknownTopic(t *testing.T) {
	a, _ := newAdapter(t, Options{}, market.KindTrades)
	err := a.Parse([]byte(`{"type":"message","topic":"/margin/position","data":{}}`), time.Now(), &captureEmitter{})
	var pe *adapter.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}
