package bybit

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

var perp = market.Symbol{Base: "BTC", Quote: "USDT", Type: market.Perpetual}

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

func newAdapter(t *testing.T, kinds ...market.Kind) (*Adapter, *captureConn) {
	t.Helper()
	a := New(symbols.NewDirectory(), Options{})
	conn := &captureConn{}
	table := make(adapter.SubscriptionTable)
	for _, k := range kinds {
		table[k] = []market.Symbol{perp}
	}
	if err := a.Subscribe(context.Background(), conn, table); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	return a, conn
}

func TestSubscribePayload(t *testing.T) {
	_, conn := newAdapter(t, market.KindBook, market.KindTrades, market.KindFunding, market.KindOpenInterest)
	if len(conn.sent) != 1 {
		t.Fatalf("expected 1 subscribe frame, got %d", len(conn.sent))
	}

	var req struct {
		Op   string   `json:"op"`
		Args []string `json:"args"`
	}
	if err := json.Unmarshal(conn.sent[0], &req); err != nil {
		t.Fatalf("unmarshal subscribe: %v", err)
	}
	if req.Op != "subscribe" {
		t.Errorf("unexpected op: %s", req.Op)
	}

	want := map[string]bool{
		"orderbook.50.BTCUSDT": false,
		"publicTrade.BTCUSDT":  false,
		"tickers.BTCUSDT":      false,
	}
	for _, arg := range req.Args {
		if _, ok := want[arg]; !ok {
			t.Errorf("unexpected arg %q", arg)
			continue
		}
		if want[arg] {
			t.Errorf("duplicate arg %q", arg)
		}
		want[arg] = true
	}
	for arg, seen := range want {
		if !seen {
			t.Errorf("missing arg %q", arg)
		}
	}
}

func TestParseBookSnapshotAndDelta(t *testing.T) {
	a, _ := newAdapter(t, market.KindBook)
	out := &captureEmitter{}
	receipt := time.Now().UTC()

	snapshot := []byte(`{"topic":"orderbook.50.BTCUSDT","type":"snapshot","ts":1700000000000,` +
		`"data":{"s":"BTCUSDT","b":[["100","1"],["99","5"]],"a":[["101","2"]],"seq":10}}`)
	if err := a.Parse(snapshot, receipt, out); err != nil {
		t.Fatalf("Parse snapshot failed: %v", err)
	}
	if len(out.snaps) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(out.snaps))
	}
	snap := out.snaps[0]
	if snap.Symbol != perp {
		t.Errorf("unexpected symbol: %s", snap.Symbol)
	}
	if snap.Sequence == nil || *snap.Sequence != 10 {
		t.Errorf("unexpected sequence: %v", snap.Sequence)
	}
	if len(snap.Bids) != 2 || len(snap.Asks) != 1 {
		t.Errorf("unexpected levels: %d bids, %d asks", len(snap.Bids), len(snap.Asks))
	}

	delta := []byte(`{"topic":"orderbook.50.BTCUSDT","type":"delta","ts":1700000000100,` +
		`"data":{"s":"BTCUSDT","b":[["100","0"]],"a":[],"seq":11}}`)
	if err := a.Parse(delta, receipt, out); err != nil {
		t.Fatalf("Parse delta failed: %v", err)
	}
	if len(out.deltas) != 1 {
		t.Fatalf("expected 1 delta, got %d", len(out.deltas))
	}
	d := out.deltas[0]
	if len(d.Changes) != 1 || d.Changes[0].Side != market.Bid || !d.Changes[0].Size.IsZero() {
		t.Errorf("unexpected changes: %+v", d.Changes)
	}
}

func TestParseTrade(t *testing.T) {
	a, _ := newAdapter(t, market.KindTrades)
	out := &captureEmitter{}

	frame := []byte(`{"topic":"publicTrade.BTCUSDT","type":"snapshot","ts":1700000000000,` +
		`"data":[{"T":1700000000123,"s":"BTCUSDT","S":"Sell","v":"0.5","p":"42000.1","i":"abc"}]}`)
	if err := a.Parse(frame, time.Now(), out); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(out.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(out.events))
	}
	ev := out.events[0]
	if ev.Kind != market.KindTrades {
		t.Errorf("unexpected kind: %s", ev.Kind)
	}
	trade := ev.Payload.(*market.Trade)
	if trade.Side != market.Sell || trade.Price.String() != "42000.1" || trade.Amount.String() != "0.5" {
		t.Errorf("unexpected trade: %+v", trade)
	}
	if ev.Timestamp == nil || ev.Timestamp.UnixMilli() != 1700000000123 {
		t.Errorf("unexpected timestamp: %v", ev.Timestamp)
	}
}

func TestParseTickerEmitsOnceForRepeatedPayload(t *testing.T) {
	a, _ := newAdapter(t, market.KindFunding, market.KindOpenInterest)
	out := &captureEmitter{}

	frame := []byte(`{"topic":"tickers.BTCUSDT","type":"delta","ts":1700000000000,` +
		`"data":{"symbol":"BTCUSDT","markPrice":"42000","fundingRate":"0.0001",` +
		`"nextFundingTime":"1700028800000","openInterest":"12345.6"}}`)
	if err := a.Parse(frame, time.Now(), out); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	// One open interest and one funding event.
	if len(out.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(out.events))
	}
	if out.events[0].Kind != market.KindOpenInterest || out.events[1].Kind != market.KindFunding {
		t.Errorf("unexpected kinds: %s, %s", out.events[0].Kind, out.events[1].Kind)
	}
	funding := out.events[1].Payload.(*market.Funding)
	if funding.Rate.String() != "0.0001" || funding.MarkPrice == nil || funding.NextFundingTime == nil {
		t.Errorf("unexpected funding payload: %+v", funding)
	}

	// An identical delta is suppressed.
	if err := a.Parse(frame, time.Now(), out); err != nil {
		t.Fatalf("Parse repeat failed: %v", err)
	}
	if len(out.events) != 2 {
		t.Errorf("repeated ticker emitted %d extra events", len(out.events)-2)
	}

	// After a reconnect reset the same payload emits again.
	a.Reset()
	if err := a.Parse(frame, time.Now(), out); err != nil {
		t.Fatalf("Parse after reset failed: %v", err)
	}
	if len(out.events) != 4 {
		t.Errorf("expected re-emit after reset, got %d events", len(out.events))
	}
}

func TestParseOpAcknowledgements(t *testing.T) {
	a, _ := newAdapter(t, market.KindTrades)
	out := &captureEmitter{}

	if err := a.Parse([]byte(`{"op":"subscribe","success":true}`), time.Now(), out); err != nil {
		t.Errorf("successful ack rejected: %v", err)
	}

	err := a.Parse([]byte(`{"op":"subscribe","success":false,"ret_msg":"bad topic"}`), time.Now(), out)
	var pe *adapter.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError for failed ack, got %v", err)
	}
}

func TestParseUnknownTopic(t *testing.T) {
	a, _ := newAdapter(t, market.KindTrades)
	err := a.Parse([]byte(`{"topic":"mystery.BTCUSDT","data":{}}`), time.Now(), &captureEmitter{})
	var pe *adapter.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestAuthenticate(t *testing.T) {
	a := New(symbols.NewDirectory(), Options{APIKey: "key", APISecret: "secret"})
	conn := &captureConn{}
	if err := a.Authenticate(context.Background(), conn); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if len(conn.sent) != 1 {
		t.Fatalf("expected 1 auth frame, got %d", len(conn.sent))
	}

	var req struct {
		Op   string `json:"op"`
		Args []any  `json:"args"`
	}
	if err := json.Unmarshal(conn.sent[0], &req); err != nil {
		t.Fatalf("unmarshal auth: %v", err)
	}
	if req.Op != "auth" || len(req.Args) != 3 {
		t.Fatalf("unexpected auth frame: %+v", req)
	}
	if req.Args[0] != "key" {
		t.Errorf("unexpected api key arg: %v", req.Args[0])
	}
	sig, ok := req.Args[2].(string)
	if !ok || len(sig) != 64 {
		t.Errorf("unexpected signature: %v", req.Args[2])
	}

	noCreds := New(symbols.NewDirectory(), Options{})
	if err := noCreds.Authenticate(context.Background(), conn); err == nil {
		t.Error("Authenticate without credentials succeeded")
	}
}
