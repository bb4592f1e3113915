package binance

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

func newAdapter(t *testing.T, kinds ...market.Kind) *Adapter {
	t.Helper()
	a := New(symbols.NewDirectory(), Options{SnapshotURL: "https://fapi.test/fapi/v1/depth"})
	table := make(adapter.SubscriptionTable)
	for _, k := range kinds {
		table[k] = []market.Symbol{perp}
	}
	if err := a.Subscribe(context.Background(), &captureConn{}, table); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	return a
}

func TestSubscribePayload(t *testing.T) {
	a := New(symbols.NewDirectory(), Options{})
	conn := &captureConn{}
	err := a.Subscribe(context.Background(), conn, adapter.SubscriptionTable{
		market.KindBook:   {perp},
		market.KindTrades: {perp},
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if len(conn.sent) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(conn.sent))
	}

	var req struct {
		Method string   `json:"method"`
		Params []string `json:"params"`
		ID     int64    `json:"id"`
	}
	if err := json.Unmarshal(conn.sent[0], &req); err != nil {
		t.Fatalf("unmarshal subscribe: %v", err)
	}
	if req.Method != "SUBSCRIBE" || req.ID == 0 {
		t.Errorf("unexpected frame: %+v", req)
	}
	want := map[string]bool{"btcusdt@depth@100ms": false, "btcusdt@aggTrade": false}
	for _, p := range req.Params {
		if _, ok := want[p]; !ok {
			t.Errorf("unexpected param %q", p)
		}
		want[p] = true
	}
	for p, seen := range want {
		if !seen {
			t.Errorf("missing param %q", p)
		}
	}
}

func TestParseDepthUpdate(t *testing.T) {
	a := newAdapter(t, market.KindBook)
	out := &captureEmitter{}

	frame := []byte(`{"e":"depthUpdate","E":1700000000000,"T":1699999999990,"s":"BTCUSDT",` +
		`"U":100,"u":110,"pu":99,"b":[["42000.1","1.5"]],"a":[["42001","0"]]}`)
	if err := a.Parse(frame, time.Now(), out); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(out.deltas) != 1 {
		t.Fatalf("expected 1 delta, got %d", len(out.deltas))
	}

	d := out.deltas[0]
	if d.Symbol != perp {
		t.Errorf("unexpected symbol: %s", d.Symbol)
	}
	if *d.Sequence != 110 || *d.PrevSequence != 99 || *d.FirstSequence != 100 {
		t.Errorf("unexpected ids: u=%d pu=%d U=%d", *d.Sequence, *d.PrevSequence, *d.FirstSequence)
	}
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

func TestParseCombinedStreamFrame(t *testing.T) {
	a := newAdapter(t, market.KindTrades)
	out := &captureEmitter{}

	frame := []byte(`{"stream":"btcusdt@aggTrade","data":{"e":"aggTrade","E":1700000000000,` +
		`"s":"BTCUSDT","a":123,"p":"42000","q":"0.5","T":1700000000001,"m":true}}`)
	if err := a.Parse(frame, time.Now(), out); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(out.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(out.events))
	}

	trade := out.events[0].Payload.(*market.Trade)
	// Maker flag set means the aggressor sold.
	if trade.Side != market.Sell {
		t.Errorf("unexpected side: %s", trade.Side)
	}
	if trade.ID != "123" {
		t.Errorf("unexpected id: %s", trade.ID)
	}
}

func TestParseForceOrder(t *testing.T) {
	a := newAdapter(t, market.KindLiquidations)
	out := &captureEmitter{}

	frame := []byte(`{"e":"forceOrder","E":1700000000000,"o":{"s":"BTCUSDT","S":"SELL",` +
		`"o":"LIMIT","f":"IOC","q":"0.014","p":"41000","ap":"41002.5","X":"FILLED",` +
		`"l":"0.014","z":"0.014","T":1700000000001}}`)
	if err := a.Parse(frame, time.Now(), out); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(out.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(out.events))
	}

	ev := out.events[0]
	if ev.Kind != market.KindLiquidations || ev.Symbol != perp {
		t.Errorf("unexpected envelope: kind=%s symbol=%s", ev.Kind, ev.Symbol)
	}
	liq := ev.Payload.(*market.Liquidation)
	if liq.Side != market.Sell {
		t.Errorf("unexpected side: %s", liq.Side)
	}
	if liq.Price.String() != "41000" || liq.Quantity.String() != "0.014" {
		t.Errorf("unexpected order: price=%s qty=%s", liq.Price, liq.Quantity)
	}
	if liq.Status != "FILLED" {
		t.Errorf("unexpected status: %q", liq.Status)
	}
	if ev.Timestamp == nil || ev.Timestamp.UnixMilli() != 1700000000001 {
		t.Errorf("unexpected timestamp: %v", ev.Timestamp)
	}
}

func TestParseSubscribeAck(t *testing.T) {
	a := newAdapter(t, market.KindTrades)
	if err := a.Parse([]byte(`{"result":null,"id":1}`), time.Now(), &captureEmitter{}); err != nil {
		t.Errorf("subscribe ack rejected: %v", err)
	}

	err := a.Parse([]byte(`{"hello":"world"}`), time.Now(), &captureEmitter{})
	var pe *adapter.ParseError
	if !errors.As(err, &pe) {
		t.Errorf("expected ParseError for unknown frame, got %v", err)
	}
}

func TestSnapshotURL(t *testing.T) {
	a := newAdapter(t, market.KindBook)
	url, err := a.SnapshotURL(perp)
	if err != nil {
		t.Fatalf("SnapshotURL failed: %v", err)
	}
	if url != "https://fapi.test/fapi/v1/depth?symbol=BTCUSDT&limit=1000" {
		t.Errorf("unexpected url: %s", url)
	}

	bare := New(symbols.NewDirectory(), Options{})
	if _, err := bare.SnapshotURL(perp); err == nil {
		t.Error("SnapshotURL without configuration succeeded")
	}
}

func TestParseSnapshot(t *testing.T) {
	a := newAdapter(t, market.KindBook)
	out := &captureEmitter{}

	body := []byte(`{"lastUpdateId":500,"E":1700000000000,"T":1699999999990,` +
		`"bids":[["42000","1"],["41999","2"]],"asks":[["42001","3"]]}`)
	if err := a.ParseSnapshot(perp, body, time.Now(), out); err != nil {
		t.Fatalf("ParseSnapshot failed: %v", err)
	}
	if len(out.snaps) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(out.snaps))
	}
	snap := out.snaps[0]
	if *snap.Sequence != 500 {
		t.Errorf("unexpected sequence: %d", *snap.Sequence)
	}
	if len(snap.Bids) != 2 || len(snap.Asks) != 1 {
		t.Errorf("unexpected levels: %d bids, %d asks", len(snap.Bids), len(snap.Asks))
	}
}
