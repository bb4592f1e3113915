// Package binance implements the Binance USD-margined futures websocket
// grammar. Frames are decoded into the official SDK's websocket event
// structs; depth deltas chain through the pu field and the initial book
// snapshot comes from the REST depth endpoint.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"feedflow/internal/adapter"
	"feedflow/internal/book"
	"feedflow/internal/market"
	"feedflow/internal/symbols"
)

const Exchange = "binance"

// Options tunes one Binance connection.
type Options struct {
	SnapshotURL   string // REST depth endpoint, e.g. https://fapi.binance.com/fapi/v1/depth
	SnapshotDepth int    // defaults to 1000
	KlineInterval string // defaults to "1m"
}

// Adapter parses Binance frames. One Adapter serves one connection.
type Adapter struct {
	dir   *symbols.Directory
	opts  Options
	table map[string]market.Symbol
	subID int64
}

// New creates a Binance adapter resolving symbols through dir.
func New(dir *symbols.Directory, opts Options) *Adapter {
	if opts.SnapshotDepth <= 0 {
		opts.SnapshotDepth = 1000
	}
	if opts.KlineInterval == "" {
		opts.KlineInterval = "1m"
	}
	return &Adapter{
		dir:   dir,
		opts:  opts,
		table: make(map[string]market.Symbol),
	}
}

func (a *Adapter) Exchange() string { return Exchange }

// GapPolicy is Exact: each depth event's pu must equal the previous
// event's u.
func (a *Adapter) GapPolicy() book.GapPolicy { return book.GapPolicyExact }

// Subscribe sends SUBSCRIBE requests for the table's streams.
func (a *Adapter) Subscribe(ctx context.Context, conn adapter.Conn, table adapter.SubscriptionTable) error {
	var params []string
	for kind, syms := range table {
		for _, sym := range syms {
			native, err := a.dir.Native(Exchange, sym)
			if err != nil {
				return err
			}
			a.table[native] = sym
			stream := strings.ToLower(native)
			switch kind {
			case market.KindBook:
				params = append(params, stream+"@depth@100ms")
			case market.KindTrades:
				params = append(params, stream+"@aggTrade")
			case market.KindCandles:
				params = append(params, stream+"@kline_"+a.opts.KlineInterval)
			case market.KindFunding:
				params = append(params, stream+"@markPrice")
			case market.KindLiquidations:
				params = append(params, stream+"@forceOrder")
			}
		}
	}
	if len(params) == 0 {
		return nil
	}

	a.subID++
	payload, err := json.Marshal(map[string]any{
		"method": "SUBSCRIBE",
		"params": params,
		"id":     a.subID,
	})
	if err != nil {
		return err
	}
	return conn.Send(ctx, payload)
}

// SnapshotURL builds the REST depth request for one subscribed symbol. The
// caller fetches it and hands the body to ParseSnapshot.
func (a *Adapter) SnapshotURL(sym market.Symbol) (string, error) {
	if a.opts.SnapshotURL == "" {
		return "", fmt.Errorf("binance: snapshot url not configured")
	}
	native, err := a.dir.Native(Exchange, sym)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s?symbol=%s&limit=%d", a.opts.SnapshotURL, native, a.opts.SnapshotDepth), nil
}

// ParseSnapshot decodes a REST depth response and emits it as the book's
// authoritative snapshot.
func (a *Adapter) ParseSnapshot(sym market.Symbol, body []byte, receipt time.Time, out adapter.Emitter) error {
	var resp futures.DepthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return &adapter.ParseError{Exchange: Exchange, Raw: body, Err: err}
	}
	bids, err := priceLevels(resp.Bids)
	if err != nil {
		return &adapter.ParseError{Exchange: Exchange, Raw: body, Err: err}
	}
	asks, err := askLevels(resp.Asks)
	if err != nil {
		return &adapter.ParseError{Exchange: Exchange, Raw: body, Err: err}
	}
	seq := resp.LastUpdateID
	var ts *time.Time
	if resp.Time > 0 {
		t := time.UnixMilli(resp.Time).UTC()
		ts = &t
	}
	out.BookSnapshot(book.Snapshot{
		Exchange:  Exchange,
		Symbol:    sym,
		Sequence:  &seq,
		Bids:      bids,
		Asks:      asks,
		Timestamp: ts,
		Receipt:   receipt,
		Raw:       body,
	})
	return nil
}

type streamFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type eventHeader struct {
	Event  string `json:"e"`
	ID     *int64 `json:"id"`
	Result any    `json:"result"`
}

// Parse routes one frame by its event type, unwrapping the combined-stream
// envelope when present.
func (a *Adapter) Parse(raw []byte, receipt time.Time, out adapter.Emitter) error {
	payload := raw
	var frame streamFrame
	if err := json.Unmarshal(raw, &frame); err == nil && frame.Stream != "" {
		payload = frame.Data
	}

	var head eventHeader
	if err := json.Unmarshal(payload, &head); err != nil {
		return &adapter.ParseError{Exchange: Exchange, Raw: raw, Err: err}
	}
	if head.Event == "" {
		if head.ID != nil {
			// subscribe acknowledgement
			return nil
		}
		return &adapter.ParseError{Exchange: Exchange, Raw: raw, Err: fmt.Errorf("frame without event type")}
	}

	var err error
	switch head.Event {
	case "depthUpdate":
		err = a.parseDepth(payload, raw, receipt, out)
	case "aggTrade":
		err = a.parseAggTrade(payload, raw, receipt, out)
	case "kline":
		err = a.parseKline(payload, raw, receipt, out)
	case "markPriceUpdate":
		err = a.parseMarkPrice(payload, raw, receipt, out)
	case "forceOrder":
		err = a.parseForceOrder(payload, raw, receipt, out)
	default:
		err = fmt.Errorf("unrecognized event type %q", head.Event)
	}
	if err != nil {
		if _, ok := err.(*adapter.ParseError); ok {
			return err
		}
		return &adapter.ParseError{Exchange: Exchange, Raw: raw, Err: err}
	}
	return nil
}

func (a *Adapter) symbol(native string) (market.Symbol, error) {
	if sym, ok := a.table[native]; ok {
		return sym, nil
	}
	return a.dir.Canonical(Exchange, native)
}

func (a *Adapter) parseDepth(payload, raw []byte, receipt time.Time, out adapter.Emitter) error {
	var ev futures.WsDepthEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	sym, err := a.symbol(ev.Symbol)
	if err != nil {
		return err
	}

	changes := make([]market.Change, 0, len(ev.Bids)+len(ev.Asks))
	for _, b := range ev.Bids {
		c, err := change(market.Bid, b.Price, b.Quantity)
		if err != nil {
			return err
		}
		changes = append(changes, c)
	}
	for _, ask := range ev.Asks {
		c, err := change(market.Ask, ask.Price, ask.Quantity)
		if err != nil {
			return err
		}
		changes = append(changes, c)
	}

	ts := time.UnixMilli(ev.Time).UTC()
	seq, prev, first := ev.LastUpdateID, ev.PrevLastUpdateID, ev.FirstUpdateID
	out.BookDelta(book.Delta{
		Exchange:      Exchange,
		Symbol:        sym,
		Sequence:      &seq,
		PrevSequence:  &prev,
		FirstSequence: &first,
		Changes:       changes,
		Timestamp:     &ts,
		Receipt:       receipt,
		Raw:           raw,
	})
	return nil
}

func (a *Adapter) parseAggTrade(payload, raw []byte, receipt time.Time, out adapter.Emitter) error {
	var ev futures.WsAggTradeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	sym, err := a.symbol(ev.Symbol)
	if err != nil {
		return err
	}
	price, err := decimal.NewFromString(ev.Price)
	if err != nil {
		return err
	}
	qty, err := decimal.NewFromString(ev.Quantity)
	if err != nil {
		return err
	}

	// The aggressor side is the opposite of the maker flag.
	s := market.Buy
	if ev.Maker {
		s = market.Sell
	}
	ts := time.UnixMilli(ev.TradeTime).UTC()
	out.Event(&market.Event{
		Kind:      market.KindTrades,
		Exchange:  Exchange,
		Symbol:    sym,
		Timestamp: &ts,
		Receipt:   receipt,
		Raw:       raw,
		Payload: &market.Trade{
			Side:   s,
			Amount: qty,
			Price:  price,
			ID:     fmt.Sprintf("%d", ev.AggregateTradeID),
		},
	})
	return nil
}

func (a *Adapter) parseKline(payload, raw []byte, receipt time.Time, out adapter.Emitter) error {
	var ev futures.WsKlineEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	sym, err := a.symbol(ev.Symbol)
	if err != nil {
		return err
	}
	k := ev.Kline
	open, err := decimal.NewFromString(k.Open)
	if err != nil {
		return err
	}
	cls, err := decimal.NewFromString(k.Close)
	if err != nil {
		return err
	}
	high, err := decimal.NewFromString(k.High)
	if err != nil {
		return err
	}
	low, err := decimal.NewFromString(k.Low)
	if err != nil {
		return err
	}
	volume, err := decimal.NewFromString(k.Volume)
	if err != nil {
		return err
	}

	trades := k.TradeNum
	ts := time.UnixMilli(ev.Time).UTC()
	out.Event(&market.Event{
		Kind:      market.KindCandles,
		Exchange:  Exchange,
		Symbol:    sym,
		Timestamp: &ts,
		Receipt:   receipt,
		Raw:       raw,
		Payload: &market.Candle{
			Start:    time.UnixMilli(k.StartTime).UTC(),
			Stop:     time.UnixMilli(k.EndTime).UTC(),
			Interval: k.Interval,
			Trades:   &trades,
			Open:     open,
			Close:    cls,
			High:     high,
			Low:      low,
			Volume:   volume,
			Closed:   k.IsFinal,
		},
	})
	return nil
}

func (a *Adapter) parseMarkPrice(payload, raw []byte, receipt time.Time, out adapter.Emitter) error {
	var ev futures.WsMarkPriceEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	sym, err := a.symbol(ev.Symbol)
	if err != nil {
		return err
	}
	rate, err := decimal.NewFromString(ev.FundingRate)
	if err != nil {
		return err
	}
	mark, err := decimal.NewFromString(ev.MarkPrice)
	if err != nil {
		return err
	}

	funding := &market.Funding{Rate: rate, MarkPrice: &mark}
	if ev.NextFundingTime > 0 {
		next := time.UnixMilli(ev.NextFundingTime).UTC()
		funding.NextFundingTime = &next
	}
	ts := time.UnixMilli(ev.Time).UTC()
	out.Event(&market.Event{
		Kind:      market.KindFunding,
		Exchange:  Exchange,
		Symbol:    sym,
		Timestamp: &ts,
		Receipt:   receipt,
		Raw:       raw,
		Payload:   funding,
	})
	return nil
}

func (a *Adapter) parseForceOrder(payload, raw []byte, receipt time.Time, out adapter.Emitter) error {
	var ev futures.WsLiquidationOrderEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	o := ev.LiquidationOrder
	sym, err := a.symbol(o.Symbol)
	if err != nil {
		return err
	}
	price, err := decimal.NewFromString(o.Price)
	if err != nil {
		return err
	}
	qty, err := decimal.NewFromString(o.OrigQuantity)
	if err != nil {
		return err
	}

	s := market.Sell
	if o.Side == futures.SideTypeBuy {
		s = market.Buy
	}
	ts := time.UnixMilli(o.TradeTime).UTC()
	out.Event(&market.Event{
		Kind:      market.KindLiquidations,
		Exchange:  Exchange,
		Symbol:    sym,
		Timestamp: &ts,
		Receipt:   receipt,
		Raw:       raw,
		Payload: &market.Liquidation{
			Side:     s,
			Quantity: qty,
			Price:    price,
			Status:   string(o.OrderStatus),
		},
	})
	return nil
}

func change(side market.BookSide, price, qty string) (market.Change, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return market.Change{}, err
	}
	q, err := decimal.NewFromString(qty)
	if err != nil {
		return market.Change{}, err
	}
	return market.Change{Side: side, Price: p, Size: q}, nil
}

func priceLevels(raw []futures.Bid) ([]market.Level, error) {
	levels := make([]market.Level, 0, len(raw))
	for _, l := range raw {
		p, err := decimal.NewFromString(l.Price)
		if err != nil {
			return nil, err
		}
		q, err := decimal.NewFromString(l.Quantity)
		if err != nil {
			return nil, err
		}
		levels = append(levels, market.Level{Price: p, Size: q})
	}
	return levels, nil
}

func askLevels(raw []futures.Ask) ([]market.Level, error) {
	levels := make([]market.Level, 0, len(raw))
	for _, l := range raw {
		p, err := decimal.NewFromString(l.Price)
		if err != nil {
			return nil, err
		}
		q, err := decimal.NewFromString(l.Quantity)
		if err != nil {
			return nil, err
		}
		levels = append(levels, market.Level{Price: p, Size: q})
	}
	return levels, nil
}
