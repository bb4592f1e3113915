// Package bybit implements the Bybit v5 websocket message grammar: public
// orderbook, trade, kline, liquidation and ticker topics plus the private
// order and execution topics.
package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"feedflow/internal/adapter"
	"feedflow/internal/book"
	"feedflow/internal/market"
	"feedflow/internal/symbols"
)

const Exchange = "bybit"

// Options tunes one Bybit connection.
type Options struct {
	Depth         int    // orderbook depth topic, defaults to 50
	KlineInterval string // defaults to "1"
	APIKey        string
	APISecret     string
}

// Adapter parses Bybit frames. One Adapter serves one connection; Parse is
// called from that connection's read loop only.
type Adapter struct {
	dir  *symbols.Directory
	opts Options

	// native symbol -> canonical, built from the subscription table.
	table map[string]market.Symbol

	// last ticker payload per symbol; Bybit re-sends identical ticker
	// deltas, which would otherwise duplicate funding and open interest
	// events.
	tickerCache map[string]string
}

// New creates a Bybit adapter resolving symbols through dir.
func New(dir *symbols.Directory, opts Options) *Adapter {
	if opts.Depth <= 0 {
		opts.Depth = 50
	}
	if opts.KlineInterval == "" {
		opts.KlineInterval = "1"
	}
	return &Adapter{
		dir:         dir,
		opts:        opts,
		table:       make(map[string]market.Symbol),
		tickerCache: make(map[string]string),
	}
}

func (a *Adapter) Exchange() string { return Exchange }

// GapPolicy is Increasing: Bybit delta seq values grow but are not
// guaranteed contiguous.
func (a *Adapter) GapPolicy() book.GapPolicy { return book.GapPolicyIncreasing }

// Reset clears per-connection caches after a reconnect.
func (a *Adapter) Reset() {
	a.tickerCache = make(map[string]string)
}

// Subscribe sends one subscribe op covering every channel in the table.
func (a *Adapter) Subscribe(ctx context.Context, conn adapter.Conn, table adapter.SubscriptionTable) error {
	var args []string
	for kind, syms := range table {
		for _, sym := range syms {
			native, err := a.dir.Native(Exchange, sym)
			if err != nil {
				return err
			}
			a.table[native] = sym
			switch kind {
			case market.KindBook:
				args = append(args, fmt.Sprintf("orderbook.%d.%s", a.opts.Depth, native))
			case market.KindTrades:
				args = append(args, "publicTrade."+native)
			case market.KindCandles:
				args = append(args, fmt.Sprintf("kline.%s.%s", a.opts.KlineInterval, native))
			case market.KindLiquidations:
				args = append(args, "liquidation."+native)
			case market.KindFunding, market.KindOpenInterest:
				args = append(args, "tickers."+native)
			}
		}
	}
	if _, ok := table[market.KindOrderInfo]; ok {
		args = append(args, "order")
	}
	if _, ok := table[market.KindFills]; ok {
		args = append(args, "execution")
	}
	if len(args) == 0 {
		return nil
	}

	args = dedupe(args)
	payload, err := json.Marshal(map[string]any{"op": "subscribe", "args": args})
	if err != nil {
		return err
	}
	return conn.Send(ctx, payload)
}

// Authenticate signs the v5 websocket auth challenge. Required before the
// order and execution topics deliver anything.
func (a *Adapter) Authenticate(ctx context.Context, conn adapter.Conn) error {
	if a.opts.APIKey == "" || a.opts.APISecret == "" {
		return fmt.Errorf("bybit: private channels require api credentials")
	}
	expires := time.Now().Add(time.Minute).UnixMilli()
	mac := hmac.New(sha256.New, []byte(a.opts.APISecret))
	fmt.Fprintf(mac, "GET/realtime%d", expires)
	sig := hex.EncodeToString(mac.Sum(nil))

	payload, err := json.Marshal(map[string]any{
		"op":   "auth",
		"args": []any{a.opts.APIKey, expires, sig},
	})
	if err != nil {
		return err
	}
	return conn.Send(ctx, payload)
}

type envelope struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	TS      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
}

// Parse routes one frame by topic prefix.
func (a *Adapter) Parse(raw []byte, receipt time.Time, out adapter.Emitter) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &adapter.ParseError{Exchange: Exchange, Raw: raw, Err: err}
	}

	if env.Op != "" {
		// subscribe/auth/pong acknowledgements
		if env.Success != nil && !*env.Success {
			return &adapter.ParseError{Exchange: Exchange, Raw: raw,
				Err: fmt.Errorf("op %s failed: %s", env.Op, env.RetMsg)}
		}
		return nil
	}

	var err error
	switch {
	case strings.HasPrefix(env.Topic, "orderbook."):
		err = a.parseBook(&env, raw, receipt, out)
	case strings.HasPrefix(env.Topic, "publicTrade."):
		err = a.parseTrades(&env, raw, receipt, out)
	case strings.HasPrefix(env.Topic, "kline."):
		err = a.parseKlines(&env, raw, receipt, out)
	case strings.HasPrefix(env.Topic, "liquidation."):
		err = a.parseLiquidation(&env, raw, receipt, out)
	case strings.HasPrefix(env.Topic, "tickers."):
		err = a.parseTicker(&env, raw, receipt, out)
	case env.Topic == "order":
		err = a.parseOrders(&env, raw, receipt, out)
	case env.Topic == "execution":
		err = a.parseExecutions(&env, raw, receipt, out)
	default:
		err = fmt.Errorf("unrecognized topic %q", env.Topic)
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

type bookData struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	Seq    int64      `json:"seq"`
}

func (a *Adapter) parseBook(env *envelope, raw []byte, receipt time.Time, out adapter.Emitter) error {
	var data bookData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return err
	}
	sym, err := a.symbol(data.Symbol)
	if err != nil {
		return err
	}
	ts := time.UnixMilli(env.TS).UTC()
	seq := data.Seq

	if env.Type == "snapshot" {
		bids, err := parseLevels(data.Bids)
		if err != nil {
			return err
		}
		asks, err := parseLevels(data.Asks)
		if err != nil {
			return err
		}
		out.BookSnapshot(book.Snapshot{
			Exchange:  Exchange,
			Symbol:    sym,
			Sequence:  &seq,
			Bids:      bids,
			Asks:      asks,
			Timestamp: &ts,
			Receipt:   receipt,
			Raw:       raw,
		})
		return nil
	}

	changes, err := parseChanges(market.Bid, data.Bids, nil)
	if err != nil {
		return err
	}
	changes, err = parseChanges(market.Ask, data.Asks, changes)
	if err != nil {
		return err
	}
	out.BookDelta(book.Delta{
		Exchange:  Exchange,
		Symbol:    sym,
		Sequence:  &seq,
		Changes:   changes,
		Timestamp: &ts,
		Receipt:   receipt,
		Raw:       raw,
	})
	return nil
}

func parseLevels(raw [][]string) ([]market.Level, error) {
	levels := make([]market.Level, 0, len(raw))
	for _, l := range raw {
		if len(l) != 2 {
			return nil, fmt.Errorf("level with %d elements", len(l))
		}
		price, err := decimal.NewFromString(l[0])
		if err != nil {
			return nil, err
		}
		size, err := decimal.NewFromString(l[1])
		if err != nil {
			return nil, err
		}
		levels = append(levels, market.Level{Price: price, Size: size})
	}
	return levels, nil
}

func parseChanges(side market.BookSide, raw [][]string, changes []market.Change) ([]market.Change, error) {
	levels, err := parseLevels(raw)
	if err != nil {
		return nil, err
	}
	for _, l := range levels {
		changes = append(changes, market.Change{Side: side, Price: l.Price, Size: l.Size})
	}
	return changes, nil
}

type tradeData struct {
	TradeTime int64  `json:"T"`
	Symbol    string `json:"s"`
	Side      string `json:"S"`
	Size      string `json:"v"`
	Price     string `json:"p"`
	ID        string `json:"i"`
}

func (a *Adapter) parseTrades(env *envelope, raw []byte, receipt time.Time, out adapter.Emitter) error {
	var trades []tradeData
	if err := json.Unmarshal(env.Data, &trades); err != nil {
		return err
	}
	for _, t := range trades {
		sym, err := a.symbol(t.Symbol)
		if err != nil {
			return err
		}
		price, err := decimal.NewFromString(t.Price)
		if err != nil {
			return err
		}
		size, err := decimal.NewFromString(t.Size)
		if err != nil {
			return err
		}
		ts := time.UnixMilli(t.TradeTime).UTC()
		out.Event(&market.Event{
			Kind:      market.KindTrades,
			Exchange:  Exchange,
			Symbol:    sym,
			Timestamp: &ts,
			Receipt:   receipt,
			Raw:       raw,
			Payload: &market.Trade{
				Side:   side(t.Side),
				Amount: size,
				Price:  price,
				ID:     t.ID,
			},
		})
	}
	return nil
}

type klineData struct {
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
	Interval string `json:"interval"`
	Open     string `json:"open"`
	Close    string `json:"close"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Volume   string `json:"volume"`
	Confirm  bool   `json:"confirm"`
}

func (a *Adapter) parseKlines(env *envelope, raw []byte, receipt time.Time, out adapter.Emitter) error {
	var klines []klineData
	if err := json.Unmarshal(env.Data, &klines); err != nil {
		return err
	}
	sym, err := a.symbol(topicSymbol(env.Topic))
	if err != nil {
		return err
	}
	ts := time.UnixMilli(env.TS).UTC()
	for _, k := range klines {
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
		out.Event(&market.Event{
			Kind:      market.KindCandles,
			Exchange:  Exchange,
			Symbol:    sym,
			Timestamp: &ts,
			Receipt:   receipt,
			Raw:       raw,
			Payload: &market.Candle{
				Start:    time.UnixMilli(k.Start).UTC(),
				Stop:     time.UnixMilli(k.End).UTC(),
				Interval: k.Interval,
				Open:     open,
				Close:    cls,
				High:     high,
				Low:      low,
				Volume:   volume,
				Closed:   k.Confirm,
			},
		})
	}
	return nil
}

type liquidationData struct {
	UpdatedTime int64  `json:"updatedTime"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Size        string `json:"size"`
	Price       string `json:"price"`
}

func (a *Adapter) parseLiquidation(env *envelope, raw []byte, receipt time.Time, out adapter.Emitter) error {
	var liq liquidationData
	if err := json.Unmarshal(env.Data, &liq); err != nil {
		return err
	}
	sym, err := a.symbol(liq.Symbol)
	if err != nil {
		return err
	}
	price, err := decimal.NewFromString(liq.Price)
	if err != nil {
		return err
	}
	size, err := decimal.NewFromString(liq.Size)
	if err != nil {
		return err
	}
	ts := time.UnixMilli(liq.UpdatedTime).UTC()
	out.Event(&market.Event{
		Kind:      market.KindLiquidations,
		Exchange:  Exchange,
		Symbol:    sym,
		Timestamp: &ts,
		Receipt:   receipt,
		Raw:       raw,
		Payload: &market.Liquidation{
			Side:     side(liq.Side),
			Quantity: size,
			Price:    price,
		},
	})
	return nil
}

type tickerData struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
	OpenInterest    string `json:"openInterest"`
}

// parseTicker emits funding and open interest events from the combined
// ticker topic. Deltas only carry changed fields; repeated payloads are
// suppressed through the per-symbol cache.
func (a *Adapter) parseTicker(env *envelope, raw []byte, receipt time.Time, out adapter.Emitter) error {
	var data tickerData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return err
	}
	sym, err := a.symbol(data.Symbol)
	if err != nil {
		return err
	}
	if prev, ok := a.tickerCache[data.Symbol]; ok && prev == string(env.Data) {
		return nil
	}
	a.tickerCache[data.Symbol] = string(env.Data)
	ts := time.UnixMilli(env.TS).UTC()

	if data.OpenInterest != "" {
		oi, err := decimal.NewFromString(data.OpenInterest)
		if err != nil {
			return err
		}
		out.Event(&market.Event{
			Kind:      market.KindOpenInterest,
			Exchange:  Exchange,
			Symbol:    sym,
			Timestamp: &ts,
			Receipt:   receipt,
			Raw:       raw,
			Payload:   &market.OpenInterest{Amount: oi},
		})
	}

	if data.FundingRate != "" {
		rate, err := decimal.NewFromString(data.FundingRate)
		if err != nil {
			return err
		}
		funding := &market.Funding{Rate: rate}
		if data.MarkPrice != "" {
			mark, err := decimal.NewFromString(data.MarkPrice)
			if err != nil {
				return err
			}
			funding.MarkPrice = &mark
		}
		if data.NextFundingTime != "" {
			var ms int64
			if _, err := fmt.Sscanf(data.NextFundingTime, "%d", &ms); err == nil {
				next := time.UnixMilli(ms).UTC()
				funding.NextFundingTime = &next
			}
		}
		out.Event(&market.Event{
			Kind:      market.KindFunding,
			Exchange:  Exchange,
			Symbol:    sym,
			Timestamp: &ts,
			Receipt:   receipt,
			Raw:       raw,
			Payload:   funding,
		})
	}
	return nil
}

type orderData struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Price       string `json:"price"`
	Qty         string `json:"qty"`
	LeavesQty   string `json:"leavesQty"`
	OrderStatus string `json:"orderStatus"`
	UpdatedTime string `json:"updatedTime"`
}

func (a *Adapter) parseOrders(env *envelope, raw []byte, receipt time.Time, out adapter.Emitter) error {
	var orders []orderData
	if err := json.Unmarshal(env.Data, &orders); err != nil {
		return err
	}
	for _, o := range orders {
		sym, err := a.symbol(o.Symbol)
		if err != nil {
			return err
		}
		price, err := decimal.NewFromString(o.Price)
		if err != nil {
			return err
		}
		qty, err := decimal.NewFromString(o.Qty)
		if err != nil {
			return err
		}
		leaves, err := decimal.NewFromString(o.LeavesQty)
		if err != nil {
			return err
		}
		ts := parseMillisString(o.UpdatedTime, receipt)
		out.Event(&market.Event{
			Kind:      market.KindOrderInfo,
			Exchange:  Exchange,
			Symbol:    sym,
			Timestamp: &ts,
			Receipt:   receipt,
			Raw:       raw,
			Payload: &market.OrderInfo{
				ID:            o.OrderID,
				ClientOrderID: o.OrderLinkID,
				Side:          side(o.Side),
				Status:        o.OrderStatus,
				Type:          o.OrderType,
				Price:         price,
				Amount:        qty,
				Remaining:     leaves,
			},
		})
	}
	return nil
}

type executionData struct {
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	OrderID   string `json:"orderId"`
	ExecID    string `json:"execId"`
	ExecPrice string `json:"execPrice"`
	ExecQty   string `json:"execQty"`
	ExecFee   string `json:"execFee"`
	IsMaker   bool   `json:"isMaker"`
	OrderType string `json:"orderType"`
	ExecTime  string `json:"execTime"`
}

func (a *Adapter) parseExecutions(env *envelope, raw []byte, receipt time.Time, out adapter.Emitter) error {
	var fills []executionData
	if err := json.Unmarshal(env.Data, &fills); err != nil {
		return err
	}
	for _, f := range fills {
		sym, err := a.symbol(f.Symbol)
		if err != nil {
			return err
		}
		price, err := decimal.NewFromString(f.ExecPrice)
		if err != nil {
			return err
		}
		qty, err := decimal.NewFromString(f.ExecQty)
		if err != nil {
			return err
		}
		fill := &market.Fill{
			Price:     price,
			Amount:    qty,
			Side:      side(f.Side),
			ID:        f.ExecID,
			OrderID:   f.OrderID,
			Liquidity: "taker",
			Type:      f.OrderType,
		}
		if f.IsMaker {
			fill.Liquidity = "maker"
		}
		if f.ExecFee != "" {
			fee, err := decimal.NewFromString(f.ExecFee)
			if err != nil {
				return err
			}
			fill.Fee = &fee
		}
		ts := parseMillisString(f.ExecTime, receipt)
		out.Event(&market.Event{
			Kind:      market.KindFills,
			Exchange:  Exchange,
			Symbol:    sym,
			Timestamp: &ts,
			Receipt:   receipt,
			Raw:       raw,
			Payload:   fill,
		})
	}
	return nil
}

func side(s string) market.Side {
	if s == "Buy" {
		return market.Buy
	}
	return market.Sell
}

func topicSymbol(topic string) string {
	return topic[strings.LastIndexByte(topic, '.')+1:]
}

func parseMillisString(v string, fallback time.Time) time.Time {
	var ms int64
	if _, err := fmt.Sscanf(v, "%d", &ms); err != nil || ms == 0 {
		return fallback.UTC()
	}
	return time.UnixMilli(ms).UTC()
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
