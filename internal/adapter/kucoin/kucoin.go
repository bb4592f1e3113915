// Package kucoin implements the KuCoin spot websocket grammar. The order
// book can run in two modes: the level2Depth50 feed delivers a full 50-level
// snapshot per message (no sequencing), while the level2 feed delivers
// sequenced incremental updates.
package kucoin

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"feedflow/internal/adapter"
	"feedflow/internal/book"
	"feedflow/internal/market"
	"feedflow/internal/symbols"
)

const Exchange = "kucoin"

// BookChannel selects the order book feed.
type BookChannel string

const (
	// BookDepth50 streams full 50-level snapshots.
	BookDepth50 BookChannel = "level2Depth50"
	// BookLevel2 streams sequenced incremental updates.
	BookLevel2 BookChannel = "level2"
)

// Options tunes one KuCoin connection.
type Options struct {
	Book           BookChannel // defaults to BookDepth50
	CandleInterval string      // defaults to "1min"
}

// Adapter parses KuCoin frames. One Adapter serves one connection.
type Adapter struct {
	dir   *symbols.Directory
	opts  Options
	table map[string]market.Symbol
	subID int64
}

// New creates a KuCoin adapter resolving symbols through dir.
func New(dir *symbols.Directory, opts Options) *Adapter {
	if opts.Book == "" {
		opts.Book = BookDepth50
	}
	if opts.CandleInterval == "" {
		opts.CandleInterval = "1min"
	}
	return &Adapter{
		dir:   dir,
		opts:  opts,
		table: make(map[string]market.Symbol),
	}
}

func (a *Adapter) Exchange() string { return Exchange }

// GapPolicy depends on the book mode: the depth50 feed replaces the book
// wholesale each message and carries no sequencing, level2 chains exactly.
func (a *Adapter) GapPolicy() book.GapPolicy {
	if a.opts.Book == BookLevel2 {
		return book.GapPolicyExact
	}
	return book.GapPolicyNone
}

// Subscribe sends one subscribe request per channel, with symbols joined
// into the topic.
func (a *Adapter) Subscribe(ctx context.Context, conn adapter.Conn, table adapter.SubscriptionTable) error {
	topics := make([]string, 0, len(table))
	for kind, syms := range table {
		natives := make([]string, 0, len(syms))
		for _, sym := range syms {
			native, err := a.dir.Native(Exchange, sym)
			if err != nil {
				return err
			}
			a.table[native] = sym
			natives = append(natives, native)
		}
		switch kind {
		case market.KindBook:
			if a.opts.Book == BookLevel2 {
				topics = append(topics, "/market/level2:"+strings.Join(natives, ","))
			} else {
				topics = append(topics, "/spotMarket/level2Depth50:"+strings.Join(natives, ","))
			}
		case market.KindTrades:
			topics = append(topics, "/market/match:"+strings.Join(natives, ","))
		case market.KindCandles:
			for _, native := range natives {
				topics = append(topics, fmt.Sprintf("/market/candles:%s_%s", native, a.opts.CandleInterval))
			}
		}
	}

	for _, topic := range topics {
		a.subID++
		payload, err := json.Marshal(map[string]any{
			"id":             a.subID,
			"type":           "subscribe",
			"topic":          topic,
			"privateChannel": false,
			"response":       true,
		})
		if err != nil {
			return err
		}
		if err := conn.Send(ctx, payload); err != nil {
			return err
		}
	}
	return nil
}

type envelope struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Subject string          `json:"subject"`
	Data    json.RawMessage `json:"data"`
}

// Parse routes one frame by topic.
func (a *Adapter) Parse(raw []byte, receipt time.Time, out adapter.Emitter) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &adapter.ParseError{Exchange: Exchange, Raw: raw, Err: err}
	}

	switch env.Type {
	case "welcome", "ack", "pong":
		return nil
	case "error":
		return &adapter.ParseError{Exchange: Exchange, Raw: raw, Err: fmt.Errorf("server error frame")}
	case "message":
	default:
		return &adapter.ParseError{Exchange: Exchange, Raw: raw, Err: fmt.Errorf("unrecognized frame type %q", env.Type)}
	}

	var err error
	switch {
	case strings.HasPrefix(env.Topic, "/spotMarket/level2Depth50:"):
		err = a.parseDepth50(&env, raw, receipt, out)
	case strings.HasPrefix(env.Topic, "/market/level2:"):
		err = a.parseLevel2(&env, raw, receipt, out)
	case strings.HasPrefix(env.Topic, "/market/match:"):
		err = a.parseMatch(&env, raw, receipt, out)
	case strings.HasPrefix(env.Topic, "/market/candles:"):
		err = a.parseCandles(&env, raw, receipt, out)
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

type depth50Data struct {
	Bids      [][]string `json:"bids"`
	Asks      [][]string `json:"asks"`
	Timestamp int64      `json:"timestamp"`
}

func (a *Adapter) parseDepth50(env *envelope, raw []byte, receipt time.Time, out adapter.Emitter) error {
	var data depth50Data
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return err
	}
	sym, err := a.symbol(topicSymbol(env.Topic))
	if err != nil {
		return err
	}
	bids, err := parseLevels(data.Bids)
	if err != nil {
		return err
	}
	asks, err := parseLevels(data.Asks)
	if err != nil {
		return err
	}
	ts := time.UnixMilli(data.Timestamp).UTC()
	out.BookSnapshot(book.Snapshot{
		Exchange:  Exchange,
		Symbol:    sym,
		Bids:      bids,
		Asks:      asks,
		Timestamp: &ts,
		Receipt:   receipt,
		Raw:       raw,
	})
	return nil
}

type level2Data struct {
	SequenceStart int64  `json:"sequenceStart"`
	SequenceEnd   int64  `json:"sequenceEnd"`
	Symbol        string `json:"symbol"`
	Changes       struct {
		Asks [][]string `json:"asks"`
		Bids [][]string `json:"bids"`
	} `json:"changes"`
	Time int64 `json:"time"`
}

func (a *Adapter) parseLevel2(env *envelope, raw []byte, receipt time.Time, out adapter.Emitter) error {
	var data level2Data
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return err
	}
	sym, err := a.symbol(data.Symbol)
	if err != nil {
		return err
	}

	changes := make([]market.Change, 0, len(data.Changes.Bids)+len(data.Changes.Asks))
	changes, err = appendChanges(changes, market.Bid, data.Changes.Bids)
	if err != nil {
		return err
	}
	changes, err = appendChanges(changes, market.Ask, data.Changes.Asks)
	if err != nil {
		return err
	}

	seq := data.SequenceEnd
	prev := data.SequenceStart - 1
	first := data.SequenceStart
	ts := time.UnixMilli(data.Time).UTC()
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

// appendChanges decodes [price, size, sequence] triples. A zero price marks
// a placeholder entry and is skipped.
func appendChanges(changes []market.Change, side market.BookSide, raw [][]string) ([]market.Change, error) {
	for _, c := range raw {
		if len(c) < 2 {
			return nil, fmt.Errorf("change with %d elements", len(c))
		}
		price, err := decimal.NewFromString(c[0])
		if err != nil {
			return nil, err
		}
		if price.IsZero() {
			continue
		}
		size, err := decimal.NewFromString(c[1])
		if err != nil {
			return nil, err
		}
		changes = append(changes, market.Change{Side: side, Price: price, Size: size})
	}
	return changes, nil
}

type matchData struct {
	Sequence string `json:"sequence"`
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Price    string `json:"price"`
	Size     string `json:"size"`
	TradeID  string `json:"tradeId"`
	Time     string `json:"time"` // nanoseconds
}

func (a *Adapter) parseMatch(env *envelope, raw []byte, receipt time.Time, out adapter.Emitter) error {
	var data matchData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return err
	}
	sym, err := a.symbol(data.Symbol)
	if err != nil {
		return err
	}
	price, err := decimal.NewFromString(data.Price)
	if err != nil {
		return err
	}
	size, err := decimal.NewFromString(data.Size)
	if err != nil {
		return err
	}

	s := market.Sell
	if data.Side == "buy" {
		s = market.Buy
	}
	var ts *time.Time
	if ns, err := strconv.ParseInt(data.Time, 10, 64); err == nil {
		t := time.Unix(0, ns).UTC()
		ts = &t
	}
	out.Event(&market.Event{
		Kind:      market.KindTrades,
		Exchange:  Exchange,
		Symbol:    sym,
		Timestamp: ts,
		Receipt:   receipt,
		Raw:       raw,
		Payload: &market.Trade{
			Side:   s,
			Amount: size,
			Price:  price,
			ID:     data.TradeID,
		},
	})
	return nil
}

type candlesData struct {
	Symbol  string   `json:"symbol"`
	Candles []string `json:"candles"` // [start, open, close, high, low, volume, turnover]
	Time    int64    `json:"time"`    // nanoseconds
}

func (a *Adapter) parseCandles(env *envelope, raw []byte, receipt time.Time, out adapter.Emitter) error {
	var data candlesData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return err
	}
	if len(data.Candles) < 6 {
		return fmt.Errorf("candle with %d fields", len(data.Candles))
	}
	sym, err := a.symbol(data.Symbol)
	if err != nil {
		return err
	}

	startSec, err := strconv.ParseInt(data.Candles[0], 10, 64)
	if err != nil {
		return err
	}
	open, err := decimal.NewFromString(data.Candles[1])
	if err != nil {
		return err
	}
	cls, err := decimal.NewFromString(data.Candles[2])
	if err != nil {
		return err
	}
	high, err := decimal.NewFromString(data.Candles[3])
	if err != nil {
		return err
	}
	low, err := decimal.NewFromString(data.Candles[4])
	if err != nil {
		return err
	}
	volume, err := decimal.NewFromString(data.Candles[5])
	if err != nil {
		return err
	}

	interval := a.opts.CandleInterval
	if i := strings.LastIndexByte(env.Topic, '_'); i >= 0 {
		interval = env.Topic[i+1:]
	}
	start := time.Unix(startSec, 0).UTC()
	ts := time.Unix(0, data.Time).UTC()
	out.Event(&market.Event{
		Kind:      market.KindCandles,
		Exchange:  Exchange,
		Symbol:    sym,
		Timestamp: &ts,
		Receipt:   receipt,
		Raw:       raw,
		Payload: &market.Candle{
			Start:    start,
			Stop:     start.Add(intervalDuration(interval)),
			Interval: interval,
			Open:     open,
			Close:    cls,
			High:     high,
			Low:      low,
			Volume:   volume,
			Closed:   false,
		},
	})
	return nil
}

func parseLevels(raw [][]string) ([]market.Level, error) {
	levels := make([]market.Level, 0, len(raw))
	for _, l := range raw {
		if len(l) < 2 {
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

func intervalDuration(interval string) time.Duration {
	switch interval {
	case "1min":
		return time.Minute
	case "5min":
		return 5 * time.Minute
	case "15min":
		return 15 * time.Minute
	case "1hour":
		return time.Hour
	case "1day":
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// topicSymbol extracts the native symbol from a single-symbol topic.
func topicSymbol(topic string) string {
	return topic[strings.LastIndexByte(topic, ':')+1:]
}
