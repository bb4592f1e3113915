package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is a single executed trade reported by a venue.
type Trade struct {
	Side   Side
	Amount decimal.Decimal
	Price  decimal.Decimal
	ID     string
	Type   string // venue order type when reported, e.g. limit/market
}

func (t *Trade) fields(r Record) {
	r["side"] = string(t.Side)
	r["amount"] = dec(t.Amount)
	r["price"] = dec(t.Price)
	r["id"] = t.ID
	r["type"] = strPtr(t.Type)
}

// Candle is one OHLCV bar.
type Candle struct {
	Start    time.Time
	Stop     time.Time
	Interval string
	Trades   *int64
	Open     decimal.Decimal
	Close    decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Volume   decimal.Decimal
	Closed   bool
}

func (c *Candle) fields(r Record) {
	r["start"] = c.Start.UnixNano()
	r["stop"] = c.Stop.UnixNano()
	r["trades"] = c.Trades
	r["open"] = dec(c.Open)
	r["close"] = dec(c.Close)
	r["high"] = dec(c.High)
	r["low"] = dec(c.Low)
	r["volume"] = dec(c.Volume)
	r["closed"] = c.Closed
}

// Funding carries a perpetual funding-rate observation.
type Funding struct {
	MarkPrice       *decimal.Decimal
	Rate            decimal.Decimal
	NextFundingTime *time.Time
	PredictedRate   *decimal.Decimal
}

func (f *Funding) fields(r Record) {
	r["mark_price"] = decPtr(f.MarkPrice)
	r["rate"] = dec(f.Rate)
	r["next_funding_time"] = nanosPtr(f.NextFundingTime)
	r["predicted_rate"] = decPtr(f.PredictedRate)
}

// OpenInterest is a venue's outstanding-contracts figure.
type OpenInterest struct {
	Amount decimal.Decimal
}

func (o *OpenInterest) fields(r Record) {
	r["open_interest"] = dec(o.Amount)
}

// Liquidation is a forced position close.
type Liquidation struct {
	Side     Side
	Quantity decimal.Decimal
	Price    decimal.Decimal
	ID       string
	Status   string
}

func (l *Liquidation) fields(r Record) {
	r["side"] = string(l.Side)
	r["quantity"] = dec(l.Quantity)
	r["price"] = dec(l.Price)
	r["id"] = l.ID
	r["status"] = l.Status
}

// OrderInfo is an acknowledgement of an order state change on a private
// channel. The pipeline only passes these through; it places no orders.
type OrderInfo struct {
	ID            string
	ClientOrderID string
	Side          Side
	Status        string
	Type          string
	Price         decimal.Decimal
	Amount        decimal.Decimal
	Remaining     decimal.Decimal
}

func (o *OrderInfo) fields(r Record) {
	r["id"] = o.ID
	r["client_order_id"] = o.ClientOrderID
	r["side"] = string(o.Side)
	r["status"] = o.Status
	r["type"] = o.Type
	r["price"] = dec(o.Price)
	r["amount"] = dec(o.Amount)
	r["remaining"] = dec(o.Remaining)
}

// Fill is a private execution report.
type Fill struct {
	Price     decimal.Decimal
	Amount    decimal.Decimal
	Side      Side
	Fee       *decimal.Decimal
	ID        string
	OrderID   string
	Liquidity string // maker or taker
	Type      string
}

func (f *Fill) fields(r Record) {
	r["price"] = dec(f.Price)
	r["amount"] = dec(f.Amount)
	r["side"] = string(f.Side)
	r["fee"] = decPtr(f.Fee)
	r["id"] = f.ID
	r["order_id"] = f.OrderID
	r["liquidity"] = f.Liquidity
	r["type"] = f.Type
}
