// Package book maintains authoritative local order books under
// snapshot/delta updates, with per-venue sequence-gap detection and
// depth-truncated read-only views.
package book

import (
	"time"

	"github.com/tidwall/btree"

	"feedflow/internal/market"
)

func levelLess(a, b market.Level) bool {
	return a.Price.Cmp(b.Price) < 0
}

// OrderBook holds the two ordered sides of one (venue, symbol) book.
// An OrderBook is only ever mutated by the connection task that owns it.
type OrderBook struct {
	exchange string
	symbol   market.Symbol
	bids     *btree.BTreeG[market.Level]
	asks     *btree.BTreeG[market.Level]

	sequence    int64
	hasSequence bool
	stale       bool

	lastTimestamp *time.Time
	lastReceipt   time.Time
}

func newOrderBook(exchange string, symbol market.Symbol) *OrderBook {
	return &OrderBook{
		exchange: exchange,
		symbol:   symbol,
		bids:     btree.NewBTreeG(levelLess),
		asks:     btree.NewBTreeG(levelLess),
	}
}

func (b *OrderBook) install(snap Snapshot) {
	b.bids = btree.NewBTreeG(levelLess)
	b.asks = btree.NewBTreeG(levelLess)
	for _, l := range snap.Bids {
		if !l.Size.IsZero() {
			b.bids.Set(l)
		}
	}
	for _, l := range snap.Asks {
		if !l.Size.IsZero() {
			b.asks.Set(l)
		}
	}
	b.hasSequence = snap.Sequence != nil
	if b.hasSequence {
		b.sequence = *snap.Sequence
	}
	b.stale = false
	b.lastTimestamp = snap.Timestamp
	b.lastReceipt = snap.Receipt
}

// checkSequence validates continuity without mutating book state.
func (b *OrderBook) checkSequence(d Delta, policy GapPolicy) error {
	if policy == GapPolicyNone || d.Sequence == nil {
		return nil
	}
	if b.stale {
		return ErrStale
	}
	if !b.hasSequence {
		// First sequenced delta after an unsequenced snapshot anchors the counter.
		return nil
	}
	switch policy {
	case GapPolicyExact:
		if d.PrevSequence != nil {
			if *d.PrevSequence != b.sequence {
				return &SequenceGapError{Exchange: b.exchange, Symbol: b.symbol, Expected: b.sequence, Got: *d.PrevSequence}
			}
		} else if *d.Sequence != b.sequence+1 {
			return &SequenceGapError{Exchange: b.exchange, Symbol: b.symbol, Expected: b.sequence + 1, Got: *d.Sequence}
		}
	case GapPolicyIncreasing:
		if *d.Sequence <= b.sequence {
			return &SequenceGapError{Exchange: b.exchange, Symbol: b.symbol, Expected: b.sequence + 1, Got: *d.Sequence}
		}
	}
	return nil
}

func (b *OrderBook) apply(d Delta) {
	for _, c := range d.Changes {
		side := b.bids
		if c.Side == market.Ask {
			side = b.asks
		}
		if c.Size.IsZero() {
			side.Delete(market.Level{Price: c.Price})
			continue
		}
		side.Set(market.Level{Price: c.Price, Size: c.Size})
	}
	if d.Sequence != nil {
		b.sequence = *d.Sequence
		b.hasSequence = true
	}
	b.lastTimestamp = d.Timestamp
	b.lastReceipt = d.Receipt
}

// view returns copies of both sides truncated to depth levels, bids in
// descending and asks in ascending price order. depth 0 means unbounded.
func (b *OrderBook) view(depth int) (bids, asks []market.Level) {
	bids = make([]market.Level, 0, depth)
	b.bids.Reverse(func(l market.Level) bool {
		bids = append(bids, l)
		return depth == 0 || len(bids) < depth
	})
	asks = make([]market.Level, 0, depth)
	b.asks.Scan(func(l market.Level) bool {
		asks = append(asks, l)
		return depth == 0 || len(asks) < depth
	})
	return bids, asks
}

func (b *OrderBook) sequencePtr() *int64 {
	if !b.hasSequence {
		return nil
	}
	v := b.sequence
	return &v
}
