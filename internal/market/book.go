package market

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// BookSide distinguishes the two sides of an order book.
type BookSide string

const (
	Bid BookSide = "bid"
	Ask BookSide = "ask"
)

// Level is one price level of an order book view.
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Change is one price-level mutation carried by a delta. Size zero means
// "remove the level".
type Change struct {
	Side  BookSide
	Price decimal.Decimal
	Size  decimal.Decimal
}

// BookUpdate is the canonical book event emitted for every applied snapshot
// or delta. Bids and Asks hold the resulting depth-truncated view; Delta
// holds the raw changes of the applied instruction, nil for a snapshot.
type BookUpdate struct {
	Bids     []Level
	Asks     []Level
	Delta    []Change
	Sequence *int64
	MaxDepth int
}

// Snapshot reports whether this update replaced the book wholesale.
func (b *BookUpdate) Snapshot() bool {
	return b.Delta == nil
}

// fields pads both sides to MaxDepth with typed nulls so every book row of a
// partition carries the same columns; a null level is "absent", never a
// fabricated price.
func (b *BookUpdate) fields(r Record) {
	depth := b.MaxDepth
	if depth == 0 {
		if len(b.Bids) > depth {
			depth = len(b.Bids)
		}
		if len(b.Asks) > depth {
			depth = len(b.Asks)
		}
	}
	var seq *int64
	if b.Sequence != nil {
		v := *b.Sequence
		seq = &v
	}
	r["sequence"] = seq
	for i := 0; i < depth; i++ {
		writeLevel(r, "bid", i, b.Bids)
		writeLevel(r, "ask", i, b.Asks)
	}
}

func writeLevel(r Record, side string, i int, levels []Level) {
	var price, size *float64
	if i < len(levels) {
		p, _ := levels[i].Price.Float64()
		s, _ := levels[i].Size.Float64()
		price, size = &p, &s
	}
	r[levelKey(side, i, "price")] = price
	r[levelKey(side, i, "size")] = size
}

func levelKey(side string, i int, field string) string {
	// bid_0_price, ask_12_size
	return side + "_" + strconv.Itoa(i) + "_" + field
}
