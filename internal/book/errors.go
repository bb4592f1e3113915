package book

import (
	"errors"
	"fmt"

	"feedflow/internal/market"
)

// ErrNoBook is returned when a delta arrives for a book that has no
// authoritative snapshot, typically right after a reset. The caller drops
// the delta and waits for the next snapshot.
var ErrNoBook = errors.New("no snapshot installed for book")

// ErrStale is returned for deltas applied after a sequence gap and before
// the next snapshot.
var ErrStale = errors.New("book is stale after sequence gap")

// SequenceGapError reports a failed continuity check. The book keeps its
// pre-gap levels but is marked stale; the caller must resubscribe or force
// a fresh snapshot.
type SequenceGapError struct {
	Exchange string
	Symbol   market.Symbol
	Expected int64
	Got      int64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("%s %s: sequence gap, expected %d got %d",
		e.Exchange, e.Symbol, e.Expected, e.Got)
}
