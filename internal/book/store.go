package book

import (
	"sync"
	"time"

	"feedflow/internal/market"
)

type bookKey struct {
	exchange string
	symbol   market.Symbol
}

// Store applies snapshot/delta instructions to per-(venue, symbol) books and
// builds the canonical book event for each applied instruction. Book mutation
// is single-writer per connection task; the lock only guards the book map and
// cross-task monitoring reads, which always receive copies.
type Store struct {
	mu       sync.RWMutex
	books    map[bookKey]*OrderBook
	maxDepth int // levels retained in views, 0 = unbounded
}

// NewStore creates a Store whose views are truncated to maxDepth levels.
func NewStore(maxDepth int) *Store {
	return &Store{
		books:    make(map[bookKey]*OrderBook),
		maxDepth: maxDepth,
	}
}

// MaxDepth returns the configured view depth bound.
func (s *Store) MaxDepth() int { return s.maxDepth }

// ApplySnapshot discards any prior state for the book and installs the full
// bid/ask maps. It always succeeds and returns the resulting book event.
func (s *Store) ApplySnapshot(snap Snapshot) *market.Event {
	k := bookKey{snap.Exchange, snap.Symbol}

	s.mu.Lock()
	b, ok := s.books[k]
	if !ok {
		b = newOrderBook(snap.Exchange, snap.Symbol)
		s.books[k] = b
	}
	b.install(snap)
	ev := s.bookEvent(b, nil, snap.Raw)
	s.mu.Unlock()
	return ev
}

// ApplyDelta upserts or removes price levels on an existing book. It returns
// ErrNoBook when no snapshot has been installed (e.g. right after a reset),
// ErrStale after an undetected-recovery gap, and a *SequenceGapError when the
// continuity check fails; in every error case the book levels are unchanged.
func (s *Store) ApplyDelta(d Delta, policy GapPolicy) (*market.Event, error) {
	k := bookKey{d.Exchange, d.Symbol}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.books[k]
	if !ok {
		return nil, ErrNoBook
	}
	if err := b.checkSequence(d, policy); err != nil {
		if _, gap := err.(*SequenceGapError); gap {
			b.stale = true
		}
		return nil, err
	}
	b.apply(d)
	return s.bookEvent(b, d.Changes, d.Raw), nil
}

// Reset drops stored book state for the given scope: all of the venue's
// books when no symbols are passed, otherwise just the named ones. The next
// instruction for a dropped book is authoritative only if it is a snapshot.
func (s *Store) Reset(exchange string, symbols ...market.Symbol) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(symbols) == 0 {
		for k := range s.books {
			if k.exchange == exchange {
				delete(s.books, k)
			}
		}
		return
	}
	for _, sym := range symbols {
		delete(s.books, bookKey{exchange, sym})
	}
}

// View returns a read-only, depth-truncated projection of one book. The
// returned slices are copies and safe to retain.
func (s *Store) View(exchange string, symbol market.Symbol) (bids, asks []market.Level, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, found := s.books[bookKey{exchange, symbol}]
	if !found {
		return nil, nil, false
	}
	bids, asks = b.view(s.maxDepth)
	return bids, asks, true
}

// Top is an immutable top-of-book copy for monitoring.
type Top struct {
	Exchange  string
	Symbol    string
	Bid       *market.Level
	Ask       *market.Level
	Sequence  *int64
	Stale     bool
	Timestamp *time.Time
}

// Tops returns top-of-book copies for every live book.
func (s *Store) Tops() []Top {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tops := make([]Top, 0, len(s.books))
	for _, b := range s.books {
		bids, asks := b.view(1)
		t := Top{
			Exchange:  b.exchange,
			Symbol:    b.symbol.String(),
			Sequence:  b.sequencePtr(),
			Stale:     b.stale,
			Timestamp: b.lastTimestamp,
		}
		if len(bids) > 0 {
			l := bids[0]
			t.Bid = &l
		}
		if len(asks) > 0 {
			l := asks[0]
			t.Ask = &l
		}
		tops = append(tops, t)
	}
	return tops
}

func (s *Store) bookEvent(b *OrderBook, delta []market.Change, raw []byte) *market.Event {
	bids, asks := b.view(s.maxDepth)
	return &market.Event{
		Kind:      market.KindBook,
		Exchange:  b.exchange,
		Symbol:    b.symbol,
		Timestamp: b.lastTimestamp,
		Receipt:   b.lastReceipt,
		Raw:       raw,
		Payload: &market.BookUpdate{
			Bids:     bids,
			Asks:     asks,
			Delta:    delta,
			Sequence: b.sequencePtr(),
			MaxDepth: s.maxDepth,
		},
	}
}
