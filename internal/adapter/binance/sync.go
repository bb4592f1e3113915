package binance

import (
	"sync"

	"feedflow/internal/adapter"
	"feedflow/internal/book"
	"feedflow/internal/market"
)

// pendingLimit bounds buffered deltas per symbol while the REST snapshot is
// in flight; beyond it the oldest are discarded, which at worst surfaces as
// a sequence gap and triggers another snapshot.
const pendingLimit = 1000

// Syncer wraps an Emitter and orders the Binance book bootstrap: depth
// deltas arriving before the REST snapshot are buffered, then replayed once
// the snapshot lands. The first replayed delta covering the snapshot's
// update id is re-anchored so the pu chain continues from the snapshot.
type Syncer struct {
	inner adapter.Emitter

	mu      sync.Mutex
	pending map[market.Symbol][]book.Delta
	synced  map[market.Symbol]bool
}

// NewSyncer wraps inner for one connection.
func NewSyncer(inner adapter.Emitter) *Syncer {
	return &Syncer{
		inner:   inner,
		pending: make(map[market.Symbol][]book.Delta),
		synced:  make(map[market.Symbol]bool),
	}
}

// Event passes non-book events straight through.
func (s *Syncer) Event(ev *market.Event) {
	s.inner.Event(ev)
}

// BookSnapshot forwards the snapshot, then replays buffered deltas: those
// at or below the snapshot's update id are stale and dropped, the first one
// past it is re-anchored to the snapshot sequence.
func (s *Syncer) BookSnapshot(snap book.Snapshot) {
	s.inner.BookSnapshot(snap)

	s.mu.Lock()
	pending := s.pending[snap.Symbol]
	delete(s.pending, snap.Symbol)
	s.synced[snap.Symbol] = true
	s.mu.Unlock()

	if snap.Sequence == nil {
		for _, d := range pending {
			s.inner.BookDelta(d)
		}
		return
	}

	last := *snap.Sequence
	anchored := false
	for _, d := range pending {
		if d.Sequence == nil || *d.Sequence <= last {
			continue
		}
		if !anchored {
			if d.FirstSequence != nil && *d.FirstSequence <= last+1 {
				anchor := last
				d.PrevSequence = &anchor
			}
			anchored = true
		}
		s.inner.BookDelta(d)
	}
}

// BookDelta buffers deltas until the symbol's snapshot has been applied.
func (s *Syncer) BookDelta(d book.Delta) {
	s.mu.Lock()
	if s.synced[d.Symbol] {
		s.mu.Unlock()
		s.inner.BookDelta(d)
		return
	}
	q := append(s.pending[d.Symbol], d)
	if len(q) > pendingLimit {
		q = q[len(q)-pendingLimit:]
	}
	s.pending[d.Symbol] = q
	s.mu.Unlock()
}

// Desync marks a symbol as needing a fresh snapshot, typically after a
// detected gap. Deltas buffer again until the next BookSnapshot.
func (s *Syncer) Desync(sym market.Symbol) {
	s.mu.Lock()
	delete(s.synced, sym)
	delete(s.pending, sym)
	s.mu.Unlock()
}

// Reset drops all sync state, used when the connection drops.
func (s *Syncer) Reset() {
	s.mu.Lock()
	s.pending = make(map[market.Symbol][]book.Delta)
	s.synced = make(map[market.Symbol]bool)
	s.mu.Unlock()
}
