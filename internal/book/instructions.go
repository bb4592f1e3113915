package book

import (
	"encoding/json"
	"time"

	"feedflow/internal/market"
)

// GapPolicy declares how a venue's sequence numbers chain between deltas.
// Adapters must declare their policy explicitly; there is no shared default.
type GapPolicy int

const (
	// GapPolicyNone disables gap detection for venues with no sequencing.
	GapPolicyNone GapPolicy = iota
	// GapPolicyExact requires seq == previous+1, or prev_seq == previous for
	// venues that chain ids explicitly.
	GapPolicyExact
	// GapPolicyIncreasing requires seq > previous.
	GapPolicyIncreasing
)

func (p GapPolicy) String() string {
	switch p {
	case GapPolicyExact:
		return "exact"
	case GapPolicyIncreasing:
		return "increasing"
	default:
		return "none"
	}
}

// Snapshot replaces a book wholesale.
type Snapshot struct {
	Exchange  string
	Symbol    market.Symbol
	Sequence  *int64
	Bids      []market.Level
	Asks      []market.Level
	Timestamp *time.Time
	Receipt   time.Time
	Raw       json.RawMessage
}

// Delta applies incremental level changes to an existing book. PrevSequence
// is set by venues that chain update ids explicitly (e.g. a "previous update
// id" field); when nil, Exact policy falls back to seq == previous+1.
type Delta struct {
	Exchange     string
	Symbol       market.Symbol
	Sequence     *int64
	PrevSequence *int64
	// FirstSequence is the first update id covered by this delta, for venues
	// whose deltas span id ranges. Only consulted when resynchronizing.
	FirstSequence *int64
	Changes       []market.Change
	Timestamp     *time.Time
	Receipt       time.Time
	Raw           json.RawMessage
}
