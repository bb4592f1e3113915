// Package adapter defines the contract between venue message grammars and
// the rest of the pipeline. Each venue package parses its own wire frames
// into canonical events and book instructions; nothing downstream ever
// branches on venue-specific message shapes.
package adapter

import (
	"context"
	"fmt"
	"time"

	"feedflow/internal/book"
	"feedflow/internal/market"
)

// Conn is the outbound half of a venue connection. Adapters use it only to
// send subscribe and auth payloads they construct.
type Conn interface {
	Send(ctx context.Context, payload []byte) error
}

// SubscriptionTable maps an event kind to the canonical symbols subscribed
// for it on one connection.
type SubscriptionTable map[market.Kind][]market.Symbol

// Symbols returns the symbols subscribed for one kind, nil when none.
func (t SubscriptionTable) Symbols(kind market.Kind) []market.Symbol {
	return t[kind]
}

// Emitter receives the adapter's parse output. Implementations apply book
// instructions to the order book store and forward events to the dispatcher.
type Emitter interface {
	Event(ev *market.Event)
	BookSnapshot(snap book.Snapshot)
	BookDelta(d book.Delta)
}

// Adapter is one venue's message grammar.
type Adapter interface {
	// Exchange returns the venue identifier used in events and partitions.
	Exchange() string

	// GapPolicy declares how this venue's book sequence numbers chain.
	GapPolicy() book.GapPolicy

	// Subscribe sends the subscribe payloads for the table's channels.
	Subscribe(ctx context.Context, conn Conn, table SubscriptionTable) error

	// Parse decodes one inbound frame and emits its canonical output.
	// A malformed frame returns a *ParseError; the connection continues.
	Parse(raw []byte, receipt time.Time, out Emitter) error
}

// Authenticator is implemented by adapters supporting private channels.
type Authenticator interface {
	Authenticate(ctx context.Context, conn Conn) error
}

// ParseError reports one undecodable or unrecognized inbound frame.
type ParseError struct {
	Exchange string
	Raw      []byte
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: cannot parse message: %v", e.Exchange, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
