// Package feed runs one handler per venue connection: inbound frames go
// through the venue adapter, book instructions through the order book
// store, and every resulting canonical event to the dispatcher.
package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"feedflow/internal/adapter"
	"feedflow/internal/book"
	"feedflow/internal/dispatch"
	"feedflow/internal/market"
	"feedflow/internal/metrics"
	"feedflow/logger"
)

// Config assembles one connection's collaborators.
type Config struct {
	Adapter    adapter.Adapter
	Table      adapter.SubscriptionTable
	Store      *book.Store
	Dispatcher *dispatch.Dispatcher

	// WrapEmitter optionally interposes on the adapter's output, e.g. to
	// order a venue's snapshot/delta bootstrap. May be nil.
	WrapEmitter func(adapter.Emitter) adapter.Emitter

	// Bootstrap runs after each successful subscribe, e.g. to fetch REST
	// book snapshots. May be nil.
	Bootstrap func(ctx context.Context) error

	// Resync recovers one symbol's book after a sequence gap. When nil the
	// handler re-sends the book subscription for that symbol.
	Resync func(ctx context.Context, sym market.Symbol) error
}

// Handler is one connection's message pump. It implements the transport
// Handler on the inbound side and the adapter Emitter on the outbound side.
type Handler struct {
	cfg     Config
	conn    adapter.Conn
	emitter adapter.Emitter
	log     *logger.Entry

	mu  sync.Mutex
	ctx context.Context
}

// NewHandler builds a handler; SetConn must be called before the transport
// starts delivering.
func NewHandler(cfg Config) *Handler {
	h := &Handler{
		cfg: cfg,
		log: logger.GetLogger().WithComponent("feed").WithFields(logger.Fields{
			"exchange": cfg.Adapter.Exchange(),
		}),
	}
	h.emitter = adapter.Emitter(h)
	if cfg.WrapEmitter != nil {
		h.emitter = cfg.WrapEmitter(h)
	}
	return h
}

// SetConn attaches the outbound half of the connection.
func (h *Handler) SetConn(conn adapter.Conn) { h.conn = conn }

// OnConnect authenticates when the table carries private channels, then
// subscribes and bootstraps.
func (h *Handler) OnConnect(ctx context.Context) error {
	h.mu.Lock()
	h.ctx = ctx
	h.mu.Unlock()

	if h.needsAuth() {
		auth, ok := h.cfg.Adapter.(adapter.Authenticator)
		if !ok {
			h.log.Warn("private channels configured but venue has no authenticator")
		} else if err := auth.Authenticate(ctx, h.conn); err != nil {
			return err
		}
	}
	if err := h.cfg.Adapter.Subscribe(ctx, h.conn, h.cfg.Table); err != nil {
		return err
	}
	h.log.WithFields(logger.Fields{"channels": len(h.cfg.Table)}).Info("subscribed")

	if h.cfg.Bootstrap != nil {
		go func() {
			if err := h.cfg.Bootstrap(ctx); err != nil && ctx.Err() == nil {
				h.log.WithError(err).Error("bootstrap failed")
			}
		}()
	}
	return nil
}

func (h *Handler) needsAuth() bool {
	_, order := h.cfg.Table[market.KindOrderInfo]
	_, fills := h.cfg.Table[market.KindFills]
	return order || fills
}

// OnMessage parses one frame. Parse errors are counted and logged; the
// connection continues.
func (h *Handler) OnMessage(raw []byte, receipt time.Time) {
	if err := h.cfg.Adapter.Parse(raw, receipt, h.emitter); err != nil {
		metrics.IncrementParseError(h.cfg.Adapter.Exchange())
		h.log.WithError(err).WithFields(logger.Fields{
			"raw": truncate(raw, 512),
		}).Warn("message skipped")
		return
	}
	metrics.IncrementParsed(h.cfg.Adapter.Exchange())
}

// OnDisconnect drops this connection's book state: after a reconnect only
// a fresh snapshot is authoritative.
func (h *Handler) OnDisconnect() {
	h.cfg.Store.Reset(h.cfg.Adapter.Exchange())
	if r, ok := h.cfg.Adapter.(interface{ Reset() }); ok {
		r.Reset()
	}
	if h.cfg.WrapEmitter != nil {
		if r, ok := h.emitter.(interface{ Reset() }); ok {
			r.Reset()
		}
	}
	h.log.Info("connection state reset")
}

// Event forwards a canonical event to the dispatcher.
func (h *Handler) Event(ev *market.Event) {
	h.cfg.Dispatcher.Dispatch(ev)
}

// BookSnapshot installs a snapshot and dispatches the resulting book event.
func (h *Handler) BookSnapshot(snap book.Snapshot) {
	h.cfg.Dispatcher.Dispatch(h.cfg.Store.ApplySnapshot(snap))
}

// BookDelta applies a delta under the venue's gap policy. A gap marks the
// book stale and triggers resynchronization; deltas without an installed or
// fresh book are dropped until the next snapshot.
func (h *Handler) BookDelta(d book.Delta) {
	ev, err := h.cfg.Store.ApplyDelta(d, h.cfg.Adapter.GapPolicy())
	if err == nil {
		h.cfg.Dispatcher.Dispatch(ev)
		return
	}

	var gap *book.SequenceGapError
	switch {
	case errors.As(err, &gap):
		metrics.IncrementSequenceGap(d.Exchange)
		h.log.WithFields(logger.Fields{
			"symbol":   d.Symbol.String(),
			"expected": gap.Expected,
			"got":      gap.Got,
		}).Warn("sequence gap, resynchronizing book")
		h.resync(d.Symbol)
	case errors.Is(err, book.ErrNoBook), errors.Is(err, book.ErrStale):
		h.log.WithFields(logger.Fields{
			"symbol": d.Symbol.String(),
		}).Debug("delta dropped, awaiting snapshot")
	default:
		h.log.WithError(err).WithFields(logger.Fields{
			"symbol": d.Symbol.String(),
		}).Error("delta rejected")
	}
}

func (h *Handler) resync(sym market.Symbol) {
	h.mu.Lock()
	ctx := h.ctx
	h.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	go func() {
		var err error
		if h.cfg.Resync != nil {
			err = h.cfg.Resync(ctx, sym)
		} else {
			err = h.cfg.Adapter.Subscribe(ctx, h.conn, adapter.SubscriptionTable{
				market.KindBook: {sym},
			})
		}
		if err != nil && ctx.Err() == nil {
			h.log.WithError(err).WithFields(logger.Fields{
				"symbol": sym.String(),
			}).Error("book resynchronization failed")
		}
	}()
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
