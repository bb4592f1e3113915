// Package dispatch fans canonical events out to registered sinks. Every
// (event-kind, sink) registration owns an independent bounded queue and a
// single delivery goroutine, so one slow sink never delays another.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"feedflow/internal/market"
	"feedflow/internal/metrics"
	"feedflow/logger"
)

// Sink consumes canonical events. Write is called from the registration's
// delivery goroutine, one event at a time, in arrival order.
type Sink interface {
	Write(ctx context.Context, ev *market.Event) error
}

// QueueConfig sizes a registration's queue and picks its full-queue policy.
type QueueConfig struct {
	Capacity int
	OnFull   Policy
}

type subscription struct {
	name  string
	kind  market.Kind
	sink  Sink
	queue *queue
}

// Dispatcher routes events to sinks by kind.
type Dispatcher struct {
	mu      sync.RWMutex
	subs    map[market.Kind][]*subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	log     *logger.Log
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subs: make(map[market.Kind][]*subscription),
		log:  logger.GetLogger(),
	}
}

// Register subscribes sink to one event kind. Must be called before Start.
func (d *Dispatcher) Register(name string, kind market.Kind, sink Sink, cfg QueueConfig) error {
	if cfg.Capacity <= 0 {
		return fmt.Errorf("queue capacity must be positive, got %d", cfg.Capacity)
	}
	switch cfg.OnFull {
	case Block, DropOldest, DropNewest:
	default:
		return fmt.Errorf("unknown backpressure policy %q", cfg.OnFull)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return fmt.Errorf("dispatcher already started")
	}
	d.subs[kind] = append(d.subs[kind], &subscription{
		name:  name,
		kind:  kind,
		sink:  sink,
		queue: newQueue(cfg.Capacity, cfg.OnFull),
	})

	d.log.WithComponent("dispatcher").WithFields(logger.Fields{
		"sink":     name,
		"kind":     string(kind),
		"capacity": cfg.Capacity,
		"on_full":  string(cfg.OnFull),
	}).Info("sink registered")
	return nil
}

// Start spawns one delivery worker per registration.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return fmt.Errorf("dispatcher already started")
	}
	d.started = true
	d.ctx, d.cancel = context.WithCancel(context.WithoutCancel(ctx))

	for _, subs := range d.subs {
		for _, sub := range subs {
			d.wg.Add(1)
			go d.deliver(sub)
		}
	}
	d.log.WithComponent("dispatcher").Info("dispatcher started")
	return nil
}

// Dispatch offers the event to every sink registered for its kind. Sinks
// with a Block policy may stall the caller; lossy sinks never do.
func (d *Dispatcher) Dispatch(ev *market.Event) {
	d.mu.RLock()
	subs := d.subs[ev.Kind]
	d.mu.RUnlock()

	for _, sub := range subs {
		if sub.queue.push(ev) {
			metrics.IncrementQueueDrop()
			d.log.WithComponent("dispatcher").WithFields(logger.Fields{
				"sink": sub.name,
				"kind": string(ev.Kind),
			}).Debug("queue full, event dropped")
		}
	}
	metrics.IncrementEventsOut(1)
}

// Close drains every queue and waits for delivery workers to finish. Events
// already queued are still delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	for _, subs := range d.subs {
		for _, sub := range subs {
			sub.queue.close()
		}
	}
	d.mu.Unlock()

	d.wg.Wait()
	if d.cancel != nil {
		d.cancel()
	}
	d.log.WithComponent("dispatcher").Info("dispatcher stopped")
}

func (d *Dispatcher) deliver(sub *subscription) {
	defer d.wg.Done()

	log := d.log.WithComponent("dispatcher").WithFields(logger.Fields{
		"sink": sub.name,
		"kind": string(sub.kind),
	})

	for {
		ev, ok := sub.queue.pop()
		if !ok {
			return
		}
		if err := sub.sink.Write(d.ctx, ev); err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"exchange": ev.Exchange,
				"symbol":   ev.Symbol.String(),
			}).Error("sink write failed")
		}
	}
}

// QueueStat describes one registration's queue for monitoring.
type QueueStat struct {
	Sink     string `json:"sink"`
	Kind     string `json:"kind"`
	Length   int    `json:"length"`
	Capacity int    `json:"capacity"`
}

// Stats returns the current length of every registration queue.
func (d *Dispatcher) Stats() []QueueStat {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []QueueStat
	for _, subs := range d.subs {
		for _, sub := range subs {
			out = append(out, QueueStat{
				Sink:     sub.name,
				Kind:     string(sub.kind),
				Length:   sub.queue.len(),
				Capacity: len(sub.queue.items),
			})
		}
	}
	return out
}
