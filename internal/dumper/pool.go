package dumper

import (
	"errors"
	"sort"
	"sync"

	"feedflow/internal/market"
)

type poolKey struct {
	kind     market.Kind
	exchange string
	symbol   string
}

// Pool lazily creates one Dumper per partition and closes them together on
// shutdown. Partitions flush independently; the pool lock only guards the
// map.
type Pool struct {
	opts Options

	mu      sync.Mutex
	dumpers map[poolKey]*Dumper
	closed  bool
}

// NewPool creates an empty pool sharing opts across partitions.
func NewPool(opts Options) *Pool {
	return &Pool{
		opts:    opts,
		dumpers: make(map[poolKey]*Dumper),
	}
}

// Get returns the partition's Dumper, creating it on first use. It returns
// nil after CloseAll.
func (p *Pool) Get(kind market.Kind, exchange, symbol string) *Dumper {
	k := poolKey{kind, exchange, symbol}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	d, ok := p.dumpers[k]
	if !ok {
		d = New(kind, exchange, symbol, p.opts)
		p.dumpers[k] = d
	}
	return d
}

// Drop closes and removes one partition, typically after a schema failure
// so the rest of the pool keeps running.
func (p *Pool) Drop(kind market.Kind, exchange, symbol string) error {
	k := poolKey{kind, exchange, symbol}

	p.mu.Lock()
	d, ok := p.dumpers[k]
	delete(p.dumpers, k)
	p.mu.Unlock()

	if !ok {
		return nil
	}
	return d.Close()
}

// CloseAll flushes and finalizes every partition. Per-partition failures
// are collected; one partition's error never prevents closing the others.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	dumpers := make([]*Dumper, 0, len(p.dumpers))
	for _, d := range p.dumpers {
		dumpers = append(dumpers, d)
	}
	p.dumpers = make(map[poolKey]*Dumper)
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for _, d := range dumpers {
		if err := d.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats reports every live partition, ordered for stable display.
func (p *Pool) Stats() []Stat {
	p.mu.Lock()
	dumpers := make([]*Dumper, 0, len(p.dumpers))
	for _, d := range p.dumpers {
		dumpers = append(dumpers, d)
	}
	p.mu.Unlock()

	stats := make([]Stat, 0, len(dumpers))
	for _, d := range dumpers {
		stats = append(stats, d.Stats())
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Kind != stats[j].Kind {
			return stats[i].Kind < stats[j].Kind
		}
		if stats[i].Exchange != stats[j].Exchange {
			return stats[i].Exchange < stats[j].Exchange
		}
		return stats[i].Symbol < stats[j].Symbol
	})
	return stats
}
