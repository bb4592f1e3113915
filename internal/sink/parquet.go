// Package sink adapts the persistence engine to the dispatcher and ships
// finalized files to object storage.
package sink

import (
	"context"
	"errors"
	"sync"

	"feedflow/internal/dumper"
	"feedflow/internal/market"
	"feedflow/logger"
)

type partitionKey struct {
	kind     market.Kind
	exchange string
	symbol   string
}

// ParquetSink writes dispatched events into per-partition parquet dumpers.
// A schema failure kills its partition only; the sink keeps serving every
// other partition.
type ParquetSink struct {
	pool *dumper.Pool

	mu     sync.Mutex
	failed map[partitionKey]error

	log *logger.Entry
}

// NewParquetSink wraps a dumper pool as a dispatch sink.
func NewParquetSink(pool *dumper.Pool) *ParquetSink {
	return &ParquetSink{
		pool:   pool,
		failed: make(map[partitionKey]error),
		log:    logger.GetLogger().WithComponent("parquet_sink"),
	}
}

// Write appends the event's flat record to its partition.
func (s *ParquetSink) Write(ctx context.Context, ev *market.Event) error {
	key := partitionKey{ev.Kind, ev.Exchange, ev.Symbol.String()}

	s.mu.Lock()
	_, dead := s.failed[key]
	s.mu.Unlock()
	if dead {
		return nil
	}

	d := s.pool.Get(ev.Kind, ev.Exchange, key.symbol)
	if d == nil {
		return nil
	}
	err := d.Write(ev.Record())
	if err == nil {
		return nil
	}

	var se *dumper.SchemaError
	if errors.As(err, &se) {
		s.mu.Lock()
		s.failed[key] = err
		s.mu.Unlock()
		if dropErr := s.pool.Drop(ev.Kind, ev.Exchange, key.symbol); dropErr != nil {
			s.log.WithError(dropErr).Warn("closing failed partition")
		}
		s.log.WithError(err).WithFields(logger.Fields{
			"event_type": string(ev.Kind),
			"exchange":   ev.Exchange,
			"symbol":     key.symbol,
		}).Error("partition disabled after schema failure")
	}
	return err
}

// Close flushes and finalizes every partition.
func (s *ParquetSink) Close() error {
	return s.pool.CloseAll()
}

// Stats exposes per-partition counters for the dashboard.
func (s *ParquetSink) Stats() []dumper.Stat {
	return s.pool.Stats()
}
