// Package metrics keeps process-wide counters for the ingestion pipeline.
// Counters are plain atomics so hot paths never take a lock; the logger's
// periodic report and the dashboard read them through GetSnapshot.
package metrics

import (
	"sync"
	"sync/atomic"
)

var (
	messagesParsed int64
	parseErrors    int64
	sequenceGaps   int64
	eventsOut      int64
	queueDrops     int64
	rowsBuffered   int64
	rowsWritten    int64
	filesFinalized int64
	appendRecovers int64

	perVenue sync.Map // map[string]*venueStat
)

type venueStat struct {
	messages    int64
	parseErrors int64
	gaps        int64
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	MessagesParsed int64
	ParseErrors    int64
	SequenceGaps   int64
	EventsOut      int64
	QueueDrops     int64
	RowsBuffered   int64
	RowsWritten    int64
	FilesFinalized int64
	AppendRecovers int64
	Venues         map[string]VenueSnapshot
}

// VenueSnapshot carries the per-venue slice of the counters.
type VenueSnapshot struct {
	Messages    int64
	ParseErrors int64
	Gaps        int64
}

func venue(exchange string) *venueStat {
	v, _ := perVenue.LoadOrStore(exchange, &venueStat{})
	return v.(*venueStat)
}

// IncrementParsed records one successfully handled inbound message.
func IncrementParsed(exchange string) {
	atomic.AddInt64(&messagesParsed, 1)
	atomic.AddInt64(&venue(exchange).messages, 1)
}

// IncrementParseError records one malformed or unrecognized inbound message.
func IncrementParseError(exchange string) {
	atomic.AddInt64(&parseErrors, 1)
	atomic.AddInt64(&venue(exchange).parseErrors, 1)
}

// IncrementSequenceGap records one rejected book update.
func IncrementSequenceGap(exchange string) {
	atomic.AddInt64(&sequenceGaps, 1)
	atomic.AddInt64(&venue(exchange).gaps, 1)
}

// IncrementEventsOut records events handed to the dispatcher.
func IncrementEventsOut(n int) {
	atomic.AddInt64(&eventsOut, int64(n))
}

// IncrementQueueDrop records one event discarded by a full sink queue.
func IncrementQueueDrop() {
	atomic.AddInt64(&queueDrops, 1)
}

// IncrementRowsBuffered records rows accepted into partition buffers.
func IncrementRowsBuffered(n int) {
	atomic.AddInt64(&rowsBuffered, int64(n))
}

// IncrementRowsWritten records rows flushed into parquet row groups.
func IncrementRowsWritten(n int) {
	atomic.AddInt64(&rowsWritten, int64(n))
}

// IncrementFilesFinalized records partition files closed and made readable.
func IncrementFilesFinalized() {
	atomic.AddInt64(&filesFinalized, 1)
}

// IncrementAppendRecover records a pseudo-append that re-read an existing file.
func IncrementAppendRecover() {
	atomic.AddInt64(&appendRecovers, 1)
}

// GetSnapshot returns a copy of every counter.
func GetSnapshot() Snapshot {
	s := Snapshot{
		MessagesParsed: atomic.LoadInt64(&messagesParsed),
		ParseErrors:    atomic.LoadInt64(&parseErrors),
		SequenceGaps:   atomic.LoadInt64(&sequenceGaps),
		EventsOut:      atomic.LoadInt64(&eventsOut),
		QueueDrops:     atomic.LoadInt64(&queueDrops),
		RowsBuffered:   atomic.LoadInt64(&rowsBuffered),
		RowsWritten:    atomic.LoadInt64(&rowsWritten),
		FilesFinalized: atomic.LoadInt64(&filesFinalized),
		AppendRecovers: atomic.LoadInt64(&appendRecovers),
		Venues:         map[string]VenueSnapshot{},
	}
	perVenue.Range(func(k, v any) bool {
		vs := v.(*venueStat)
		s.Venues[k.(string)] = VenueSnapshot{
			Messages:    atomic.LoadInt64(&vs.messages),
			ParseErrors: atomic.LoadInt64(&vs.parseErrors),
			Gaps:        atomic.LoadInt64(&vs.gaps),
		}
		return true
	})
	return s
}
