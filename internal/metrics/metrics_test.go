package metrics

import "testing"

func TestCountersAccumulate(t *testing.T) {
	before := GetSnapshot()

	IncrementParsed("bybit")
	IncrementParsed("bybit")
	IncrementParseError("bybit")
	IncrementSequenceGap("binance")
	IncrementEventsOut(3)
	IncrementQueueDrop()
	IncrementRowsBuffered(5)
	IncrementRowsWritten(5)
	IncrementFilesFinalized()
	IncrementAppendRecover()

	after := GetSnapshot()
	if got := after.MessagesParsed - before.MessagesParsed; got != 2 {
		t.Errorf("messages parsed delta: %d", got)
	}
	if got := after.ParseErrors - before.ParseErrors; got != 1 {
		t.Errorf("parse errors delta: %d", got)
	}
	if got := after.SequenceGaps - before.SequenceGaps; got != 1 {
		t.Errorf("sequence gaps delta: %d", got)
	}
	if got := after.EventsOut - before.EventsOut; got != 3 {
		t.Errorf("events out delta: %d", got)
	}
	if got := after.QueueDrops - before.QueueDrops; got != 1 {
		t.Errorf("queue drops delta: %d", got)
	}
	if got := after.RowsBuffered - before.RowsBuffered; got != 5 {
		t.Errorf("rows buffered delta: %d", got)
	}
	if got := after.RowsWritten - before.RowsWritten; got != 5 {
		t.Errorf("rows written delta: %d", got)
	}
	if got := after.FilesFinalized - before.FilesFinalized; got != 1 {
		t.Errorf("files finalized delta: %d", got)
	}
	if got := after.AppendRecovers - before.AppendRecovers; got != 1 {
		t.Errorf("append recovers delta: %d", got)
	}
}

func TestVenueCounters(t *testing.T) {
	before := GetSnapshot().Venues["kucoin"]

	IncrementParsed("kucoin")
	IncrementParseError("kucoin")
	IncrementSequenceGap("kucoin")

	after := GetSnapshot().Venues["kucoin"]
	if after.Messages-before.Messages != 1 {
		t.Errorf("venue messages delta: %d", after.Messages-before.Messages)
	}
	if after.ParseErrors-before.ParseErrors != 1 {
		t.Errorf("venue parse errors delta: %d", after.ParseErrors-before.ParseErrors)
	}
	if after.Gaps-before.Gaps != 1 {
		t.Errorf("venue gaps delta: %d", after.Gaps-before.Gaps)
	}
}
