// Package dumper persists flat event records as partitioned parquet files.
// A partition is one (event type, venue, symbol) triple; its files rotate
// on calendar-date boundaries and carry pseudo-append semantics so a
// restart mid-day folds the existing file's rows into the new one.
package dumper

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"feedflow/internal/market"
	"feedflow/internal/metrics"
	"feedflow/logger"
)

// Options configures a Dumper or a Pool of them.
type Options struct {
	Root        string
	BufferRows  int
	Compression string // snappy, gzip or uncompressed

	// Now supplies the clock used for rotation decisions. Defaults to
	// time.Now; tests inject a fake to cross date boundaries.
	Now func() time.Time

	// OnFinalize is called after a partition file is closed and readable,
	// from the flushing goroutine. May be nil.
	OnFinalize func(FileInfo)
}

// FileInfo describes one finalized partition file.
type FileInfo struct {
	Path     string
	Kind     market.Kind
	Exchange string
	Symbol   string
	Date     string
	Rows     int64
}

// Dumper buffers records for one partition and writes them out as parquet
// row groups. All methods are safe for concurrent use; distinct partitions
// never contend with each other.
type Dumper struct {
	kind     market.Kind
	exchange string
	symbol   string
	opts     Options

	mu           sync.Mutex
	schema       *Schema
	buffer       []map[string]any
	pw           *writer.JSONWriter
	fw           source.ParquetFile
	fileDate     string
	filePath     string
	fileRows     int64
	containsGaps bool
	terminating  bool

	log *logger.Entry
}

// New creates a Dumper for one partition. Zero or negative BufferRows falls
// back to 500 rows, matching the row-group size of the written files.
func New(kind market.Kind, exchange, symbol string, opts Options) *Dumper {
	if opts.BufferRows <= 0 {
		opts.BufferRows = 500
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dumper{
		kind:     kind,
		exchange: exchange,
		symbol:   symbol,
		opts:     opts,
		buffer:   make([]map[string]any, 0, opts.BufferRows),
		log: logger.GetLogger().WithComponent("dumper").WithFields(logger.Fields{
			"event_type": string(kind),
			"exchange":   exchange,
			"symbol":     symbol,
		}),
	}
}

func (d *Dumper) partition() string {
	return fmt.Sprintf("%s/%s/%s", d.kind, d.exchange, d.symbol)
}

// Write appends one record to the partition buffer. The first record ever
// seen freezes the schema; later records must fit it. A record dated past
// the open file's calendar date first flushes and finalizes that file.
func (d *Dumper) Write(rec market.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.terminating {
		return fmt.Errorf("partition %s is closed", d.partition())
	}

	date := d.opts.Now().UTC().Format(time.DateOnly)
	if d.pw != nil && date != d.fileDate {
		if err := d.flushLocked(); err != nil {
			return err
		}
		if err := d.finalizeLocked(); err != nil {
			return err
		}
	}

	if d.schema == nil {
		schema, err := inferSchema(d.partition(), rec)
		if err != nil {
			return err
		}
		d.schema = schema
		d.log.WithFields(logger.Fields{"columns": len(schema.Columns)}).Debug("schema inferred")
	}

	row := make(map[string]any, len(d.schema.Columns))
	matched := 0
	for _, c := range d.schema.Columns {
		v, ok := rec[c.Name]
		if !ok {
			row[c.Name] = nil
			continue
		}
		matched++
		cv, err := coerce(v, c.Type)
		if err != nil {
			return &SchemaError{Partition: d.partition(), Field: c.Name, Value: v, Reason: err.Error()}
		}
		row[c.Name] = cv
	}
	if matched != len(rec) {
		for name := range rec {
			if _, ok := d.schema.index[name]; !ok {
				return &SchemaError{Partition: d.partition(), Field: name, Value: rec[name], Reason: "field not in frozen schema"}
			}
		}
	}

	d.buffer = append(d.buffer, row)
	metrics.IncrementRowsBuffered(1)

	if len(d.buffer) >= d.opts.BufferRows {
		return d.flushLocked()
	}
	return nil
}

// Flush writes any buffered rows out as a row group. A flush with no
// buffered rows is a no-op.
func (d *Dumper) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushLocked()
}

func (d *Dumper) flushLocked() error {
	if len(d.buffer) == 0 {
		return nil
	}
	if d.pw == nil {
		if err := d.reopenLocked(); err != nil {
			return err
		}
	}
	for _, row := range d.buffer {
		b, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("partition %s: encode row: %w", d.partition(), err)
		}
		if err := d.pw.Write(string(b)); err != nil {
			return fmt.Errorf("partition %s: write row: %w", d.partition(), err)
		}
	}
	if err := d.pw.Flush(true); err != nil {
		return fmt.Errorf("partition %s: flush row group: %w", d.partition(), err)
	}
	d.fileRows += int64(len(d.buffer))
	metrics.IncrementRowsWritten(len(d.buffer))
	d.buffer = d.buffer[:0]
	return nil
}

// reopenLocked opens the partition's file for the current date. When the
// path already exists the previous file is renamed aside, its rows are read
// back and re-written first, and the aside copy is deleted. A failed
// read-back logs a warning and continues with a fresh file.
func (d *Dumper) reopenLocked() error {
	d.fileDate = d.opts.Now().UTC().Format(time.DateOnly)
	dir := filepath.Join(d.opts.Root, string(d.kind),
		"exchange="+d.exchange, "symbol="+d.symbol, "dt="+d.fileDate)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("partition %s: create directory: %w", d.partition(), err)
	}
	d.filePath = filepath.Join(dir, d.fileName())
	d.containsGaps = false

	var previous []market.Record
	if _, err := os.Stat(d.filePath); err == nil {
		aside := d.filePath + ".bak"
		if err := os.Rename(d.filePath, aside); err != nil {
			d.log.WithError(err).Warn("cannot set existing file aside, starting fresh")
		} else if data, err := ReadAll(aside); err != nil {
			d.log.WithError(err).Warn("cannot append to the existing file")
		} else {
			previous = data.Records
			d.schema = mergeSchemas(data.Columns, d.schema)
			d.containsGaps = true
		}
	}

	fw, err := local.NewLocalFileWriter(d.filePath)
	if err != nil {
		return fmt.Errorf("partition %s: open %s: %w", d.partition(), d.filePath, err)
	}
	pw, err := writer.NewJSONWriter(d.schema.writerSchema(), fw, 2)
	if err != nil {
		fw.Close()
		return fmt.Errorf("partition %s: create parquet writer: %w", d.partition(), err)
	}
	pw.CompressionType = d.codec()
	names, _ := json.Marshal(d.schema.names())
	pw.Footer.KeyValueMetadata = append(pw.Footer.KeyValueMetadata,
		keyValue("date", d.fileDate),
		keyValue("contains_gaps", yesNo(d.containsGaps)),
		keyValue("symbol", d.symbol),
		keyValue("event_type", string(d.kind)),
		keyValue("exchange", d.exchange),
		keyValue(columnNamesKey, string(names)),
	)
	d.pw, d.fw = pw, fw
	d.fileRows = 0
	d.log.WithFields(logger.Fields{"path": d.filePath}).Debug("opened partition file")

	if previous != nil {
		for _, rec := range previous {
			row := make(map[string]any, len(d.schema.Columns))
			for _, c := range d.schema.Columns {
				cv, err := coerce(rec[c.Name], c.Type)
				if err != nil {
					cv = nil
				}
				row[c.Name] = cv
			}
			b, err := json.Marshal(row)
			if err == nil {
				err = d.pw.Write(string(b))
			}
			if err != nil {
				return fmt.Errorf("partition %s: rewrite previous rows: %w", d.partition(), err)
			}
		}
		if err := d.pw.Flush(true); err != nil {
			return fmt.Errorf("partition %s: flush previous rows: %w", d.partition(), err)
		}
		d.fileRows = int64(len(previous))
		if err := os.Remove(d.filePath + ".bak"); err != nil {
			d.log.WithError(err).Warn("cannot remove aside file")
		}
		metrics.IncrementAppendRecover()
		d.log.WithFields(logger.Fields{"previous_rows": len(previous)}).Info("recovered existing partition file")
	}
	return nil
}

func (d *Dumper) finalizeLocked() error {
	if d.pw == nil {
		return nil
	}
	if err := d.pw.WriteStop(); err != nil {
		return fmt.Errorf("partition %s: finalize %s: %w", d.partition(), d.filePath, err)
	}
	if err := d.fw.Close(); err != nil {
		return fmt.Errorf("partition %s: close %s: %w", d.partition(), d.filePath, err)
	}
	info := FileInfo{
		Path:     d.filePath,
		Kind:     d.kind,
		Exchange: d.exchange,
		Symbol:   d.symbol,
		Date:     d.fileDate,
		Rows:     d.fileRows,
	}
	d.pw, d.fw = nil, nil
	d.fileRows = 0
	metrics.IncrementFilesFinalized()
	d.log.WithFields(logger.Fields{"path": info.Path, "rows": info.Rows}).Info("partition file finalized")
	if d.opts.OnFinalize != nil {
		d.opts.OnFinalize(info)
	}
	return nil
}

// Close flushes remaining rows, rejects further writes and finalizes the
// open file so it is readable by standard parquet readers. Close is
// idempotent.
func (d *Dumper) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.terminating {
		return nil
	}
	if err := d.flushLocked(); err != nil {
		d.terminating = true
		return err
	}
	d.terminating = true
	return d.finalizeLocked()
}

// Stat reports the partition's live buffer and file counters.
type Stat struct {
	Kind     string `json:"event_type"`
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
	Buffered int    `json:"buffered"`
	FileRows int64  `json:"file_rows"`
	FileDate string `json:"file_date,omitempty"`
}

// Stats returns a point-in-time copy of the partition's counters.
func (d *Dumper) Stats() Stat {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stat{
		Kind:     string(d.kind),
		Exchange: d.exchange,
		Symbol:   d.symbol,
		Buffered: len(d.buffer),
		FileRows: d.fileRows,
		FileDate: d.fileDate,
	}
}

func (d *Dumper) fileName() string {
	switch d.opts.Compression {
	case "gzip":
		return "1.gz.parquet"
	case "uncompressed":
		return "1.parquet"
	default:
		return "1.snappy.parquet"
	}
}

func (d *Dumper) codec() parquet.CompressionCodec {
	switch d.opts.Compression {
	case "gzip":
		return parquet.CompressionCodec_GZIP
	case "uncompressed":
		return parquet.CompressionCodec_UNCOMPRESSED
	default:
		return parquet.CompressionCodec_SNAPPY
	}
}

func keyValue(k, v string) *parquet.KeyValue {
	kv := parquet.NewKeyValue()
	kv.Key = k
	kv.Value = &v
	return kv
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
