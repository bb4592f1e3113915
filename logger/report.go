package logger

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"feedflow/internal/metrics"
)

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and pipeline statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	snap := metrics.GetSnapshot()

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	venues := map[string]map[string]int64{}
	for name, vs := range snap.Venues {
		venues[name] = map[string]int64{
			"messages":     vs.Messages,
			"parse_errors": vs.ParseErrors,
			"gaps":         vs.Gaps,
		}
	}

	fields := Fields{
		"messages_parsed": snap.MessagesParsed,
		"parse_errors":    snap.ParseErrors,
		"sequence_gaps":   snap.SequenceGaps,
		"events_out":      snap.EventsOut,
		"queue_drops":     snap.QueueDrops,
		"rows_buffered":   snap.RowsBuffered,
		"rows_written":    snap.RowsWritten,
		"files_finalized": snap.FilesFinalized,
		"append_recovers": snap.AppendRecovers,
		"goroutines":      runtime.NumGoroutine(),
		"cpu_percent":     cpuPct,
		"memory_mb":       int64(memStats.Used) / 1024 / 1024,
		"venues":          venues,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("MessagesParsed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(snap.MessagesParsed))},
		cwtypes.MetricDatum{MetricName: aws.String("ParseErrors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(snap.ParseErrors))},
		cwtypes.MetricDatum{MetricName: aws.String("SequenceGaps"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(snap.SequenceGaps))},
		cwtypes.MetricDatum{MetricName: aws.String("QueueDrops"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(snap.QueueDrops))},
		cwtypes.MetricDatum{MetricName: aws.String("RowsWritten"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(snap.RowsWritten))},
		cwtypes.MetricDatum{MetricName: aws.String("FilesFinalized"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(snap.FilesFinalized))},
	)

	for name, vs := range snap.Venues {
		dims := []cwtypes.Dimension{{Name: aws.String("Exchange"), Value: aws.String(name)}}
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("VenueMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: dims,
				Value:      aws.Float64(float64(vs.Messages)),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("VenueParseErrors"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: dims,
				Value:      aws.Float64(float64(vs.ParseErrors)),
			},
		)
	}

	publishMetrics(ctx, data)
}
