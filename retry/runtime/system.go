package runtime

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"

	"github.com/LerianStudio/lib-retry/retry/log"
	"github.com/LerianStudio/lib-retry/retry/opentelemetry/metrics"
)

// SampleSystemCPU reads the current CPU usage and records it through the
// MetricsFactory gauge. Errors are logged at warn level and never propagate;
// a missing sample must not disturb the worker that triggered it.
func SampleSystemCPU(ctx context.Context, factory *metrics.MetricsFactory, logger Logger) {
	if factory == nil {
		return
	}

	out, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil && logger != nil {
		logger.Log(ctx, log.LevelWarn, "error getting CPU usage", log.Err(err))
	}

	var percentageCPU int64 = 0
	if len(out) > 0 {
		percentageCPU = int64(out[0])
	}

	if err := factory.RecordSystemCPUUsage(ctx, percentageCPU); err != nil && logger != nil {
		logger.Log(ctx, log.LevelWarn, "error recording CPU gauge", log.Err(err))
	}
}

// SampleSystemMemory reads the current memory usage and records it through
// the MetricsFactory gauge.
func SampleSystemMemory(ctx context.Context, factory *metrics.MetricsFactory, logger Logger) {
	if factory == nil {
		return
	}

	var percentageMem int64 = 0

	out, err := mem.VirtualMemory()
	if err != nil {
		if logger != nil {
			logger.Log(ctx, log.LevelWarn, "error getting memory info", log.Err(err))
		}
	} else {
		percentageMem = int64(out.UsedPercent)
	}

	if err := factory.RecordSystemMemUsage(ctx, percentageMem); err != nil && logger != nil {
		logger.Log(ctx, log.LevelWarn, "error recording memory gauge", log.Err(err))
	}
}

// SampleSystemUsage records one CPU and one memory usage sample. Long-lived
// supervisors call this on a ticker to correlate retry storms with resource
// pressure.
func SampleSystemUsage(ctx context.Context, factory *metrics.MetricsFactory, logger Logger) {
	if factory == nil {
		return
	}

	SampleSystemCPU(ctx, factory, logger)
	SampleSystemMemory(ctx, factory, logger)
}
