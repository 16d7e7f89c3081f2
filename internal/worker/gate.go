package worker

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/taskd-io/taskd/internal/metrics"
)

// resourceGate pauses task consumption while the host is above its CPU or
// memory watermark, so a loaded machine drains before taking more work.
type resourceGate struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	maxCPU    float64 // percent, 0 disables
	maxMemory float64 // percent, 0 disables
	interval  time.Duration
}

func newResourceGate(maxCPU, maxMemory float64, m *metrics.Metrics, logger *zap.Logger) *resourceGate {
	return &resourceGate{
		logger:    logger.Named("resource-gate"),
		metrics:   m,
		maxCPU:    maxCPU,
		maxMemory: maxMemory,
		interval:  2 * time.Second,
	}
}

// Wait blocks until the host is below both watermarks or ctx is done.
func (g *resourceGate) Wait(ctx context.Context) error {
	for {
		over, reason := g.overLimit(ctx)
		if !over {
			g.metrics.ConsumePausedGate.Set(0)
			return ctx.Err()
		}

		g.metrics.ConsumePausedGate.Set(1)
		g.logger.Warn("Pausing consumption", zap.String("reason", reason))

		select {
		case <-ctx.Done():
			g.metrics.ConsumePausedGate.Set(0)
			return ctx.Err()
		case <-time.After(g.interval):
		}
	}
}

func (g *resourceGate) overLimit(ctx context.Context) (bool, string) {
	if g.maxCPU > 0 {
		percents, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false)
		if err != nil {
			g.logger.Warn("Failed to sample CPU", zap.Error(err))
		} else if len(percents) > 0 && percents[0] > g.maxCPU {
			return true, "cpu above watermark"
		}
	}
	if g.maxMemory > 0 {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			g.logger.Warn("Failed to sample memory", zap.Error(err))
		} else if vm.UsedPercent > g.maxMemory {
			return true, "memory above watermark"
		}
	}
	return false, ""
}
