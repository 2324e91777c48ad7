package report

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ZapSink writes every event to a zap logger. Soft sync steps and
// per-round progress are logged at debug level.
type ZapSink struct {
	Logger *zap.Logger
}

func (o ZapSink) PhaseStart(name string) {
	o.Logger.Info("phase started", zap.String("phase", name))
}

func (o ZapSink) PhaseEnd(name string, lap time.Duration, total time.Duration) {
	o.Logger.Info("phase finished",
		zap.String("phase", name),
		zap.Duration("lap", lap),
		zap.Duration("total", total))
}

func (o ZapSink) Flip(event FlipEvent) {
	o.Logger.Info("bit flip",
		zap.Int("offset", event.Offset),
		zap.String("page_offset", fmt.Sprintf("0x%x", event.PageOffset)),
		zap.Int("byte_in_bus", event.ByteInBus),
		zap.String("expected", fmt.Sprintf("0x%02x", event.Expected)),
		zap.String("observed", fmt.Sprintf("0x%02x", event.Observed)),
		zap.Int("color", event.Color),
		zap.Uint64("bank", event.Bank),
		zap.Int("pair", event.Pair),
		zap.Int("busy_work", event.BusyWork))
}

func (o ZapSink) Progress(event ProgressEvent) {
	switch event.Phase {
	case PhaseSoftSync:
		o.Logger.Debug("soft sync",
			zap.Int("busy_work", event.BusyWork),
			zap.Float64("ratio", event.Ratio))
	default:
		o.Logger.Debug("hammer round",
			zap.String("phase", event.Phase),
			zap.Int("total_flips", event.TotalFlips),
			zap.Int("flips", event.Flips),
			zap.Int("pair", event.Pair),
			zap.Int("busy_work", event.BusyWork),
			zap.String("pattern", fmt.Sprintf("0x%02x", event.Pattern)))
	}
}

func (o ZapSink) Warning(msg string, fields ...zap.Field) {
	o.Logger.Warn(msg, fields...)
}
