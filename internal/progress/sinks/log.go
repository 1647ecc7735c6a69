package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/race-results-harvester/internal/progress"
)

// LogSink writes one structured log line per pair or run milestone. Unit events are
// logged at debug level.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Source != "" {
			fields = append(fields, zap.String("source", evt.Source), zap.Int("period", evt.Period))
		}
		switch evt.Stage {
		case progress.StageUnitDone, progress.StageUnitFailed:
			fields = append(fields,
				zap.Int("ordinal", evt.Ordinal),
				zap.Int("records", evt.Records),
				zap.Int64("bytes", evt.Bytes),
				zap.String("cause", evt.Cause),
				zap.Duration("dur", evt.Dur),
			)
			s.logger.Debug("progress event", fields...)
			continue
		case progress.StagePairDiscovered, progress.StageUnitsSkipped:
			fields = append(fields, zap.Int("units", evt.Units), zap.Bool("estimated", evt.Estimated))
		case progress.StageRunDone:
			fields = append(fields, zap.Int("records", evt.Records), zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements progress.Sink; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
