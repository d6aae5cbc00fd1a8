package observability

import (
	"context"

	"go.uber.org/zap"

	"github.com/davidbz/kiln/internal/domain"
)

// LogSink implements domain.MetricsSink by emitting every attempt record as
// a structured log line. It is the default external sink when no dedicated
// metrics backend is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a log-backed metrics sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Record implements domain.MetricsSink.
func (s *LogSink) Record(ctx context.Context, m domain.Metric) {
	fields := []zap.Field{
		zap.String("provider", m.Provider),
		zap.String("model", m.Model),
		zap.String("operation", string(m.Operation)),
		zap.Duration("latency", m.Latency),
		zap.Float64("cost", m.Cost),
		zap.Bool("success", m.Success),
	}

	if requestID := GetRequestID(ctx); requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}

	if m.Error != "" {
		fields = append(fields, zap.String("error", m.Error))
	}

	s.logger.Info("provider attempt", fields...)
}
