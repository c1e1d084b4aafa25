package eventbus

import (
	"go.uber.org/zap"

	"github.com/modelgate/modelgate/internal/infrastructure/pipeline"
)

// LogSink mirrors the observation stream into the structured log. Errors
// surface at warn so failing backends are visible without debug logging.
type LogSink struct {
	logger *zap.Logger
}

var _ pipeline.Sink = (*LogSink)(nil)

// NewLogSink creates the logging sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.With(zap.String("component", "observation"))}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Consume(ev pipeline.Event) {
	fields := []zap.Field{
		zap.String("request_id", ev.RequestID),
	}
	if ev.Pipeline != "" {
		fields = append(fields, zap.String("pipeline", ev.Pipeline))
	}
	if ev.Category != "" {
		fields = append(fields, zap.String("category", string(ev.Category)))
	}

	switch ev.Type {
	case pipeline.EventError:
		fields = append(fields,
			zap.String("error", ev.Error),
			zap.String("kind", ev.ErrorKind))
		s.logger.Warn("Request failed", fields...)
	case pipeline.EventUpstreamEnd:
		fields = append(fields,
			zap.Float64("latency_ms", ev.LatencyMs),
			zap.Int("input_tokens", ev.InputTokens),
			zap.Int("output_tokens", ev.OutputTokens))
		s.logger.Debug("Upstream call finished", fields...)
	default:
		fields = append(fields, zap.String("event", string(ev.Type)))
		s.logger.Debug("Request event", fields...)
	}
}
