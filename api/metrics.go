package api

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "core-api"

// requestMetrics collects per-request stage timings for the hot routes,
// mirrored into an otel span and a single structured log line.
type requestMetrics struct {
	logger         *log.Logger
	route          string
	start          time.Time
	span           trace.Span
	decodeDuration time.Duration
	execDuration   time.Duration
	errorStage     string
}

func newRequestMetrics(ctx context.Context, route string, logger *log.Logger) (*requestMetrics, context.Context) {
	m := &requestMetrics{
		logger: logger,
		route:  route,
		start:  time.Now(),
	}
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, route)
	m.span = span
	return m, spanCtx
}

func (m *requestMetrics) ObserveDecode(d time.Duration) {
	if d > 0 {
		m.decodeDuration = d
	}
}

func (m *requestMetrics) ObserveExec(d time.Duration) {
	if d > 0 {
		m.execDuration = d
	}
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	total := time.Since(m.start)

	if m.span != nil {
		m.span.SetAttributes(
			attribute.Int("http.status_code", status),
			attribute.Float64("request.total_ms", durationToMillis(total)),
		)
		if m.decodeDuration > 0 {
			m.span.SetAttributes(attribute.Float64("request.decode_ms", durationToMillis(m.decodeDuration)))
		}
		if m.execDuration > 0 {
			m.span.SetAttributes(attribute.Float64("request.exec_ms", durationToMillis(m.execDuration)))
		}
		if m.errorStage != "" {
			m.span.SetAttributes(attribute.String("request.error_stage", m.errorStage))
		}
		if err != nil {
			m.span.SetStatus(codes.Error, err.Error())
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"route":    m.route,
		"status":   status,
		"total_ms": durationToMillis(total),
	}
	if m.decodeDuration > 0 {
		fields["decode_ms"] = durationToMillis(m.decodeDuration)
	}
	if m.execDuration > 0 {
		fields["exec_ms"] = durationToMillis(m.execDuration)
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	m.logger.WithFields(fields).Info("core.request.metrics")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
