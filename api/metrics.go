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

const (
	tracerName       = "boardsync/api"
	patchSpanName    = "board.entity.mutate"
	patchEventName   = "patch.request.metrics"
	patchEventDomain = "boardsync"
)

// patchMetrics collects per-mutation timings and emits them both as a span
// and as a structured observability event on the logger.
type patchMetrics struct {
	logger *log.Logger
	span   trace.Span
	start  time.Time

	entityType    string
	operation     string
	loadDuration  time.Duration
	allocDuration time.Duration
	writeDuration time.Duration
	rebalanced    bool
	broadcastTo   int
	errorStage    string
}

func newPatchMetrics(ctx context.Context, logger *log.Logger, entityType, operation string) (*patchMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, patchSpanName)
	return &patchMetrics{
		logger:     logger,
		span:       span,
		start:      time.Now(),
		entityType: entityType,
		operation:  operation,
	}, spanCtx
}

func (m *patchMetrics) ObserveLoad(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.loadDuration = duration
}

func (m *patchMetrics) ObserveAlloc(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.allocDuration = duration
}

func (m *patchMetrics) ObserveWrite(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.writeDuration = duration
}

func (m *patchMetrics) SetRebalanced() {
	m.rebalanced = true
}

func (m *patchMetrics) SetBroadcastTo(count int) {
	if count < 0 {
		count = 0
	}
	m.broadcastTo = count
}

func (m *patchMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

// Log finalizes the span and writes the observability event. code is the
// wire code the client saw, empty for success.
func (m *patchMetrics) Log(code string, err error) {
	if m == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("event.name", patchEventName),
		attribute.String("event.domain", patchEventDomain),
		attribute.String("boardsync.patch.entity_type", m.entityType),
		attribute.String("boardsync.patch.operation", m.operation),
		attribute.Float64("boardsync.patch.total_ms", durationToMillis(time.Since(m.start))),
		attribute.Bool("boardsync.patch.rebalanced", m.rebalanced),
		attribute.Int("boardsync.patch.broadcast_to", m.broadcastTo),
	}
	if m.loadDuration > 0 {
		attrs = append(attrs, attribute.Float64("boardsync.patch.load_ms", durationToMillis(m.loadDuration)))
	}
	if m.allocDuration > 0 {
		attrs = append(attrs, attribute.Float64("boardsync.patch.alloc_ms", durationToMillis(m.allocDuration)))
	}
	if m.writeDuration > 0 {
		attrs = append(attrs, attribute.Float64("boardsync.patch.write_ms", durationToMillis(m.writeDuration)))
	}
	if code != "" {
		attrs = append(attrs, attribute.String("boardsync.patch.code", code))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("boardsync.patch.error_stage", m.errorStage))
	}

	severityText, severityNumber := severityForCode(code, err)
	attrs = append(attrs,
		attribute.String("severity_text", severityText),
		attribute.Int("severity_number", severityNumber),
	)
	if err != nil {
		attrs = append(attrs, attribute.String("error.message", err.Error()))
	}

	if m.span != nil {
		m.span.SetAttributes(attrs...)
		m.span.AddEvent("observability.event", trace.WithAttributes(attrs...))
		if err != nil {
			m.span.RecordError(err)
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
		"event.name":      patchEventName,
		"event.domain":    patchEventDomain,
		"attributes":      attributeMap(attrs),
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
		}
	}
	m.logger.WithFields(fields).Info("observability.event")
}

// severityForCode maps a wire code to OpenTelemetry log severity. Client
// mistakes are warnings; backend failures are errors.
func severityForCode(code string, err error) (string, int) {
	switch code {
	case "", "ok":
		if err != nil {
			return "ERROR", 17
		}
		return "INFO", 9
	case "internal", "timeout", "allocation-exhausted":
		return "ERROR", 17
	default:
		return "WARN", 13
	}
}

func attributeMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
