package engine

import (
	"fmt"
	"strings"
)

// Logger provides debug logging hooks for the engine.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
// *zap.SugaredLogger satisfies both Logger and StructuredLogger.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to progress spans or events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap progress loop activity.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records progress loop lifecycle, events and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook captures progress loop and data path telemetry.
type MetricHook interface {
	DriverStarted(attrs map[string]string)
	DriverStopped(attrs map[string]string)
	ProgressError(kind string, err error, attrs map[string]string)
	EndpointConnected(attrs map[string]string)
	MessageSent(attrs map[string]string)
	MessageQueued(attrs map[string]string)
	MessageFailed(err error, attrs map[string]string)
	MessageReceived(attrs map[string]string)
	HandleExhausted(attrs map[string]string)
}

const (
	labelEngine = "engine"
	labelModule = "module"
	labelKind   = "kind"
)

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

func (e *Engine) metricAttrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+1)
	attrs[labelEngine] = e.cfg.Name
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (e *Engine) logEvent(event string, fields ...logField) {
	if e == nil {
		return
	}
	if e.structuredLogger != nil {
		kv := make([]any, 0, len(fields)*2+2)
		kv = append(kv, "event", event)
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		e.structuredLogger.Debugw("btl engine", kv...)
		return
	}
	if e.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	e.logger.Debugf("btl engine %s", b.String())
}

func (e *Engine) logf(format string, args ...any) {
	if e == nil || e.logger == nil {
		return
	}
	e.logger.Debugf(format, args...)
}

func (e *Engine) startSpan() Span {
	if e == nil || e.tracer == nil {
		return nil
	}
	attrs := []TraceAttribute{
		{Key: "component", Value: "btl-engine"},
		{Key: labelEngine, Value: e.cfg.Name},
		{Key: "modules", Value: len(e.modules)},
	}
	return e.tracer.StartSpan("btl-engine-progress", attrs...)
}

func spanAddEvent(span Span, name string, fields ...logField) {
	if span == nil {
		return
	}
	span.AddEvent(name, attributesFromFields(fields...)...)
}

func spanRecordError(span Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}

func attributesFromFields(fields ...logField) []TraceAttribute {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: field.key, Value: field.value})
	}
	return attrs
}

func (e *Engine) metricDriverStarted(fields ...logField) {
	if e.metrics != nil {
		e.metrics.DriverStarted(e.metricAttrs(fields...))
	}
}

func (e *Engine) metricDriverStopped(fields ...logField) {
	if e.metrics != nil {
		e.metrics.DriverStopped(e.metricAttrs(fields...))
	}
}

func (e *Engine) metricProgressError(kind string, err error, fields ...logField) {
	if e.metrics != nil {
		e.metrics.ProgressError(kind, err, e.metricAttrs(fields...))
	}
}

func (e *Engine) metricEndpointConnected(fields ...logField) {
	if e.metrics != nil {
		e.metrics.EndpointConnected(e.metricAttrs(fields...))
	}
}

func (e *Engine) metricMessageSent(fields ...logField) {
	if e.metrics != nil {
		e.metrics.MessageSent(e.metricAttrs(fields...))
	}
}

func (e *Engine) metricMessageQueued(fields ...logField) {
	if e.metrics != nil {
		e.metrics.MessageQueued(e.metricAttrs(fields...))
	}
}

func (e *Engine) metricMessageFailed(err error, fields ...logField) {
	if e.metrics != nil {
		e.metrics.MessageFailed(err, e.metricAttrs(fields...))
	}
}

func (e *Engine) metricMessageReceived(fields ...logField) {
	if e.metrics != nil {
		e.metrics.MessageReceived(e.metricAttrs(fields...))
	}
}

func (e *Engine) metricHandleExhausted(fields ...logField) {
	if e.metrics != nil {
		e.metrics.HandleExhausted(e.metricAttrs(fields...))
	}
}
