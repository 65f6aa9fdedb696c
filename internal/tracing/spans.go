package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
const (
	AttrCommand     = "gateway.command"
	AttrSuccess     = "gateway.success"
	AttrMessageType = "ipc.message.type"
	AttrMode        = "ipc.mode"
	AttrModel       = "ipc.model"
	AttrPromptBytes = "ipc.prompt.bytes"
	AttrWorkerPID   = "worker.pid"
	AttrRunning     = "worker.running"
)

// Span names.
const (
	SpanPrefixCommand = "gateway."
	SpanMessage       = "ipc.message"
)

// Event names.
const (
	EventMessageSent   = "message.sent"
	EventReconnecting  = "channel.reconnecting"
	EventObserverPanic = "observer.panic"
)

// StartCommand opens the span for one gateway command.
func StartCommand(ctx context.Context, tracer trace.Tracer, command string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String(AttrCommand, command))
	return tracer.Start(ctx, SpanPrefixCommand+command,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// Finish records the command outcome and ends span.
func Finish(span trace.Span, err error) {
	span.SetAttributes(attribute.Bool(AttrSuccess, err == nil))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
