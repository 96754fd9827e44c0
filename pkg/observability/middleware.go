package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ajitpratap0/mcp-control-plane/pkg/logging"
	"github.com/ajitpratap0/mcp-control-plane/pkg/protocol"
)

// Handler processes one request. A nil response means nothing is sent back.
type Handler func(ctx context.Context, req *protocol.Request) *protocol.Response

// Instrument wraps next with a server span and request metrics. Either tracer
// or metrics may be nil.
func Instrument(tracer *TracingProvider, metrics *Metrics, next Handler) Handler {
	if tracer == nil && metrics == nil {
		return next
	}
	return func(ctx context.Context, req *protocol.Request) *protocol.Response {
		var span trace.Span
		if tracer != nil {
			ctx, span = tracer.StartRequestSpan(ctx, req.Method, logging.SessionIDFromContext(ctx))
			defer span.End()
			if req.ID != nil {
				span.SetAttributes(attribute.String("rpc.request.id", fmt.Sprintf("%v", req.ID)))
			}
		}

		start := time.Now()
		resp := next(ctx, req)
		duration := time.Since(start)

		status := "success"
		if resp != nil && resp.Error != nil {
			status = "error"
			metrics.RecordError(int(resp.Error.Code))
		}
		metrics.RecordRequest(req.Method, status, duration)

		if span != nil && span.IsRecording() {
			span.SetAttributes(attribute.Float64("rpc.duration_ms", float64(duration.Milliseconds())))
			if resp != nil && resp.Error != nil {
				span.SetAttributes(
					attribute.Int("rpc.error.code", int(resp.Error.Code)),
					attribute.String("rpc.error.message", resp.Error.Message),
				)
				span.SetStatus(codes.Error, resp.Error.Message)
			}
		}
		return resp
	}
}

// ToolObserver traces and times tool executions. It satisfies
// tools.ExecutionObserver.
type ToolObserver struct {
	Tracer  *TracingProvider
	Metrics *Metrics
}

// BeforeExecute starts the tool span
func (o *ToolObserver) BeforeExecute(ctx context.Context, tool string) context.Context {
	if o == nil || o.Tracer == nil {
		return ctx
	}
	ctx, _ = o.Tracer.StartToolSpan(ctx, tool)
	return ctx
}

// AfterExecute ends the tool span and records the call
func (o *ToolObserver) AfterExecute(ctx context.Context, tool string, elapsed time.Duration, err error) {
	if o == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	o.Metrics.RecordToolCall(tool, status, elapsed)

	if o.Tracer == nil {
		return
	}
	if err != nil {
		o.Tracer.RecordError(ctx, err)
	}
	trace.SpanFromContext(ctx).End()
}
