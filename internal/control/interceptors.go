package control

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/signalsfoundry/gridtwin/internal/logging"
	"github.com/signalsfoundry/gridtwin/internal/observability"
)

const (
	tracerName = "github.com/signalsfoundry/gridtwin/internal/control"

	// RequestIDHeader carries a caller-chosen request id; one is generated
	// when it is absent.
	RequestIDHeader = "x-request-id"
)

// targetKeys are the request fields that name the grid entity an RPC acts
// on, in lookup order.
var targetKeys = []string{"substation_id", "signal_id", "vehicle_id", "station_id"}

// requestTarget names the entity a control request addresses, or "".
func requestTarget(req any) string {
	switch m := req.(type) {
	case *wrapperspb.StringValue:
		return m.GetValue()
	case *structpb.Struct:
		for _, k := range targetKeys {
			if v := m.GetFields()[k].GetStringValue(); v != "" {
				return v
			}
		}
	}
	return ""
}

// RequestIDUnaryServerInterceptor gives every call a request id (taken from
// the x-request-id header when present) and a logger tagged with the id,
// the method and the addressed entity. The id follows the intent into the
// tick loop's logs.
func RequestIDUnaryServerInterceptor(base logging.Logger) grpc.UnaryServerInterceptor {
	base = logging.OrNoop(base)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(RequestIDHeader); len(vals) > 0 && vals[0] != "" {
				ctx = logging.ContextWithRequestID(ctx, vals[0])
			}
		}
		ctx, id := logging.EnsureRequestID(ctx)

		_, method := observability.SplitMethod(info.FullMethod)
		fields := []logging.Field{logging.String("rpc", method), logging.String("request_id", id)}
		if target := requestTarget(req); target != "" {
			fields = append(fields, logging.String("target", target))
		}
		ctx = logging.ContextWithLogger(ctx, base.With(fields...))

		if err := grpc.SetHeader(ctx, metadata.Pairs(RequestIDHeader, id)); err != nil {
			base.Debug(ctx, "request id header not sent", logging.Err(err))
		}
		return handler(ctx, req)
	}
}

// TracingUnaryServerInterceptor names the RPC span after the control
// operation and tags it with the addressed entity. It opens its own span
// when no stats handler has.
func TracingUnaryServerInterceptor() grpc.UnaryServerInterceptor {
	tracer := otel.Tracer(tracerName)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		_, method := observability.SplitMethod(info.FullMethod)
		name := "GridControl." + method

		span := trace.SpanFromContext(ctx)
		owned := !span.SpanContext().IsValid()
		if owned {
			ctx, span = tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()
		} else {
			span.SetName(name)
		}

		span.SetAttributes(attribute.String("grid.operation", method))
		if target := requestTarget(req); target != "" {
			span.SetAttributes(attribute.String("grid.target", target))
		}
		if id := logging.RequestIDFromContext(ctx); id != "" {
			span.SetAttributes(attribute.String("request_id", id))
		}

		resp, err := handler(ctx, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return resp, err
	}
}
