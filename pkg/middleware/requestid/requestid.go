// Package requestid tags outgoing calls with an id that stays the same across retries,
// so server logs can tie the attempts of one logical call together.
package requestid

import (
	"context"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/metadata"
)

const (
	requestIDTraceKey = "request_id"

	// RequestIDHeader is the outgoing metadata key holding the request id.
	RequestIDHeader = "x-request-id"
)

// InitID returns a new ID identifying one logical call. Calls made under the same
// span still get distinct IDs; the trace ID is reported separately.
func InitID() string {
	return ulid.Make().String()
}

// FromOutgoingContext returns the request id already set on ctx, if any.
func FromOutgoingContext(ctx context.Context) (string, bool) {
	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		return "", false
	}
	ids := md.Get(RequestIDHeader)
	if len(ids) == 0 || ids[0] == "" {
		return "", false
	}
	return ids[0], true
}

// Outgoing returns ctx with a request id in its outgoing metadata, keeping one the
// caller already set, and the id itself. The id is also recorded on the current span.
func Outgoing(ctx context.Context) (context.Context, string) {
	if requestID, ok := FromOutgoingContext(ctx); ok {
		return ctx, requestID
	}

	requestID := InitID()
	trace.SpanFromContext(ctx).SetAttributes(attribute.String(requestIDTraceKey, requestID))

	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	md.Set(RequestIDHeader, requestID)

	return metadata.NewOutgoingContext(ctx, md), requestID
}
