package correlation

import (
	"context"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
)

// MetadataKey is the metadata field that carries the correlation id on ledger rows and events.
const MetadataKey = "correlation_id"

// correlationKey is an unexported type for context keys within this package.
type correlationKey struct{}

// ExtractCorrelationID fetches a correlation ID from the context if present.
func ExtractCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(correlationKey{}).(string); ok {
		return val
	}
	return ""
}

// ContextWithCorrelationID sets the correlation ID onto the context.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// EnsureCorrelationID guarantees a correlation ID on the context, generating one when missing.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	cid := ExtractCorrelationID(ctx)
	if cid == "" {
		cid = ulid.Make().String()
	}
	return ContextWithCorrelationID(ctx, cid), cid
}

// NewID returns a fresh ULID string.
func NewID() string {
	return ulid.Make().String()
}

// InjectIntoMetadata copies correlation and tracing identifiers from ctx into metadata.
// Existing keys are left untouched.
func InjectIntoMetadata(ctx context.Context, metadata map[string]any) map[string]any {
	if metadata == nil {
		metadata = map[string]any{}
	}
	if cid := ExtractCorrelationID(ctx); cid != "" {
		if _, ok := metadata[MetadataKey]; !ok {
			metadata[MetadataKey] = cid
		}
	}
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.IsValid() {
		if _, ok := metadata["trace_id"]; !ok {
			metadata["trace_id"] = sc.TraceID().String()
		}
	}
	return metadata
}
