package correlation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureCorrelationIDKeepsExisting(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "cid-1")
	ctx, cid := EnsureCorrelationID(ctx)
	assert.Equal(t, "cid-1", cid)
	assert.Equal(t, "cid-1", ExtractCorrelationID(ctx))
}

func TestEnsureCorrelationIDGenerates(t *testing.T) {
	ctx, cid := EnsureCorrelationID(context.Background())
	require.Len(t, cid, 26)
	assert.Equal(t, cid, ExtractCorrelationID(ctx))
}

func TestInjectIntoMetadata(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "cid-2")

	md := InjectIntoMetadata(ctx, nil)
	assert.Equal(t, "cid-2", md[MetadataKey])

	md = InjectIntoMetadata(ctx, map[string]any{MetadataKey: "caller"})
	assert.Equal(t, "caller", md[MetadataKey])
}
