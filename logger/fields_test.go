package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFieldsFromContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, FieldsFromContext(ctx))

	ctx = WithScanID(ctx, "scan-123")
	assert.Equal(t, []interface{}{FieldScanID, "scan-123"}, FieldsFromContext(ctx))
}

func TestFieldsFromContextIgnoresEmptyScanID(t *testing.T) {
	ctx := WithScanID(context.Background(), "")
	assert.Empty(t, FieldsFromContext(ctx))
}
