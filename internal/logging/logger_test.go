package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		logger, err := New("info", format)
		require.NoError(t, err)
		require.NotNil(t, logger)
		logger.Info("startup", ContextFields(context.Background())...)
	}

	_, err := New("loud", "json")
	assert.Error(t, err)
}

func TestContextFields(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ContextFields(ctx))

	ctx = WithRequestID(ctx, "req-1")
	ctx = WithTenant(ctx, "acme")

	fields := ContextFields(ctx)
	require.Len(t, fields, 2)
	assert.Equal(t, "req-1", RequestIDFromContext(ctx))
	assert.Equal(t, "acme", TenantFromContext(ctx))
}
