package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaCache_FetchesOnceWithinTTL(t *testing.T) {
	calls := 0
	cache := NewSchemaCache(time.Minute, func(context.Context) (string, error) {
		calls++
		return "## reviews\n- brand (VARCHAR)", nil
	})

	for i := 0; i < 5; i++ {
		schema, err := cache.Get(context.Background())
		require.NoError(t, err)
		assert.Contains(t, schema, "reviews")
	}
	assert.Equal(t, 1, calls)
}

func TestSchemaCache_ErrorsAreNotCached(t *testing.T) {
	calls := 0
	cache := NewSchemaCache(time.Minute, func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", fmt.Errorf("connection refused")
		}
		return "schema", nil
	})

	_, err := cache.Get(context.Background())
	require.Error(t, err)

	schema, err := cache.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "schema", schema)
	assert.Equal(t, 2, calls)
}
