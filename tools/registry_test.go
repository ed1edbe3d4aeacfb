package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/flowengine/types"
)

func echoFunc(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	return args, nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry(nil)

	err := r.Register("echo", echoFunc, ToolMetadata{
		Schema: types.ToolSchema{Name: "echo", Description: "echoes"},
	})
	require.NoError(t, err)

	fn, meta, err := r.Get("echo")
	require.NoError(t, err)
	assert.NotNil(t, fn)
	assert.Equal(t, 30*time.Second, meta.Timeout) // default timeout
	assert.True(t, meta.Enabled)
	assert.True(t, r.Has("echo"))

	// Duplicate registration is rejected.
	assert.Error(t, r.Register("echo", echoFunc, ToolMetadata{}))
}

func TestRegistryNameMismatch(t *testing.T) {
	r := NewRegistry(nil)
	err := r.Register("a", echoFunc, ToolMetadata{Schema: types.ToolSchema{Name: "b"}})
	assert.Error(t, err)
}

func TestRegistryListEnabledSorted(t *testing.T) {
	r := NewRegistry(nil)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.Register(name, echoFunc, ToolMetadata{
			Schema: types.ToolSchema{Name: name},
		}))
	}

	schemas := r.ListEnabled()
	require.Len(t, schemas, 3)
	assert.Equal(t, "alpha", schemas[0].Name)
	assert.Equal(t, "mid", schemas[1].Name)
	assert.Equal(t, "zeta", schemas[2].Name)

	require.NoError(t, r.SetEnabled("mid", false))
	schemas = r.ListEnabled()
	require.Len(t, schemas, 2)
	assert.Equal(t, "alpha", schemas[0].Name)
	assert.Equal(t, "zeta", schemas[1].Name)
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register("echo", echoFunc, ToolMetadata{}))
	require.NoError(t, r.Unregister("echo"))
	assert.False(t, r.Has("echo"))
	assert.Error(t, r.Unregister("echo"))
}

func TestRegistryRateLimit(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register("limited", echoFunc, ToolMetadata{
		Schema:    types.ToolSchema{Name: "limited"},
		RateLimit: &RateLimitConfig{MaxCalls: 2, Window: time.Minute},
	}))

	assert.True(t, r.allow("limited"))
	assert.True(t, r.allow("limited"))
	assert.False(t, r.allow("limited"))

	// Tools without a limiter are never throttled.
	require.NoError(t, r.Register("free", echoFunc, ToolMetadata{}))
	for i := 0; i < 10; i++ {
		assert.True(t, r.allow("free"))
	}
}
