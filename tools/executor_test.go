package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/flowengine/types"
)

func newTestRegistry(t *testing.T) *DefaultRegistry {
	t.Helper()
	r := NewRegistry(nil)

	require.NoError(t, r.Register("echo", echoFunc, ToolMetadata{
		Schema: types.ToolSchema{Name: "echo"},
	}))
	require.NoError(t, r.Register("fail", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, fmt.Errorf("kaputt")
	}, ToolMetadata{Schema: types.ToolSchema{Name: "fail"}}))
	require.NoError(t, r.Register("sleepy", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		select {
		case <-time.After(5 * time.Second):
			return json.RawMessage(`{}`), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, ToolMetadata{
		Schema:  types.ToolSchema{Name: "sleepy"},
		Timeout: 50 * time.Millisecond,
	}))
	return r
}

func TestExecuteOneSuccess(t *testing.T) {
	e := NewExecutor(newTestRegistry(t), nil)

	res := e.ExecuteOne(context.Background(), types.ToolCall{
		ID: "c1", Name: "echo", Arguments: json.RawMessage(`{"x":1}`),
	})
	assert.True(t, res.Success)
	assert.Equal(t, "c1", res.CallID)
	assert.JSONEq(t, `{"x":1}`, string(res.Content))
	assert.Empty(t, res.Error)
}

func TestExecuteOneFailureIsNotAnError(t *testing.T) {
	e := NewExecutor(newTestRegistry(t), nil)

	res := e.ExecuteOne(context.Background(), types.ToolCall{Name: "fail"})
	assert.False(t, res.Success)
	assert.Equal(t, "kaputt", res.Error)
}

func TestExecuteOneUnknownTool(t *testing.T) {
	e := NewExecutor(newTestRegistry(t), nil)

	res := e.ExecuteOne(context.Background(), types.ToolCall{Name: "ghost"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "tool not found")
}

func TestExecuteOneInvalidArguments(t *testing.T) {
	e := NewExecutor(newTestRegistry(t), nil)

	res := e.ExecuteOne(context.Background(), types.ToolCall{
		Name: "echo", Arguments: json.RawMessage(`{broken`),
	})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "invalid arguments")
}

func TestExecuteOneTimeout(t *testing.T) {
	e := NewExecutor(newTestRegistry(t), nil)

	start := time.Now()
	res := e.ExecuteOne(context.Background(), types.ToolCall{Name: "sleepy"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "timeout")
	assert.Less(t, time.Since(start), time.Second)
}

func TestExecuteOneCancelled(t *testing.T) {
	e := NewExecutor(newTestRegistry(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := e.ExecuteOne(ctx, types.ToolCall{Name: "sleepy"})
	assert.False(t, res.Success)
	assert.Equal(t, "cancelled", res.Error)
}

func TestExecuteOneAssignsCallID(t *testing.T) {
	e := NewExecutor(newTestRegistry(t), nil)

	res := e.ExecuteOne(context.Background(), types.ToolCall{Name: "echo", Arguments: json.RawMessage(`{}`)})
	assert.NotEmpty(t, res.CallID)
}

func TestExecutePreservesCallOrder(t *testing.T) {
	calls := []types.ToolCall{
		{ID: "c1", Name: "echo", Arguments: json.RawMessage(`{"n":1}`)},
		{ID: "c2", Name: "fail"},
		{ID: "c3", Name: "echo", Arguments: json.RawMessage(`{"n":3}`)},
	}

	for _, concurrent := range []bool{false, true} {
		e := NewExecutor(newTestRegistry(t), nil)
		e.Concurrent = concurrent

		results := e.Execute(context.Background(), calls)
		require.Len(t, results, 3)
		assert.Equal(t, "c1", results[0].CallID)
		assert.Equal(t, "c2", results[1].CallID)
		assert.Equal(t, "c3", results[2].CallID)
		assert.True(t, results[0].Success)
		assert.False(t, results[1].Success)
		assert.True(t, results[2].Success)
	}
}

func TestExecuteRateLimited(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register("limited", echoFunc, ToolMetadata{
		Schema:    types.ToolSchema{Name: "limited"},
		RateLimit: &RateLimitConfig{MaxCalls: 1, Window: time.Minute},
	}))
	e := NewExecutor(r, nil)

	first := e.ExecuteOne(context.Background(), types.ToolCall{Name: "limited", Arguments: json.RawMessage(`{}`)})
	assert.True(t, first.Success)

	second := e.ExecuteOne(context.Background(), types.ToolCall{Name: "limited", Arguments: json.RawMessage(`{}`)})
	assert.False(t, second.Success)
	assert.Contains(t, second.Error, "rate limit")
}
