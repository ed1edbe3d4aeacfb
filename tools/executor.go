package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/flowengine/types"
)

// Executor dispatches tool calls requested by the model.
type Executor interface {
	// Execute runs all calls and returns results in call order.
	Execute(ctx context.Context, calls []types.ToolCall) []types.ToolResult
	// ExecuteOne runs a single call.
	ExecuteOne(ctx context.Context, call types.ToolCall) types.ToolResult
}

// DefaultExecutor 默认的工具执行器。
type DefaultExecutor struct {
	registry Registry
	logger   *zap.Logger
	// Concurrent dispatches calls in parallel; results keep call order either way.
	Concurrent bool
}

// NewExecutor creates an executor over the given registry.
func NewExecutor(registry Registry, logger *zap.Logger) *DefaultExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DefaultExecutor{
		registry: registry,
		logger:   logger.With(zap.String("component", "tool_executor")),
	}
}

func (e *DefaultExecutor) Execute(ctx context.Context, calls []types.ToolCall) []types.ToolResult {
	results := make([]types.ToolResult, len(calls))

	if !e.Concurrent {
		for i, call := range calls {
			results[i] = e.ExecuteOne(ctx, call)
		}
		return results
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = e.ExecuteOne(gctx, call)
			return nil
		})
	}
	_ = g.Wait() // ExecuteOne never returns an error
	return results
}

func (e *DefaultExecutor) ExecuteOne(ctx context.Context, call types.ToolCall) types.ToolResult {
	start := time.Now()
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	result := types.ToolResult{
		CallID: call.ID,
		Name:   call.Name,
	}

	fn, meta, err := e.registry.Get(call.Name)
	if err != nil {
		result.Error = fmt.Sprintf("tool not found: %s", err.Error())
		result.Duration = time.Since(start)
		e.logger.Error("tool not found", zap.String("name", call.Name), zap.Error(err))
		return result
	}

	if reg, ok := e.registry.(*DefaultRegistry); ok && !reg.allow(call.Name) {
		result.Error = "rate limit exceeded"
		result.Duration = time.Since(start)
		e.logger.Warn("tool rate limit exceeded", zap.String("name", call.Name))
		return result
	}

	// 参数校验：确保是有效 JSON
	if len(call.Arguments) > 0 {
		var tmp any
		if err := json.Unmarshal(call.Arguments, &tmp); err != nil {
			result.Error = fmt.Sprintf("invalid arguments: %s", err.Error())
			result.Duration = time.Since(start)
			e.logger.Error("invalid tool arguments", zap.String("name", call.Name), zap.Error(err))
			return result
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, meta.Timeout)
	defer cancel()

	// 带缓冲，超时后 goroutine 也能正常退出
	doneChan := make(chan struct {
		res json.RawMessage
		err error
	}, 1)

	go func() {
		res, err := fn(execCtx, call.Arguments)
		select {
		case doneChan <- struct {
			res json.RawMessage
			err error
		}{res, err}:
		case <-execCtx.Done():
		}
	}()

	select {
	case done := <-doneChan:
		result.Duration = time.Since(start)
		if done.err != nil {
			result.Error = done.err.Error()
			e.logger.Error("tool execution failed",
				zap.String("name", call.Name),
				zap.Error(done.err),
				zap.Duration("duration", result.Duration))
		} else {
			result.Success = true
			result.Content = done.res
			e.logger.Info("tool executed",
				zap.String("name", call.Name),
				zap.Duration("duration", result.Duration))
		}

	case <-execCtx.Done():
		result.Duration = time.Since(start)
		if ctx.Err() != nil {
			result.Error = "cancelled"
		} else {
			result.Error = fmt.Sprintf("execution timeout after %s", meta.Timeout)
		}
		e.logger.Error("tool execution timeout",
			zap.String("name", call.Name),
			zap.Duration("timeout", meta.Timeout))
	}

	return result
}
