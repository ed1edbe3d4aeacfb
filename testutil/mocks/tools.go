package mocks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/BaSui01/flowengine/tools"
	"github.com/BaSui01/flowengine/types"
)

// NewTestRegistry 创建一个注册了常用测试工具的注册中心。
//
//   - echo: 原样返回参数
//   - fail: 总是返回错误
//   - slow: 等待参数 sleep_ms 毫秒后返回
func NewTestRegistry() *tools.DefaultRegistry {
	r := tools.NewRegistry(nil)

	mustRegister(r, "echo", "Echo the arguments back",
		func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
			if len(args) == 0 {
				return json.RawMessage(`{}`), nil
			}
			return args, nil
		}, 0)

	mustRegister(r, "fail", "Always fails",
		func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, fmt.Errorf("tool failed on purpose")
		}, 0)

	mustRegister(r, "slow", "Sleeps for sleep_ms milliseconds",
		func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var p struct {
				SleepMs int `json:"sleep_ms"`
			}
			if err := json.Unmarshal(args, &p); err != nil {
				return nil, err
			}
			select {
			case <-time.After(time.Duration(p.SleepMs) * time.Millisecond):
				return json.RawMessage(`{"slept":true}`), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}, 0)

	return r
}

// CountingTool registers a tool that counts its invocations.
func CountingTool(r tools.Registry, name string) *atomic.Int64 {
	var n atomic.Int64
	_ = r.Register(name, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		n.Add(1)
		return json.RawMessage(`{"ok":true}`), nil
	}, tools.ToolMetadata{
		Schema: types.ToolSchema{Name: name, Description: "counts calls"},
	})
	return &n
}

func mustRegister(r *tools.DefaultRegistry, name, desc string, fn tools.ToolFunc, timeout time.Duration) {
	err := r.Register(name, fn, tools.ToolMetadata{
		Schema:  types.ToolSchema{Name: name, Description: desc},
		Timeout: timeout,
	})
	if err != nil {
		panic(err)
	}
}
