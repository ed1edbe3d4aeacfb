// Package mocks 提供测试用的模拟实现。
//
// MockProvider 支持固定响应、脚本化多轮响应与错误注入场景。
package mocks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BaSui01/flowengine/llm"
	"github.com/BaSui01/flowengine/types"
)

// ScriptedResponse 是脚本化调用序列中的一项。
type ScriptedResponse struct {
	Content   string
	ToolCalls []types.ToolCall
	Err       error
}

// MockProvider 是 llm.Provider 的模拟实现。
type MockProvider struct {
	mu sync.Mutex

	// 响应配置
	response  string
	toolCalls []types.ToolCall
	err       error
	script    []ScriptedResponse

	// 调用记录
	calls          []*llm.ChatRequest
	completionFunc func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)

	// 行为控制
	delay     time.Duration
	failAfter int // 在第 N 次调用后失败
	callCount int
}

// NewMockProvider 创建新的 MockProvider
func NewMockProvider() *MockProvider {
	return &MockProvider{response: "Mock response"}
}

// WithResponse 设置固定响应内容
func (m *MockProvider) WithResponse(response string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.response = response
	return m
}

// WithError 设置返回错误
func (m *MockProvider) WithError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithToolCalls 设置工具调用响应
func (m *MockProvider) WithToolCalls(toolCalls []types.ToolCall) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toolCalls = toolCalls
	return m
}

// WithScript 设置脚本化响应序列：第 N 次调用返回第 N 项，
// 脚本耗尽后回退到固定响应。
func (m *MockProvider) WithScript(script ...ScriptedResponse) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = script
	return m
}

// WithDelay 设置响应延迟
func (m *MockProvider) WithDelay(d time.Duration) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithFailAfter 设置在第 N 次调用后失败
func (m *MockProvider) WithFailAfter(n int) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
	return m
}

// WithCompletionFunc 设置自定义 Completion 函数
func (m *MockProvider) WithCompletionFunc(fn func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completionFunc = fn
	return m
}

// GetCallCount 返回 Completion 被调用的次数
func (m *MockProvider) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// Requests 返回所有记录的请求
func (m *MockProvider) Requests() []*llm.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*llm.ChatRequest(nil), m.calls...)
}

// --- Provider 接口实现 ---

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) SupportsNativeFunctionCalling() bool { return true }

func (m *MockProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true, Latency: 10 * time.Millisecond}, nil
}

// Completion 生成响应
func (m *MockProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	m.mu.Lock()
	m.callCount++
	call := m.callCount
	m.calls = append(m.calls, req)

	content := m.response
	toolCalls := m.toolCalls
	err := m.err
	if len(m.script) > 0 {
		item := m.script[0]
		m.script = m.script[1:]
		content, toolCalls, err = item.Content, item.ToolCalls, item.Err
	}
	if m.failAfter > 0 && call > m.failAfter {
		err = errors.New("mock provider: configured to fail after N calls")
	}
	fn := m.completionFunc
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(ctx, req)
	}

	finish := "stop"
	if len(toolCalls) > 0 {
		finish = "tool_calls"
	}
	return &llm.ChatResponse{
		ID:       "mock-response-id",
		Provider: "mock",
		Model:    req.Model,
		Choices: []llm.ChatChoice{{
			FinishReason: finish,
			Message: types.Message{
				Role:      types.RoleAssistant,
				Content:   content,
				ToolCalls: toolCalls,
			},
		}},
		Usage:     llm.ChatUsage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
		CreatedAt: time.Now(),
	}, nil
}

// Stream 流式生成响应：把固定响应作为单个增量块发出。
func (m *MockProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	m.mu.Lock()
	m.callCount++
	err := m.err
	content := m.response
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}

	ch := make(chan llm.StreamChunk, 1)
	go func() {
		defer close(ch)
		select {
		case <-ctx.Done():
		case ch <- llm.StreamChunk{
			ID:           "mock-chunk-id",
			Provider:     "mock",
			Model:        req.Model,
			Delta:        types.Message{Role: types.RoleAssistant, Content: content},
			FinishReason: "stop",
		}:
		}
	}()
	return ch, nil
}
