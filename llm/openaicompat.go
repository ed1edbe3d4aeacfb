package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/types"
)

// OpenAICompatConfig configures an OpenAI-compatible provider. DeepSeek,
// Qwen, GLM and most other vendors expose this same wire protocol; only the
// name, base URL and default model differ.
type OpenAICompatConfig struct {
	ProviderName string
	APIKey       string
	BaseURL      string // e.g. "https://api.openai.com"
	DefaultModel string
	Timeout      time.Duration // HTTP client timeout, defaults to 30s

	EndpointPath   string // defaults to "/v1/chat/completions"
	ModelsEndpoint string // defaults to "/v1/models"
}

// OpenAICompatProvider 基于 OpenAI 兼容协议的 Provider 实现。
type OpenAICompatProvider struct {
	cfg    OpenAICompatConfig
	client *http.Client
	logger *zap.Logger
}

// NewOpenAICompat creates a provider speaking the OpenAI chat protocol.
func NewOpenAICompat(cfg OpenAICompatConfig, logger *zap.Logger) *OpenAICompatProvider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	if cfg.ModelsEndpoint == "" {
		cfg.ModelsEndpoint = "/v1/models"
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "openai"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultModelFor(cfg.ProviderName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAICompatProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("component", "llm_provider"), zap.String("provider", cfg.ProviderName)),
	}
}

func (p *OpenAICompatProvider) Name() string { return p.cfg.ProviderName }

func (p *OpenAICompatProvider) SupportsNativeFunctionCalling() bool { return true }

// --- OpenAI 协议的线格式 ---

type oaToolCall struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type"`
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	} `json:"function"`
}

type oaMessage struct {
	Role       string       `json:"role"`
	Content    string       `json:"content,omitempty"`
	Name       string       `json:"name,omitempty"`
	ToolCalls  []oaToolCall `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
}

type oaTool struct {
	Type     string           `json:"type"`
	Function types.ToolSchema `json:"function"`
}

type oaRequest struct {
	Model       string      `json:"model"`
	Messages    []oaMessage `json:"messages"`
	Tools       []oaTool    `json:"tools,omitempty"`
	ToolChoice  string      `json:"tool_choice,omitempty"`
	MaxTokens   int         `json:"max_tokens,omitempty"`
	Temperature float32     `json:"temperature,omitempty"`
	Stop        []string    `json:"stop,omitempty"`
	Stream      bool        `json:"stream,omitempty"`
}

type oaChoice struct {
	Index        int        `json:"index"`
	FinishReason string     `json:"finish_reason"`
	Message      *oaMessage `json:"message,omitempty"`
	Delta        *oaMessage `json:"delta,omitempty"`
}

type oaResponse struct {
	ID      string     `json:"id"`
	Model   string     `json:"model"`
	Created int64      `json:"created"`
	Choices []oaChoice `json:"choices"`
	Usage   *ChatUsage `json:"usage,omitempty"`
}

func toWireMessages(msgs []types.Message) []oaMessage {
	out := make([]oaMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := oaMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			var wc oaToolCall
			wc.ID = tc.ID
			wc.Type = "function"
			wc.Function.Name = tc.Name
			wc.Function.Arguments = tc.Arguments
			wm.ToolCalls = append(wm.ToolCalls, wc)
		}
		out = append(out, wm)
	}
	return out
}

func fromWireMessage(m *oaMessage) types.Message {
	msg := types.Message{
		Role:    types.Role(m.Role),
		Content: m.Content,
	}
	if msg.Role == "" {
		msg.Role = types.RoleAssistant
	}
	for _, wc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{
			ID:        wc.ID,
			Name:      wc.Function.Name,
			Arguments: wc.Function.Arguments,
		})
	}
	return msg
}

func (p *OpenAICompatProvider) buildBody(req *ChatRequest, stream bool) oaRequest {
	model := req.Model
	if model == "" {
		model = p.cfg.DefaultModel
	}
	body := oaRequest{
		Model:       model,
		Messages:    toWireMessages(req.Messages),
		ToolChoice:  req.ToolChoice,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
		Stream:      stream,
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, oaTool{Type: "function", Function: t})
	}
	return body
}

func (p *OpenAICompatProvider) endpoint(path string) string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + path
}

func (p *OpenAICompatProvider) post(ctx context.Context, body oaRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(p.cfg.EndpointPath), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, err.Error()).WithRetryable(true)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, mapHTTPError(resp, p.cfg.ProviderName)
	}
	return resp, nil
}

// Completion 发起同步聊天请求。
func (p *OpenAICompatProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	resp, err := p.post(ctx, p.buildBody(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wire oaResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "decode response: "+err.Error()).WithRetryable(true)
	}

	out := &ChatResponse{
		ID:       wire.ID,
		Provider: p.cfg.ProviderName,
		Model:    wire.Model,
	}
	if wire.Created != 0 {
		out.CreatedAt = time.Unix(wire.Created, 0)
	}
	if wire.Usage != nil {
		out.Usage = *wire.Usage
	}
	for _, c := range wire.Choices {
		choice := ChatChoice{Index: c.Index, FinishReason: c.FinishReason}
		if c.Message != nil {
			choice.Message = fromWireMessage(c.Message)
		}
		out.Choices = append(out.Choices, choice)
	}
	return out, nil
}

// Stream 发起流式聊天请求，通过 SSE 逐块返回。
func (p *OpenAICompatProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	resp, err := p.post(ctx, p.buildBody(req, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamChunk)
	go func() {
		defer resp.Body.Close()
		defer close(ch)

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					p.sendChunk(ctx, ch, StreamChunk{
						Err: types.NewError(types.ErrUpstreamError, err.Error()).WithRetryable(true),
					})
				}
				return
			}
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var wire oaResponse
			if err := json.Unmarshal([]byte(data), &wire); err != nil {
				p.sendChunk(ctx, ch, StreamChunk{
					Err: types.NewError(types.ErrUpstreamError, "decode chunk: "+err.Error()),
				})
				return
			}
			for _, c := range wire.Choices {
				chunk := StreamChunk{
					ID:           wire.ID,
					Provider:     p.cfg.ProviderName,
					Model:        wire.Model,
					Index:        c.Index,
					FinishReason: c.FinishReason,
					Usage:        wire.Usage,
				}
				if c.Delta != nil {
					chunk.Delta = fromWireMessage(c.Delta)
				}
				if !p.sendChunk(ctx, ch, chunk) {
					return
				}
			}
		}
	}()
	return ch, nil
}

func (p *OpenAICompatProvider) sendChunk(ctx context.Context, ch chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case <-ctx.Done():
		return false
	case ch <- chunk:
		return true
	}
}

// HealthCheck 用模型列表端点做轻量探活。
func (p *OpenAICompatProvider) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint(p.cfg.ModelsEndpoint), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &HealthStatus{Healthy: false, Latency: latency},
			fmt.Errorf("%s health check failed: status=%d", p.cfg.ProviderName, resp.StatusCode)
	}
	return &HealthStatus{Healthy: true, Latency: latency}, nil
}

// mapHTTPError converts an upstream error response into a typed error.
func mapHTTPError(resp *http.Response, provider string) *types.Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = resp.Status
	}

	code := types.ErrUpstreamError
	retryable := false
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		code, retryable = types.ErrRateLimited, true
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		code, retryable = types.ErrUpstreamTimeout, true
	case resp.StatusCode >= 500:
		retryable = true
	case resp.StatusCode == http.StatusBadRequest:
		code = types.ErrInvalidRequest
	}

	err := types.NewError(code, fmt.Sprintf("%s: %s", provider, msg)).WithRetryable(retryable)
	err.Provider = provider
	return err
}
