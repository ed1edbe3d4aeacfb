package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/llm"
	"github.com/BaSui01/flowengine/store"
	"github.com/BaSui01/flowengine/tools"
	"github.com/BaSui01/flowengine/types"
	"github.com/BaSui01/flowengine/workflow"
)

// StartWorkflowRequest 启动一次工作流运行的请求体。
// Graph 可选：提供时先编译为计划，跳过 LLM 规划。
type StartWorkflowRequest struct {
	Message string               `json:"message"`
	Config  types.WorkflowConfig `json:"config"`
	Graph   *workflow.Graph      `json:"graph,omitempty"`
}

// StartWorkflowResponse 启动响应
type StartWorkflowResponse struct {
	WorkflowID string   `json:"workflow_id"`
	Warnings   []string `json:"warnings,omitempty"`
}

// runEntry 一次进行中（或刚结束）的运行：引擎 + 事件扇出。
type runEntry struct {
	engine *workflow.Engine

	mu      sync.Mutex
	history [][]byte
	subs    map[chan []byte]struct{}
	done    bool
}

// subscribe 返回历史事件和一个接收后续事件的通道（运行结束时关闭）。
func (r *runEntry) subscribe() ([][]byte, chan []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	history := append([][]byte(nil), r.history...)
	if r.done {
		return history, nil
	}
	ch := make(chan []byte, 64)
	r.subs[ch] = struct{}{}
	return history, ch
}

func (r *runEntry) unsubscribe(ch chan []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[ch]; ok {
		delete(r.subs, ch)
		close(ch)
	}
}

func (r *runEntry) publish(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, data)
	for ch := range r.subs {
		select {
		case ch <- data:
		default:
			// 订阅者消费过慢，断开它而不是阻塞运行
			delete(r.subs, ch)
			close(ch)
		}
	}
}

func (r *runEntry) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = true
	for ch := range r.subs {
		delete(r.subs, ch)
		close(ch)
	}
}

// WorkflowHandler 工作流 HTTP/WebSocket 处理器
type WorkflowHandler struct {
	provider llm.Provider
	registry tools.Registry
	store    store.WorkflowStore
	observer workflow.Observer
	tracer   trace.Tracer
	logger   *zap.Logger

	mu   sync.RWMutex
	runs map[string]*runEntry
}

// NewWorkflowHandler creates the handler. store and observer may be nil.
func NewWorkflowHandler(provider llm.Provider, registry tools.Registry, st store.WorkflowStore, observer workflow.Observer, logger *zap.Logger) *WorkflowHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkflowHandler{
		provider: provider,
		registry: registry,
		store:    st,
		observer: observer,
		logger:   logger.With(zap.String("component", "workflow_handler")),
		runs:     make(map[string]*runEntry),
	}
}

// WithTracer enables span creation around runs started by this handler.
func (h *WorkflowHandler) WithTracer(t trace.Tracer) *WorkflowHandler {
	h.tracer = t
	return h
}

// RegisterRoutes 注册路由
func (h *WorkflowHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/workflows", h.Start)
	mux.HandleFunc("GET /api/workflows", h.List)
	mux.HandleFunc("GET /api/workflows/{id}", h.Get)
	mux.HandleFunc("POST /api/workflows/{id}/cancel", h.Cancel)
	mux.HandleFunc("GET /api/workflows/{id}/events", h.StreamEvents)
}

// Start 启动一次工作流运行
func (h *WorkflowHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req StartWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, types.ErrInvalidRequest, "invalid request body: "+err.Error(), h.logger)
		return
	}
	if req.Message == "" && req.Graph == nil {
		WriteError(w, types.ErrInvalidRequest, "message or graph is required", h.logger)
		return
	}

	opts := []workflow.Option{workflow.WithLogger(h.logger)}
	if h.store != nil {
		opts = append(opts, workflow.WithStore(h.store))
	}
	if h.observer != nil {
		opts = append(opts, workflow.WithObserver(h.observer))
	}
	if h.tracer != nil {
		opts = append(opts, workflow.WithTracer(h.tracer))
	}

	var warnings []string
	message := req.Message
	if req.Graph != nil {
		compiled, err := workflow.Compile(req.Graph)
		if err != nil {
			var ce *workflow.CompileError
			if errors.As(err, &ce) {
				WriteError(w, ce.Code, ce.Reason, h.logger)
			} else {
				WriteError(w, types.ErrCompileInvalid, err.Error(), h.logger)
			}
			return
		}
		warnings = compiled.Warnings
		opts = append(opts, workflow.WithPlan(compiled.Plan))
		if message == "" {
			message = compiled.EntryMessage
		}
		if req.Config.Model == "" {
			req.Config.Model = compiled.Model
		}
		if req.Config.Provider == "" {
			req.Config.Provider = compiled.Provider
		}
		if req.Config.SystemPrompt == "" {
			req.Config.SystemPrompt = compiled.SystemPrompt
		}
		if len(req.Config.EnabledTools) == 0 {
			req.Config.EnabledTools = compiled.EnabledTools
		}
	}

	engine := workflow.NewEngine(h.provider, h.registry, req.Config, message, opts...)
	entry := &runEntry{engine: engine, subs: make(map[chan []byte]struct{})}

	h.mu.Lock()
	h.runs[engine.ID()] = entry
	h.mu.Unlock()

	events := engine.Run(context.Background())
	go func() {
		for ev := range events {
			data, err := types.EncodeStreamEvent(ev)
			if err != nil {
				h.logger.Error("event encoding failed", zap.Error(err))
				continue
			}
			entry.publish(data)
		}
		entry.finish()
	}()

	WriteJSON(w, http.StatusAccepted, Response{
		Success: true,
		Data:    StartWorkflowResponse{WorkflowID: engine.ID(), Warnings: warnings},
	})
}

// Get 返回运行状态快照：优先取内存中的引擎，否则查存储。
func (h *WorkflowHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	h.mu.RLock()
	entry, ok := h.runs[id]
	h.mu.RUnlock()
	if ok {
		WriteSuccess(w, entry.engine.GetState())
		return
	}

	if h.store != nil {
		state, err := h.store.Load(r.Context(), id)
		if err == nil {
			WriteSuccess(w, state)
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			WriteError(w, types.ErrInternalError, err.Error(), h.logger)
			return
		}
	}
	WriteError(w, types.ErrInvalidRequest, "workflow not found: "+id, h.logger)
}

// List 返回最近的运行快照
func (h *WorkflowHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		WriteSuccess(w, []any{})
		return
	}
	states, err := h.store.List(r.Context(), 50)
	if err != nil {
		WriteError(w, types.ErrInternalError, err.Error(), h.logger)
		return
	}
	WriteSuccess(w, states)
}

// Cancel 请求取消一次进行中的运行
func (h *WorkflowHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	h.mu.RLock()
	entry, ok := h.runs[id]
	h.mu.RUnlock()
	if !ok {
		WriteError(w, types.ErrInvalidRequest, "workflow not found: "+id, h.logger)
		return
	}

	entry.engine.Cancel()
	WriteSuccess(w, map[string]string{"workflow_id": id, "status": "cancelling"})
}

// StreamEvents 通过 WebSocket 推送事件流：先回放历史事件，再实时转发，
// 运行结束后关闭连接。
func (h *WorkflowHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	h.mu.RLock()
	entry, ok := h.runs[id]
	h.mu.RUnlock()
	if !ok {
		WriteError(w, types.ErrInvalidRequest, "workflow not found: "+id, h.logger)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	ctx := r.Context()
	history, live := entry.subscribe()
	if live != nil {
		defer entry.unsubscribe(live)
	}

	for _, data := range history {
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			return
		}
	}
	if live == nil {
		conn.Close(websocket.StatusNormalClosure, "workflow finished")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case data, open := <-live:
			if !open {
				conn.Close(websocket.StatusNormalClosure, "workflow finished")
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}
