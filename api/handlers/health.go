package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/llm"
)

// HealthHandler 健康检查处理器
type HealthHandler struct {
	provider llm.Provider
	logger   *zap.Logger
	started  time.Time
}

// NewHealthHandler creates the health handler. provider may be nil.
func NewHealthHandler(provider llm.Provider, logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		provider: provider,
		logger:   logger.With(zap.String("component", "health_handler")),
		started:  time.Now(),
	}
}

// RegisterRoutes 注册路由
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Liveness)
	mux.HandleFunc("GET /readyz", h.Readiness)
}

// Liveness 进程存活检查
func (h *HealthHandler) Liveness(w http.ResponseWriter, _ *http.Request) {
	WriteSuccess(w, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	})
}

// Readiness 就绪检查：带上 Provider 健康状态
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	result := map[string]any{"status": "ok"}
	if h.provider != nil {
		hs, err := h.provider.HealthCheck(r.Context())
		if err != nil {
			h.logger.Warn("provider health check failed", zap.Error(err))
			result["provider"] = map[string]any{"healthy": false, "error": err.Error()}
		} else {
			result["provider"] = map[string]any{
				"healthy":    hs.Healthy,
				"latency_ms": hs.Latency.Milliseconds(),
			}
		}
	}
	WriteSuccess(w, result)
}
