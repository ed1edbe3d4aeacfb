// FlowEngine 主入口
//
// 使用方法:
//
//	flowengine serve                       # 启动服务
//	flowengine serve --config config.yaml  # 指定配置文件
//	flowengine version                     # 显示版本信息
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/api/handlers"
	"github.com/BaSui01/flowengine/config"
	"github.com/BaSui01/flowengine/internal/metrics"
	"github.com/BaSui01/flowengine/llm"
	"github.com/BaSui01/flowengine/store"
	"github.com/BaSui01/flowengine/tools"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "serve":
		serve(os.Args[2:])
	case "version":
		fmt.Printf("flowengine %s\n", version)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: flowengine <serve|version> [flags]")
}

func serve(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.yaml")
	_ = fs.Parse(args)

	cfg, err := config.NewLoader().WithConfigPath(*configPath).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.Log.BuildLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck

	provider := llm.NewOpenAICompat(llm.OpenAICompatConfig{
		ProviderName: cfg.LLM.DefaultProvider,
		APIKey:       cfg.LLM.APIKey,
		BaseURL:      cfg.LLM.BaseURL,
		Timeout:      cfg.LLM.Timeout,
	}, logger)

	registry := tools.NewRegistry(logger)

	st, err := buildStore(cfg)
	if err != nil {
		logger.Fatal("store initialization failed", zap.Error(err))
	}

	collector := metrics.NewCollector("flowengine", logger)

	mux := http.NewServeMux()
	handlers.NewWorkflowHandler(provider, registry, st, collector, logger).
		WithTracer(otel.Tracer("flowengine")).
		RegisterRoutes(mux)
	handlers.NewHealthHandler(provider, logger).RegisterRoutes(mux)

	apiServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: promhttp.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("metrics server listening", zap.Int("port", cfg.Server.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		logger.Info("api server listening", zap.Int("port", cfg.Server.HTTPPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown", zap.Error(err))
	}
	logger.Info("stopped")
}

func buildStore(cfg *config.Config) (store.WorkflowStore, error) {
	switch cfg.Store.Backend {
	case "sqlite":
		return store.NewSQLiteStore(cfg.Store.SQLitePath)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return store.NewRedisStore(client, cfg.Store.TTL), nil
	default:
		return store.NewMemoryStore(), nil
	}
}
