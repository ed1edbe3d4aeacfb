package config

import (
	"time"

	"github.com/BaSui01/flowengine/types"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:   DefaultServerConfig(),
		Workflow: DefaultWorkflowConfig(),
		LLM:      DefaultLLMConfig(),
		Store:    DefaultStoreConfig(),
		Redis:    DefaultRedisConfig(),
		Log:      DefaultLogConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultWorkflowConfig 返回默认工作流配置
func DefaultWorkflowConfig() types.WorkflowConfig {
	return types.WorkflowConfig{
		Provider:         "openai",
		MaxSteps:         20,
		MaxRePlans:       2,
		TimeoutMs:        (5 * time.Minute).Milliseconds(),
		StepTimeoutMs:    (90 * time.Second).Milliseconds(),
		EnableReflection: true,
		EnablePlanning:   true,
	}
}

// DefaultLLMConfig 返回默认 LLM 配置
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		DefaultProvider: "openai",
		Timeout:         2 * time.Minute,
	}
}

// DefaultStoreConfig 返回默认存储配置
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Backend:    "memory",
		SQLitePath: "flowengine.db",
		TTL:        24 * time.Hour,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:     "localhost:6379",
		DB:       0,
		PoolSize: 10,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"stdout"},
	}
}
