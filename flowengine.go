// Package flowengine provides a top-level convenience entry point for
// running agent workflows with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/flowengine"
//
//	provider := flowengine.OpenAI(os.Getenv("OPENAI_API_KEY"))
//	engine := flowengine.New(provider, registry, cfg, "summarize the report")
//	for ev := range engine.Run(ctx) { ... }
//
// This is a thin wrapper around the workflow package; use the subpackages
// directly when you need more control.
package flowengine

import (
	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/llm"
	"github.com/BaSui01/flowengine/tools"
	"github.com/BaSui01/flowengine/types"
	"github.com/BaSui01/flowengine/workflow"
)

// Option configures the engine created by [New].
type Option = workflow.Option

// Re-export engine options so callers never need to import workflow/.
var (
	WithLogger = workflow.WithLogger
	WithStore  = workflow.WithStore
	WithPlan   = workflow.WithPlan
)

// New creates a workflow engine for one run of userMessage under cfg.
func New(provider llm.Provider, registry tools.Registry, cfg types.WorkflowConfig, userMessage string, opts ...Option) *workflow.Engine {
	return workflow.NewEngine(provider, registry, cfg, userMessage, opts...)
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *zap.Logger) *tools.DefaultRegistry {
	return tools.NewRegistry(logger)
}

// Compile converts a visual node/edge graph into an executable plan.
// Pass the result to [WithPlan].
func Compile(g *workflow.Graph) (*workflow.CompileResult, error) {
	return workflow.Compile(g)
}

// OpenAI creates an OpenAI provider with the given API key.
func OpenAI(apiKey string) llm.Provider {
	return llm.NewOpenAICompat(llm.OpenAICompatConfig{
		ProviderName: "openai",
		APIKey:       apiKey,
		BaseURL:      "https://api.openai.com",
	}, nil)
}

// DeepSeek creates a DeepSeek provider with the given API key.
func DeepSeek(apiKey string) llm.Provider {
	return llm.NewOpenAICompat(llm.OpenAICompatConfig{
		ProviderName: "deepseek",
		APIKey:       apiKey,
		BaseURL:      "https://api.deepseek.com",
	}, nil)
}
