// Package tools implements the tool registry and executor used by the
// workflow engine: named handlers with JSON-schema definitions, per-tool
// timeouts and rate limits, and sequential or concurrent dispatch of the
// tool calls requested by the model.
//
// Tool failures are reported inside ToolResult (Success=false), never as Go
// errors; the engine's reflector decides whether a failed tool fails a step.
package tools
