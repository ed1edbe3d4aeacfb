// Package workflow implements the agent workflow orchestration engine: a
// bounded-iteration control loop that turns a single user goal into a
// supervised sequence of LLM reasoning calls and tool invocations.
//
// The engine sequences Planner -> Step Executor -> Reflector -> (replan or
// next step) -> final answer, emitting a stream of lifecycle events and
// enforcing cancellation, per-step and whole-run timeouts, and the replan
// budget. Plans come either from an LLM planning call or from a visual
// node/edge graph compiled by Compile.
//
// Multiple independent Engine instances may run concurrently in one process;
// each owns its own state, provider handle, and registry handle.
package workflow
