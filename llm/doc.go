// Package llm defines the unified chat provider abstraction consumed by the
// workflow engine. Providers supply synchronous completions and an optional
// streaming variant; the engine treats them as opaque capabilities and never
// reaches for ambient instances.
package llm
