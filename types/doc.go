// Package types provides the shared data model used across the flowengine
// framework: conversation messages, tool calls and results, structured errors,
// the workflow plan/state model, and the workflow stream event union.
//
// This package has ZERO dependencies on other flowengine packages to avoid
// circular imports. All other packages import types from here.
package types
