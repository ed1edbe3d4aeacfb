// Package store persists finished and in-flight workflow run snapshots.
//
// Three backends are provided: an in-process map for tests and single-node
// setups, SQLite for durable single-node storage, and Redis for shared
// short-lived storage with TTL-based expiry.
package store

import (
	"context"
	"errors"

	"github.com/BaSui01/flowengine/types"
)

// ErrNotFound is returned when no snapshot exists for the requested id.
var ErrNotFound = errors.New("workflow not found")

// WorkflowStore is the full persistence surface. The engine itself only
// needs Save; Load/List/Delete serve the API layer.
type WorkflowStore interface {
	Save(ctx context.Context, state *types.WorkflowState) error
	Load(ctx context.Context, id string) (*types.WorkflowState, error)
	// List returns snapshots ordered by start time, newest first.
	List(ctx context.Context, limit int) ([]*types.WorkflowState, error)
	Delete(ctx context.Context, id string) error
}
