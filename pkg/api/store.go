package api

import "context"

// Store is the persistence collaborator consumed by the state manager and
// the orchestrator. All operations are best-effort: callers log failures
// and never let them into the scheduling path.
//
// Absent values are returned as (nil, nil).
type Store interface {
	SaveState(ctx context.Context, flowID string, state any) error
	LoadState(ctx context.Context, flowID string) (any, error)
	SaveResult(ctx context.Context, flowID, method string, result any) error
	LoadResult(ctx context.Context, flowID, method string) (any, error)
	Clear(ctx context.Context, flowID string) error
}

// Connector is optionally implemented by a Store that wants a hook before
// each orchestrator node runs (e.g. to open a per-flow namespace).
type Connector interface {
	Connect(ctx context.Context, flowID string) error
}
