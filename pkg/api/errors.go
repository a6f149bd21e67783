package api

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoEligibleStart is returned by a flow run when no start method's
// gating condition holds for the given input.
var ErrNoEligibleStart = errors.New("no eligible start method")

// ErrExecutionInProgress is returned when the orchestrator's graph is
// mutated while Execute is running.
var ErrExecutionInProgress = errors.New("graph mutation during active execution")

// ConditionValidationError reports a malformed condition at registration
// time.
type ConditionValidationError struct {
	Owner  string // flow, method or route the condition belongs to
	Reason string
}

func (e *ConditionValidationError) Error() string {
	if e.Owner == "" {
		return "invalid condition: " + e.Reason
	}
	return fmt.Sprintf("invalid condition on %s: %s", e.Owner, e.Reason)
}

// DuplicateRouteError reports a route id registered twice on one router.
type DuplicateRouteError struct {
	ID string
}

func (e *DuplicateRouteError) Error() string {
	return fmt.Sprintf("route already registered: %s", e.ID)
}

// DuplicateFlowIDError reports an explicit node id registered twice on one
// orchestrator.
type DuplicateFlowIDError struct {
	ID string
}

func (e *DuplicateFlowIDError) Error() string {
	return fmt.Sprintf("flow id already registered: %s", e.ID)
}

// CycleDetectedError reports an edge insertion that would make the
// dependency graph cyclic. The graph is unchanged when this is returned.
type CycleDetectedError struct {
	From string
	To   string
}

func (e *CycleDetectedError) Error() string {
	return fmt.Sprintf("dependency %s -> %s would create a cycle", e.From, e.To)
}

// MethodExecutionError wraps a failure raised inside a flow method. Path
// holds the execution path up to and including the failing method.
type MethodExecutionError struct {
	Method string
	Path   []string
	Err    error
}

func (e *MethodExecutionError) Error() string {
	return fmt.Sprintf("method %s failed: %v", e.Method, e.Err)
}

func (e *MethodExecutionError) Unwrap() error { return e.Err }

// TimeoutError reports a node exceeding its execution budget. The
// underlying work is abandoned, not interrupted.
type TimeoutError struct {
	Node  string
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("node %s timed out after %s", e.Node, e.Limit)
}

// PersistenceError wraps a failure from the injected Store. It is always
// reported via logging, never propagated into scheduling.
type PersistenceError struct {
	Op     string
	FlowID string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s for flow %s: %v", e.Op, e.FlowID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
