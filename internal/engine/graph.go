package engine

import (
	"github.com/petrijr/reflow/pkg/api"
)

// NodeStatus is the lifecycle state of an orchestrator graph node.
type NodeStatus string

const (
	NodePending   NodeStatus = "PENDING"
	NodeReady     NodeStatus = "READY"
	NodeRunning   NodeStatus = "RUNNING"
	NodeCompleted NodeStatus = "COMPLETED"
	NodeFailed    NodeStatus = "FAILED"
	NodeSkipped   NodeStatus = "SKIPPED"
)

// EdgeCondition gates a dependency edge on the upstream node's run.
type EdgeCondition func(run *api.FlowRun) bool

// DataMapping transforms the upstream run into (partial) input for the
// downstream node. Map results are merged into the downstream input;
// anything else replaces it.
type DataMapping func(run *api.FlowRun) any

type node struct {
	id       string
	def      *api.FlowDefinition
	priority int
	seq      int
	input    any

	status NodeStatus
	run    *api.FlowRun
	err    error

	// pendingDeps counts upstream edges not yet terminal; satisfiedDeps
	// counts edges whose upstream succeeded and whose condition held.
	pendingDeps   int
	satisfiedDeps int
}

type edge struct {
	from, to  string
	condition EdgeCondition
	exprCond  *api.Condition
	mapping   DataMapping
}

// wouldCycle reports whether adding from -> to creates a cycle: a
// depth-first reachability walk from `to` back to `from` over the current
// edges. The caller holds the orchestrator lock.
func wouldCycle(out map[string][]*edge, from, to string) bool {
	if from == to {
		return true
	}
	seen := map[string]bool{}
	stack := []string{to}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == from {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		for _, e := range out[cur] {
			stack = append(stack, e.to)
		}
	}
	return false
}

// mergeInput merges mapped upstream data into a node's start input. Two
// string-keyed maps merge key-wise (mapped data wins); otherwise the
// mapped value replaces the input.
func mergeInput(base, mapped any) any {
	if mapped == nil {
		return base
	}
	bm, bok := base.(map[string]any)
	mm, mok := mapped.(map[string]any)
	if bok && mok {
		out := make(map[string]any, len(bm)+len(mm))
		for k, v := range bm {
			out[k] = v
		}
		for k, v := range mm {
			out[k] = v
		}
		return out
	}
	return mapped
}
