package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/petrijr/reflow/internal/router"
	"github.com/petrijr/reflow/pkg/api"
	"github.com/petrijr/reflow/pkg/bus"
)

// OptimizeMode tunes the orchestrator's router for speed (condition
// result caching on) or memory (caching off).
type OptimizeMode string

const (
	OptimizeSpeed  OptimizeMode = "speed"
	OptimizeMemory OptimizeMode = "memory"
)

// OrchestratorConfig describes an Orchestrator. Zero values select the
// defaults.
type OrchestratorConfig struct {
	// MaxConcurrency bounds the worker pool. Default 4.
	MaxConcurrency int

	// NodeTimeout fails a node exceeding it. A timed-out node's work is
	// abandoned, not interrupted. Zero disables.
	NodeTimeout time.Duration

	// Timeout bounds the whole execution. Zero disables.
	Timeout time.Duration

	// ContinueOnFailure lets branches unaffected by a failed node keep
	// running. The default halts remaining execution on first failure.
	ContinueOnFailure bool

	// OptimizeFor selects router cache behavior. Default OptimizeSpeed.
	OptimizeFor OptimizeMode

	// Bus, Router and Store are shared by every node. A nil Router gets a
	// default built from OptimizeFor.
	Bus    *bus.Bus
	Router *router.Router
	Store  api.Store
	Logger *slog.Logger
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	if c.OptimizeFor == "" {
		c.OptimizeFor = OptimizeSpeed
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Router == nil {
		c.Router = router.New(router.Config{
			CacheEnabled: c.OptimizeFor == OptimizeSpeed,
			ShortCircuit: true,
		})
	}
	return c
}

// NodeResult is one entry of the execution result map. Every registered
// node gets exactly one of: a successful Run, an Err, or NodeSkipped.
type NodeResult struct {
	Status NodeStatus
	Run    *api.FlowRun
	Err    error
}

// ExecutionMetrics aggregates one orchestrator's executions.
type ExecutionMetrics struct {
	Completed int
	Failed    int
	Skipped   int

	TotalFlowTime time.Duration
	AvgFlowTime   time.Duration
}

// Orchestrator treats whole flows as units of work in a dependency graph
// and executes the graph under a concurrency budget. Graph mutation
// (RegisterFlow, AddDependency) is rejected while Execute is running.
type Orchestrator struct {
	cfg OrchestratorConfig

	mu        sync.Mutex
	nodes     map[string]*node
	order     []*node
	out       map[string][]*edge
	in        map[string][]*edge
	executing bool
	metrics   ExecutionMetrics
	ran       int
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	return &Orchestrator{
		cfg:   cfg.withDefaults(),
		nodes: make(map[string]*node),
		out:   make(map[string][]*edge),
		in:    make(map[string][]*edge),
	}
}

// NodeOption customizes a registered flow node.
type NodeOption func(*node)

// WithNodeID sets an explicit node id. Duplicates are rejected.
func WithNodeID(id string) NodeOption {
	return func(n *node) { n.id = id }
}

// WithPriority sets the node's scheduling priority; higher runs first.
func WithPriority(p int) NodeOption {
	return func(n *node) { n.priority = p }
}

// WithInput sets the node's start input. Upstream data mappings merge
// into it.
func WithInput(input any) NodeOption {
	return func(n *node) { n.input = input }
}

// RegisterFlow adds a flow definition as a graph node and returns its
// node id. The id defaults to a generated name derived from the flow's
// name.
func (o *Orchestrator) RegisterFlow(def *api.FlowDefinition, opts ...NodeOption) (string, error) {
	if err := def.Validate(); err != nil {
		return "", err
	}

	n := &node{def: def, status: NodePending}
	for _, opt := range opts {
		opt(n)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.executing {
		return "", api.ErrExecutionInProgress
	}
	if n.id == "" {
		for {
			n.id = def.Name + "-" + uuid.NewString()[:8]
			if _, taken := o.nodes[n.id]; !taken {
				break
			}
		}
	} else if _, taken := o.nodes[n.id]; taken {
		return "", &api.DuplicateFlowIDError{ID: n.id}
	}
	n.seq = len(o.order)
	o.nodes[n.id] = n
	o.order = append(o.order, n)
	return n.id, nil
}

// EdgeOption customizes a dependency edge.
type EdgeOption func(*edge)

// WithEdgeCondition gates the edge on the upstream node's run. A false
// result skips the downstream node (transitively, when nothing else
// satisfies it).
func WithEdgeCondition(fn EdgeCondition) EdgeOption {
	return func(e *edge) { e.condition = fn }
}

// WithEdgeExpr gates the edge with an expr-lang expression over the
// upstream run; the environment exposes "state", "result" (the upstream
// flow's final output) and each completed method's result by name.
func WithEdgeExpr(code string) EdgeOption {
	return func(e *edge) { e.exprCond = api.Expr(code) }
}

// WithDataMapping transforms the upstream run into (partial) input merged
// into the downstream node's start input.
func WithDataMapping(fn DataMapping) EdgeOption {
	return func(e *edge) { e.mapping = fn }
}

// AddDependency inserts the edge from -> to, verifying first that it
// would not create a cycle. On rejection the graph is unchanged.
func (o *Orchestrator) AddDependency(from, to string, opts ...EdgeOption) error {
	e := &edge{from: from, to: to}
	for _, opt := range opts {
		opt(e)
	}
	if e.exprCond != nil {
		if err := e.exprCond.Validate(fmt.Sprintf("edge %s->%s", from, to), nil); err != nil {
			return err
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.executing {
		return api.ErrExecutionInProgress
	}
	if _, ok := o.nodes[from]; !ok {
		return fmt.Errorf("unknown node: %s", from)
	}
	if _, ok := o.nodes[to]; !ok {
		return fmt.Errorf("unknown node: %s", to)
	}
	if wouldCycle(o.out, from, to) {
		return &api.CycleDetectedError{From: from, To: to}
	}
	o.out[from] = append(o.out[from], e)
	o.in[to] = append(o.in[to], e)
	return nil
}

// Edges returns the edge list as (from, to) pairs, in insertion order.
// Diagnostics aid.
func (o *Orchestrator) Edges() [][2]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out [][2]string
	for _, n := range o.order {
		for _, e := range o.out[n.id] {
			out = append(out, [2]string{e.from, e.to})
		}
	}
	return out
}

// GetExecutionMetrics returns the aggregated metrics of all executions so
// far.
func (o *Orchestrator) GetExecutionMetrics() ExecutionMetrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.metrics
}

type nodeCompletion struct {
	n   *node
	run *api.FlowRun
	err error
	dur time.Duration
}

// Execute runs the graph to completion. It always returns a result map
// covering every registered node with a success run, an error marker or a
// skipped marker; the error return is reserved for cancellation and
// programming mistakes (concurrent Execute).
func (o *Orchestrator) Execute(ctx context.Context) (map[string]NodeResult, error) {
	o.mu.Lock()
	if o.executing {
		o.mu.Unlock()
		return nil, api.ErrExecutionInProgress
	}
	o.executing = true
	nodes := append([]*node(nil), o.order...)
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.executing = false
		o.mu.Unlock()
	}()

	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}

	for _, n := range nodes {
		n.status = NodePending
		n.run = nil
		n.err = nil
		n.pendingDeps = len(o.in[n.id])
		n.satisfiedDeps = 0
	}

	o.publish(api.EventGraphStarted, api.PriorityNormal, "", map[string]any{"nodes": len(nodes)})

	var ready []*node
	for _, n := range nodes {
		if n.pendingDeps == 0 {
			n.status = NodeReady
			ready = append(ready, n)
		}
	}

	sem := semaphore.NewWeighted(int64(o.cfg.MaxConcurrency))
	completions := make(chan nodeCompletion, len(nodes))
	terminal := 0
	inflight := 0
	halted := false

	for terminal < len(nodes) {
		if ctx.Err() != nil {
			return o.abort(nodes, ctx.Err()), ctx.Err()
		}
		if !halted {
			for len(ready) > 0 && sem.TryAcquire(1) {
				next := popBest(&ready)
				next.status = NodeRunning
				inflight++
				o.launch(ctx, next, sem, completions)
			}
		}

		if inflight == 0 {
			if halted || len(ready) == 0 {
				// Nothing can run anymore; everything left is skipped.
				for _, n := range nodes {
					if !isTerminal(n.status) {
						o.skip(n, &terminal)
					}
				}
				break
			}
			continue
		}

		select {
		case <-ctx.Done():
			return o.abort(nodes, ctx.Err()), ctx.Err()
		case c := <-completions:
			inflight--
			terminal++
			o.settle(c, &halted)
			o.cascade(c.n, &ready, &terminal)
		}
	}

	o.publish(api.EventGraphCompleted, api.PriorityNormal, "", map[string]any{"nodes": terminal})
	return o.results(nodes), nil
}

// launch runs one node's flow on its own goroutine. The store's Connect
// hook (if any) runs first; its failure is logged, never fatal.
func (o *Orchestrator) launch(ctx context.Context, n *node, sem *semaphore.Weighted, completions chan<- nodeCompletion) {
	o.publish(api.EventNodeStarted, api.PriorityNormal, n.id, map[string]any{"flow": n.def.Name})
	input := n.input
	go func() {
		// The slot is released before the completion is sent so the
		// scheduling loop can refill the pool the moment it observes the
		// completion.
		done := func(c nodeCompletion) {
			sem.Release(1)
			completions <- c
		}
		start := time.Now()

		if conn, ok := o.cfg.Store.(api.Connector); ok {
			if err := conn.Connect(ctx, n.id); err != nil {
				o.cfg.Logger.Warn("store_connect_failed",
					slog.String("node", n.id),
					slog.Any("error", &api.PersistenceError{Op: "connect", FlowID: n.id, Err: err}),
				)
			}
		}

		runCtx := ctx
		var cancel context.CancelFunc
		if o.cfg.NodeTimeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, o.cfg.NodeTimeout)
			defer cancel()
		}

		d, err := NewDispatcher(n.def, n.id, DispatcherConfig{
			Router: o.cfg.Router,
			Bus:    o.cfg.Bus,
			Store:  o.cfg.Store,
			Logger: o.cfg.Logger,
		})
		if err != nil {
			done(nodeCompletion{n: n, err: err, dur: time.Since(start)})
			return
		}

		run, err := d.Run(runCtx, input)
		if err != nil && runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = &api.TimeoutError{Node: n.id, Limit: o.cfg.NodeTimeout}
		}
		done(nodeCompletion{n: n, run: run, err: err, dur: time.Since(start)})
	}()
}

// settle records a node's terminal status and metrics.
func (o *Orchestrator) settle(c nodeCompletion, halted *bool) {
	n := c.n
	n.run = c.run
	n.err = c.err

	o.mu.Lock()
	o.ran++
	o.metrics.TotalFlowTime += c.dur
	o.mu.Unlock()

	if c.err != nil {
		n.status = NodeFailed
		o.addMetric(func(m *ExecutionMetrics) { m.Failed++ })
		o.publish(api.EventNodeFailed, api.PriorityHigh, n.id, map[string]any{"error": c.err.Error()})
		if !o.cfg.ContinueOnFailure {
			*halted = true
		}
		return
	}
	n.status = NodeCompleted
	o.addMetric(func(m *ExecutionMetrics) { m.Completed++ })
	o.publish(api.EventNodeCompleted, api.PriorityNormal, n.id, map[string]any{
		"duration_ms": c.dur.Milliseconds(),
	})
}

// cascade resolves the settled node's outgoing edges: satisfied edges
// unlock and feed their downstream nodes, unsatisfied ones count toward
// skipping. A downstream node whose upstreams are all terminal either
// becomes ready (something satisfied it) or is skipped, and skips
// propagate transitively.
func (o *Orchestrator) cascade(settled *node, ready *[]*node, terminal *int) {
	type item struct {
		n       *node
		success bool
	}
	stack := []item{{n: settled, success: settled.status == NodeCompleted}}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range o.out[it.n.id] {
			down := o.nodes[e.to]
			if isTerminal(down.status) {
				continue
			}
			down.pendingDeps--
			if it.success && o.edgeSatisfied(e, it.n.run) {
				down.satisfiedDeps++
				if e.mapping != nil {
					down.input = mergeInput(down.input, e.mapping(it.n.run))
				}
			}
			if down.pendingDeps > 0 {
				continue
			}
			if down.satisfiedDeps > 0 {
				down.status = NodeReady
				*ready = append(*ready, down)
				continue
			}
			o.skip(down, terminal)
			stack = append(stack, item{n: down, success: false})
		}
	}
}

func (o *Orchestrator) skip(n *node, terminal *int) {
	n.status = NodeSkipped
	*terminal++
	o.addMetric(func(m *ExecutionMetrics) { m.Skipped++ })
	o.publish(api.EventNodeSkipped, api.PriorityNormal, n.id, nil)
}

// edgeSatisfied checks the edge's gating condition(s) against the
// upstream run. Both the Go condition and the expression must hold when
// both are present; an edge with neither is satisfied by plain success.
func (o *Orchestrator) edgeSatisfied(e *edge, run *api.FlowRun) bool {
	if e.condition != nil && !e.condition(run) {
		return false
	}
	if e.exprCond != nil {
		ok, err := o.cfg.Router.EvaluateCached("edge:"+e.from+"->"+e.to, e.exprCond, router.Context{
			State:     run.State,
			Result:    run.Output(),
			Completed: run.Results,
		})
		if err != nil {
			o.cfg.Logger.Warn("edge_condition_failed",
				slog.String("from", e.from),
				slog.String("to", e.to),
				slog.Any("error", err),
			)
			return false
		}
		return ok
	}
	return true
}

// abort marks every unfinished node after cancellation or global timeout:
// running nodes failed (their work is abandoned), unstarted ones skipped.
func (o *Orchestrator) abort(nodes []*node, cause error) map[string]NodeResult {
	for _, n := range nodes {
		switch n.status {
		case NodeRunning:
			n.status = NodeFailed
			n.err = cause
			o.addMetric(func(m *ExecutionMetrics) { m.Failed++ })
		case NodePending, NodeReady:
			n.status = NodeSkipped
			o.addMetric(func(m *ExecutionMetrics) { m.Skipped++ })
		}
	}
	return o.results(nodes)
}

func (o *Orchestrator) results(nodes []*node) map[string]NodeResult {
	o.mu.Lock()
	if o.ran > 0 {
		o.metrics.AvgFlowTime = o.metrics.TotalFlowTime / time.Duration(o.ran)
	}
	o.mu.Unlock()

	out := make(map[string]NodeResult, len(nodes))
	for _, n := range nodes {
		out[n.id] = NodeResult{Status: n.status, Run: n.run, Err: n.err}
	}
	return out
}

func (o *Orchestrator) addMetric(apply func(*ExecutionMetrics)) {
	o.mu.Lock()
	apply(&o.metrics)
	o.mu.Unlock()
}

func (o *Orchestrator) publish(t api.EventType, prio api.Priority, id string, meta map[string]any) {
	if o.cfg.Bus == nil {
		return
	}
	o.cfg.Bus.Publish(api.NewEnvelope(t, prio, id, meta))
}

// popBest removes and returns the ready node with the highest priority,
// ties broken by registration order.
func popBest(ready *[]*node) *node {
	best := 0
	for i := 1; i < len(*ready); i++ {
		a, b := (*ready)[i], (*ready)[best]
		if a.priority > b.priority || (a.priority == b.priority && a.seq < b.seq) {
			best = i
		}
	}
	n := (*ready)[best]
	*ready = append((*ready)[:best], (*ready)[best+1:]...)
	return n
}

func isTerminal(s NodeStatus) bool {
	return s == NodeCompleted || s == NodeFailed || s == NodeSkipped
}
