// Package engine contains the two execution layers: the Dispatcher runs a
// single flow instance reactively (methods trigger on conditions, not call
// order), and the Orchestrator runs whole flow instances as nodes of a
// dependency graph under a concurrency budget.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/reflow/internal/router"
	"github.com/petrijr/reflow/pkg/api"
	"github.com/petrijr/reflow/pkg/bus"
	"github.com/petrijr/reflow/pkg/flowstate"
)

// FailureInput is what the flow's wildcard error listener receives: the
// failing method, the input it was invoked with, and the error.
type FailureInput struct {
	Method string
	Input  any
	Err    error
}

// DispatcherConfig wires a Dispatcher's collaborators. Router is required;
// the rest are optional.
type DispatcherConfig struct {
	Router *router.Router
	State  *flowstate.Manager
	Bus    *bus.Bus
	Store  api.Store
	Logger *slog.Logger
}

// Dispatcher runs one flow instance from an initial input to completion,
// selecting methods by condition satisfaction. A Dispatcher may be run
// repeatedly; each run keeps its own completion bookkeeping.
type Dispatcher struct {
	def      *api.FlowDefinition
	id       string
	cfg      DispatcherConfig
	wildcard *api.MethodDeclaration
}

// NewDispatcher validates def and builds a Dispatcher. id may be empty, in
// which case a generated id derived from the flow name is used.
func NewDispatcher(def *api.FlowDefinition, id string, cfg DispatcherConfig) (*Dispatcher, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if cfg.Router == nil {
		return nil, fmt.Errorf("flow %s: router is required", def.Name)
	}
	if id == "" {
		id = def.Name + "-" + uuid.NewString()[:8]
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.State == nil {
		var initial any
		if def.InitialState != nil {
			initial = def.InitialState()
		}
		cfg.State = flowstate.New(id, initial, flowstate.Config{
			Store:           cfg.Store,
			PersistOnChange: cfg.Store != nil,
			Bus:             cfg.Bus,
			Logger:          cfg.Logger,
		})
	}
	d := &Dispatcher{def: def, id: id, cfg: cfg}
	for i := range def.Methods {
		if def.Methods[i].IsErrorBoundary() {
			d.wildcard = &def.Methods[i]
			break
		}
	}
	return d, nil
}

// ID returns the flow instance id.
func (d *Dispatcher) ID() string { return d.id }

// State returns the instance's state manager.
func (d *Dispatcher) State() *flowstate.Manager { return d.cfg.State }

// Reset reinstalls the flow's initial state and clears any persisted
// results for this instance, preparing the dispatcher for a fresh run.
func (d *Dispatcher) Reset(ctx context.Context) {
	var initial any
	if d.def.InitialState != nil {
		initial = d.def.InitialState()
	}
	d.cfg.State.Replace(initial)
	if d.cfg.Store != nil {
		if err := d.cfg.Store.Clear(ctx, d.id); err != nil {
			perr := &api.PersistenceError{Op: "clear", FlowID: d.id, Err: err}
			d.cfg.Logger.Warn("store_clear_failed", slog.Any("error", perr))
		}
	}
}

type completion struct {
	name     string
	input    any
	result   any
	err      error
	boundary bool
}

// runState is the per-run bookkeeping. It is owned exclusively by the Run
// loop goroutine; method goroutines communicate back via completions.
type runState struct {
	d           *Dispatcher
	ctx         context.Context
	completed   map[string]any
	path        []string
	triggered   map[string]bool
	inflight    int
	completions chan completion
}

// Run executes the flow: all eligible start methods run concurrently, and
// each completion re-evaluates the untriggered listeners' and routers'
// conditions. Run terminates once no further methods become eligible.
//
// The returned FlowRun is always non-nil and keeps the partial execution
// path on failure.
func (d *Dispatcher) Run(ctx context.Context, input any) (*api.FlowRun, error) {
	rs := &runState{
		d:           d,
		ctx:         ctx,
		completed:   make(map[string]any),
		triggered:   make(map[string]bool),
		completions: make(chan completion, len(d.def.Methods)+1),
	}

	d.publish(api.EventFlowStarted, api.PriorityNormal, nil)

	started, err := rs.startEligible(input)
	if err != nil {
		d.publish(api.EventFlowFailed, api.PriorityHigh, map[string]any{"error": err.Error()})
		return rs.finish(err), err
	}
	if started == 0 {
		err := fmt.Errorf("flow %s: %w", d.def.Name, api.ErrNoEligibleStart)
		d.publish(api.EventFlowFailed, api.PriorityHigh, map[string]any{"error": err.Error()})
		return rs.finish(err), err
	}

	runErr := rs.loop()
	run := rs.finish(runErr)
	if runErr != nil {
		d.publish(api.EventFlowFailed, api.PriorityHigh, map[string]any{"error": runErr.Error()})
		return run, runErr
	}
	d.publish(api.EventFlowCompleted, api.PriorityNormal, map[string]any{"methods": len(run.Path)})
	return run, nil
}

// startEligible launches every start method whose optional gating
// condition holds. Returns the number launched.
func (rs *runState) startEligible(input any) (int, error) {
	d := rs.d
	started := 0
	for i := range d.def.Methods {
		m := &d.def.Methods[i]
		if m.Role != api.RoleStart {
			continue
		}
		if m.Trigger != nil {
			ok, err := d.cfg.Router.Evaluate(m.Trigger, router.Context{
				State:     d.cfg.State.Get(),
				Result:    input,
				Completed: rs.completed,
			})
			if err != nil {
				return started, err
			}
			if !ok {
				continue
			}
		}
		rs.launch(m, input, false)
		started++
	}
	return started, nil
}

// loop drains completions until nothing is in flight. It owns all run
// bookkeeping; a context cancellation abandons in-flight methods (their
// goroutines drain into the buffered channel and are discarded).
func (rs *runState) loop() error {
	for rs.inflight > 0 {
		select {
		case <-rs.ctx.Done():
			return rs.ctx.Err()
		case c := <-rs.completions:
			rs.inflight--
			if c.err != nil {
				if abort := rs.onFailure(c); abort != nil {
					return abort
				}
				continue
			}
			rs.onSuccess(c)
		}
	}
	return nil
}

// onFailure routes a method error to the wildcard listener if one exists;
// otherwise it aborts the run with a MethodExecutionError.
func (rs *runState) onFailure(c completion) error {
	d := rs.d
	mExecErr := &api.MethodExecutionError{
		Method: c.name,
		Path:   append(append([]string(nil), rs.path...), c.name),
		Err:    c.err,
	}
	d.publish(api.EventMethodFailed, api.PriorityHigh, map[string]any{
		"method": c.name,
		"error":  c.err.Error(),
	})
	if c.boundary {
		// The error boundary itself failed; nothing left to catch it.
		return mExecErr
	}
	if d.wildcard != nil && !rs.triggered[d.wildcard.Name] {
		rs.launch(d.wildcard, FailureInput{Method: c.name, Input: c.input, Err: c.err}, true)
		return nil
	}
	return mExecErr
}

// onSuccess records the result and evaluates which methods become
// eligible: untriggered listeners/routers whose condition now holds, plus
// the completed router's matching branch targets. The wildcard listener
// triggers nothing further.
func (rs *runState) onSuccess(c completion) {
	d := rs.d
	rs.completed[c.name] = c.result
	rs.path = append(rs.path, c.name)
	d.publish(api.EventMethodCompleted, api.PriorityNormal, map[string]any{"method": c.name})
	d.saveResult(rs.ctx, c.name, c.result)

	if c.boundary {
		return
	}

	evalCtx := router.Context{
		State:     d.cfg.State.Get(),
		Result:    c.result,
		Completed: rs.completed,
	}

	for i := range d.def.Methods {
		m := &d.def.Methods[i]
		if m.Role == api.RoleStart || rs.triggered[m.Name] || m.IsErrorBoundary() {
			continue
		}
		// Branch-only targets carry no trigger; a router activates them.
		if m.Trigger == nil {
			continue
		}
		ok, err := d.cfg.Router.Evaluate(m.Trigger, evalCtx)
		if err != nil {
			d.cfg.Logger.Warn("trigger_evaluation_failed",
				slog.String("flow_id", d.id),
				slog.String("method", m.Name),
				slog.Any("error", err),
			)
			continue
		}
		if ok {
			rs.launch(m, c.result, false)
		}
	}

	decl := d.def.Method(c.name)
	if decl != nil && decl.Role == api.RoleRouter && len(decl.Branches) > 0 {
		matched, err := d.cfg.Router.MatchBranches(decl.Branches, evalCtx)
		if err != nil {
			d.cfg.Logger.Warn("branch_evaluation_failed",
				slog.String("flow_id", d.id),
				slog.String("method", c.name),
				slog.Any("error", err),
			)
		}
		for _, b := range matched {
			target := d.def.Method(b.Target)
			if target == nil || rs.triggered[target.Name] {
				continue
			}
			rs.launch(target, c.result, false)
		}
	}
}

// launch marks the method triggered (at-most-once per run) and runs it on
// its own goroutine. The completion channel is buffered for every method,
// so abandoned sends never leak.
func (rs *runState) launch(m *api.MethodDeclaration, input any, boundary bool) {
	rs.triggered[m.Name] = true
	rs.inflight++
	rs.d.publish(api.EventMethodStarted, api.PriorityNormal, map[string]any{"method": m.Name})
	go func() {
		result, err := rs.d.invoke(rs.ctx, m, input)
		rs.completions <- completion{name: m.Name, input: input, result: result, err: err, boundary: boundary}
	}()
}

// invoke runs a method with panic containment and its retry policy.
func (d *Dispatcher) invoke(ctx context.Context, m *api.MethodDeclaration, input any) (result any, err error) {
	attempts := 1
	if m.Retry != nil && m.Retry.MaxAttempts > 1 {
		attempts = m.Retry.MaxAttempts
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := m.Retry.Delay(attempt - 1)
			if delay > 0 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(delay):
				}
			}
		}
		result, err = d.invokeOnce(ctx, m, input)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, err
}

func (d *Dispatcher) invokeOnce(ctx context.Context, m *api.MethodDeclaration, input any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in method %s: %v", m.Name, r)
		}
	}()
	return m.Fn(ctx, input, d.cfg.State)
}

func (rs *runState) finish(runErr error) *api.FlowRun {
	return &api.FlowRun{
		ID:      rs.d.id,
		Flow:    rs.d.def.Name,
		Results: rs.completed,
		Path:    rs.path,
		State:   rs.d.cfg.State.Get(),
		Err:     runErr,
	}
}

func (d *Dispatcher) publish(t api.EventType, prio api.Priority, meta map[string]any) {
	if d.cfg.Bus == nil {
		return
	}
	d.cfg.Bus.Publish(api.NewEnvelope(t, prio, d.id, meta))
}

// saveResult writes a completed method's result to the store,
// best-effort.
func (d *Dispatcher) saveResult(ctx context.Context, method string, result any) {
	if d.cfg.Store == nil {
		return
	}
	if err := d.cfg.Store.SaveResult(ctx, d.id, method, result); err != nil {
		perr := &api.PersistenceError{Op: "save_result", FlowID: d.id, Err: err}
		d.cfg.Logger.Warn("result_persist_failed",
			slog.String("flow_id", d.id),
			slog.String("method", method),
			slog.Any("error", perr),
		)
	}
}
