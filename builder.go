package reflow

import (
	"fmt"

	"github.com/petrijr/reflow/pkg/api"
)

// FlowBuilder provides a fluent API for declaring flows:
//
//	def := reflow.NewFlow("support-ticket").
//	    Start("classify", classify).
//	    Router("triage", reflow.Named("classify"), triage,
//	        reflow.BranchTo("escalate", reflow.Compare("result.severity", reflow.OpGt, 3)),
//	        reflow.BranchTo("autoReply", nil),
//	    ).
//	    OnBranch("escalate", escalate).
//	    OnBranch("autoReply", autoReply).
//	    OnError("report", report).
//	    MustBuild()
//
//	run, err := reflow.Run(ctx, def, input)
type FlowBuilder struct {
	def api.FlowDefinition
}

// NewFlow creates a flow builder with the given name.
func NewFlow(name string) *FlowBuilder {
	return &FlowBuilder{
		def: api.FlowDefinition{
			Name:    name,
			Methods: make([]api.MethodDeclaration, 0),
		},
	}
}

// Name returns the flow name.
func (b *FlowBuilder) Name() string {
	return b.def.Name
}

// InitialState sets the factory producing each instance's initial state
// payload.
func (b *FlowBuilder) InitialState(fn func() any) *FlowBuilder {
	b.def.InitialState = fn
	return b
}

// Start appends an unconditional start method.
func (b *FlowBuilder) Start(name string, fn MethodFunc) *FlowBuilder {
	return b.add(api.MethodDeclaration{Name: name, Role: api.RoleStart, Fn: fn})
}

// StartIf appends a start method gated by cond: it only runs when cond
// holds for the run's input and initial state.
func (b *FlowBuilder) StartIf(name string, cond *Condition, fn MethodFunc) *FlowBuilder {
	return b.add(api.MethodDeclaration{Name: name, Role: api.RoleStart, Trigger: cond, Fn: fn})
}

// Listen appends a listener triggered when cond is satisfied.
func (b *FlowBuilder) Listen(name string, cond *Condition, fn MethodFunc) *FlowBuilder {
	return b.add(api.MethodDeclaration{Name: name, Role: api.RoleListener, Trigger: cond, Fn: fn})
}

// OnBranch appends a listener that has no trigger of its own; it runs
// only when a router branch targets it.
func (b *FlowBuilder) OnBranch(name string, fn MethodFunc) *FlowBuilder {
	return b.add(api.MethodDeclaration{Name: name, Role: api.RoleListener, Fn: fn})
}

// Router appends a router method: triggered like a listener, its return
// value is matched against branches to pick the next eligible methods.
func (b *FlowBuilder) Router(name string, cond *Condition, fn MethodFunc, branches ...Branch) *FlowBuilder {
	return b.add(api.MethodDeclaration{Name: name, Role: api.RoleRouter, Trigger: cond, Fn: fn, Branches: branches})
}

// OnError appends the flow's error boundary: a listener invoked with a
// FailureInput whenever any other method fails. It never triggers further
// listeners.
func (b *FlowBuilder) OnError(name string, fn MethodFunc) *FlowBuilder {
	return b.add(api.MethodDeclaration{Name: name, Role: api.RoleListener, Trigger: api.Named(api.WildcardMethod), Fn: fn})
}

// Retry attaches a retry policy to the most recently declared method.
func (b *FlowBuilder) Retry(policy RetryPolicy) *FlowBuilder {
	if len(b.def.Methods) == 0 {
		panic("reflow: Retry called before any method was declared")
	}
	b.def.Methods[len(b.def.Methods)-1].Retry = &policy
	return b
}

func (b *FlowBuilder) add(decl api.MethodDeclaration) *FlowBuilder {
	if decl.Name == "" {
		panic("reflow: method name must not be empty")
	}
	if decl.Fn == nil {
		panic(fmt.Sprintf("reflow: method %q has nil function", decl.Name))
	}
	b.def.Methods = append(b.def.Methods, decl)
	return b
}

// Definition returns the underlying FlowDefinition without validating it.
// Typically used when interacting with lower-level APIs.
func (b *FlowBuilder) Definition() *FlowDefinition {
	return &b.def
}

// Build validates the declarations and returns the definition.
func (b *FlowBuilder) Build() (*FlowDefinition, error) {
	if err := b.def.Validate(); err != nil {
		return nil, err
	}
	return &b.def, nil
}

// MustBuild is Build, panicking on an invalid definition.
func (b *FlowBuilder) MustBuild() *FlowDefinition {
	def, err := b.Build()
	if err != nil {
		panic("reflow: " + err.Error())
	}
	return def
}

// BranchTo builds a router branch targeting method target when cond
// matches the router's return value. A nil cond always matches, which
// makes it a default branch.
func BranchTo(target string, cond *Condition) Branch {
	return Branch{Target: target, When: cond}
}

// BranchPriority is BranchTo with an explicit evaluation priority.
func BranchPriority(target string, cond *Condition, priority int) Branch {
	return Branch{Target: target, When: cond, Priority: priority}
}
