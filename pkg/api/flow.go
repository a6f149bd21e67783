package api

import (
	"context"
	"fmt"
	"time"
)

// Role classifies a flow method.
type Role string

const (
	// RoleStart methods are eligible as soon as the run begins, subject to
	// an optional gating condition.
	RoleStart Role = "start"

	// RoleListener methods trigger when their condition over completed
	// methods (and state) is satisfied.
	RoleListener Role = "listener"

	// RoleRouter methods trigger like listeners; their return value is
	// additionally matched against branch conditions to select the next
	// eligible methods.
	RoleRouter Role = "router"
)

// MethodFunc is a single unit of work inside a flow. input is the run
// input (for start methods) or the triggering method's result (for
// listeners and routers). state gives copy-on-write access to the flow's
// state; it must only be mutated through its Update operation.
//
// Implementations may block, perform I/O, and return errors; the
// dispatcher isolates failures per method.
type MethodFunc func(ctx context.Context, input any, state State) (any, error)

// State is the narrow view of the flow's state manager a method receives.
// The concrete implementation lives in pkg/flowstate.
type State interface {
	// ID returns the owning flow instance's id.
	ID() string

	// Get returns the current state payload. Callers must treat it as
	// read-only; mutation goes through Update.
	Get() any

	// Update clones the current payload, applies mutate to the clone and
	// installs it as current. It returns the new payload.
	Update(mutate func(payload any)) any
}

// RetryPolicy controls how a method is retried when it returns an error.
// MaxAttempts includes the first attempt:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
type RetryPolicy struct {
	MaxAttempts int

	// InitialBackoff is the delay before the first retry. Grown by
	// BackoffMultiplier each subsequent attempt (2.0 when <= 0), capped at
	// MaxBackoff when MaxBackoff > 0.
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// Delay returns the backoff before retry attempt n (1-based).
func (p RetryPolicy) Delay(n int) time.Duration {
	d := p.InitialBackoff
	if d <= 0 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	for i := 1; i < n; i++ {
		d = time.Duration(float64(d) * mult)
		if p.MaxBackoff > 0 && d > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Branch associates a condition over a router method's return value with
// the method that becomes eligible when it matches.
type Branch struct {
	// ID identifies the branch for router-table bookkeeping. Defaults to
	// Target when empty.
	ID string

	// When is evaluated against the router method's result ("result" in
	// path/expr terms). A nil condition always matches.
	When *Condition

	// Target is the method made eligible when the branch matches.
	Target string

	// Priority orders branch evaluation, descending. Ties are broken by
	// declaration order.
	Priority int
}

// MethodDeclaration describes one flow method: its role, trigger and
// implementation. Declarations are static per flow definition; dispatch is
// a plain name -> declaration lookup.
type MethodDeclaration struct {
	Name string
	Role Role

	// Trigger gates the method. Required for listeners and routers;
	// optional for start methods (a nil trigger means always eligible).
	// A listener with Trigger = Named(WildcardMethod) is the flow's error
	// boundary.
	Trigger *Condition

	Fn MethodFunc

	// Branches is only meaningful for RoleRouter.
	Branches []Branch

	// Retry, when set, re-invokes a failing method per policy before the
	// failure is surfaced.
	Retry *RetryPolicy
}

// IsErrorBoundary reports whether the declaration is the wildcard error
// listener.
func (d *MethodDeclaration) IsErrorBoundary() bool {
	return d.Role == RoleListener && d.Trigger != nil &&
		d.Trigger.Kind == KindNamed && d.Trigger.Method == WildcardMethod
}

// FlowDefinition is a complete flow type: a named set of method
// declarations. Definitions are immutable once registered.
type FlowDefinition struct {
	Name         string
	Methods      []MethodDeclaration
	InitialState func() any
}

// Validate checks structural invariants: non-empty name, unique method
// names, at least one start method, triggers present where required, and
// every Named reference resolving to a declared method.
func (f *FlowDefinition) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("flow name is required")
	}
	if len(f.Methods) == 0 {
		return fmt.Errorf("flow %s: at least one method is required", f.Name)
	}

	names := make(map[string]bool, len(f.Methods))
	for _, m := range f.Methods {
		if m.Name == "" {
			return fmt.Errorf("flow %s: method name is required", f.Name)
		}
		if names[m.Name] {
			return fmt.Errorf("flow %s: duplicate method %q", f.Name, m.Name)
		}
		names[m.Name] = true
	}

	// Branch targets may omit a trigger: the branch edge is their
	// activation condition.
	branchTargets := make(map[string]bool)
	for i := range f.Methods {
		for _, b := range f.Methods[i].Branches {
			branchTargets[b.Target] = true
		}
	}

	starts := 0
	for i := range f.Methods {
		m := &f.Methods[i]
		owner := f.Name + "." + m.Name
		if m.Fn == nil {
			return fmt.Errorf("%s: nil method function", owner)
		}
		switch m.Role {
		case RoleStart:
			starts++
		case RoleListener, RoleRouter:
			if m.Trigger == nil && !branchTargets[m.Name] {
				return fmt.Errorf("%s: %s requires a trigger condition", owner, m.Role)
			}
		default:
			return fmt.Errorf("%s: unknown role %q", owner, m.Role)
		}
		if err := m.Trigger.Validate(owner, names); err != nil {
			return err
		}
		if len(m.Branches) > 0 && m.Role != RoleRouter {
			return fmt.Errorf("%s: branches are only valid on routers", owner)
		}
		for bi := range m.Branches {
			b := &m.Branches[bi]
			if b.Target == "" {
				return fmt.Errorf("%s: branch with empty target", owner)
			}
			if !names[b.Target] {
				return fmt.Errorf("%s: branch targets undeclared method %q", owner, b.Target)
			}
			if b.ID == "" {
				b.ID = b.Target
			}
			if err := b.When.Validate(owner+"/"+b.ID, names); err != nil {
				return err
			}
		}
	}
	if starts == 0 {
		return fmt.Errorf("flow %s: at least one start method is required", f.Name)
	}
	return nil
}

// Method returns the declaration for name, or nil.
func (f *FlowDefinition) Method(name string) *MethodDeclaration {
	for i := range f.Methods {
		if f.Methods[i].Name == name {
			return &f.Methods[i]
		}
	}
	return nil
}

// FlowRun holds the outcome of one flow execution.
type FlowRun struct {
	// ID identifies the run (and the flow instance's state).
	ID string

	// Flow is the definition name.
	Flow string

	// Results maps every completed method to its last result.
	Results map[string]any

	// Path is the completion order of methods during the run. With
	// concurrently eligible methods the order between siblings is not
	// deterministic, but each method appears at most once.
	Path []string

	// State is the final state payload.
	State any

	// Err is the terminal error, if the run was aborted.
	Err error
}

// Output returns the result of the last method to complete, by
// convention the flow's final output. Nil for an empty run.
func (r *FlowRun) Output() any {
	if len(r.Path) == 0 {
		return nil
	}
	return r.Results[r.Path[len(r.Path)-1]]
}
