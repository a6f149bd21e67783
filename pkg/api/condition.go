package api

import (
	"fmt"
	"regexp"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// WildcardMethod is the reserved method name an error-boundary listener
// triggers on. A listener declared with Named(WildcardMethod) is invoked
// whenever any other method in the flow fails.
const WildcardMethod = "*"

// ConditionKind discriminates the Condition union.
type ConditionKind string

const (
	KindNamed     ConditionKind = "named"
	KindAll       ConditionKind = "all"
	KindAny       ConditionKind = "any"
	KindCompare   ConditionKind = "compare"
	KindPredicate ConditionKind = "predicate"
	KindExpr      ConditionKind = "expr"
)

// CompareOp is the operator of a Compare condition.
type CompareOp string

const (
	OpEq          CompareOp = "eq"
	OpNe          CompareOp = "ne"
	OpGt          CompareOp = "gt"
	OpLt          CompareOp = "lt"
	OpContains    CompareOp = "contains"
	OpNotContains CompareOp = "not_contains"
	OpRegex       CompareOp = "regex"
)

// PredicateFunc is a user-supplied value test. It receives the value
// resolved at the condition's path (nil when the condition has no path or
// the path is absent) and the current flow state payload.
type PredicateFunc func(value any, state any) bool

// Condition is a trigger predicate. It is pure data: evaluation lives in
// the router, name resolution is checked at flow registration.
//
// Exactly one variant is populated, identified by Kind.
type Condition struct {
	Kind ConditionKind

	// KindNamed: a method name that must appear in the completed set.
	Method string

	// KindAll / KindAny.
	Children []*Condition

	// KindCompare and KindPredicate: dotted path into the evaluation
	// context ("state.user.plan", "result.count").
	Path string

	// KindCompare.
	Op    CompareOp
	Value any

	// KindPredicate.
	Fn PredicateFunc

	// KindExpr: an expr-lang source string. Compiled during Validate; the
	// compiled program is reused across evaluations.
	Code    string
	program *vm.Program
}

// Named builds a condition satisfied once the named method has completed
// in the current run.
func Named(method string) *Condition {
	return &Condition{Kind: KindNamed, Method: method}
}

// All builds a condition satisfied when every child is satisfied.
func All(children ...*Condition) *Condition {
	return &Condition{Kind: KindAll, Children: children}
}

// Any builds a condition satisfied when at least one child is satisfied.
func Any(children ...*Condition) *Condition {
	return &Condition{Kind: KindAny, Children: children}
}

// Compare builds a condition that resolves path against the evaluation
// context and tests it with op against value. A missing path segment never
// matches eq/gt/lt (and always matches ne).
func Compare(path string, op CompareOp, value any) *Condition {
	return &Condition{Kind: KindCompare, Path: path, Op: op, Value: value}
}

// Predicate builds a condition delegating to fn. path may be empty, in
// which case fn receives nil as the resolved value.
func Predicate(path string, fn PredicateFunc) *Condition {
	return &Condition{Kind: KindPredicate, Path: path, Fn: fn}
}

// Expr builds a condition from an expr-lang source string. The expression
// environment exposes "state", "result" and every completed method's result
// under its method name. Undefined variables evaluate to nil.
func Expr(code string) *Condition {
	return &Condition{Kind: KindExpr, Code: code}
}

// Program returns the compiled expr program, or nil before Validate.
func (c *Condition) Program() *vm.Program { return c.program }

// MethodRefs returns every method name referenced by Named conditions in
// the tree, excluding the wildcard.
func (c *Condition) MethodRefs() []string {
	if c == nil {
		return nil
	}
	var refs []string
	c.walk(func(n *Condition) {
		if n.Kind == KindNamed && n.Method != WildcardMethod {
			refs = append(refs, n.Method)
		}
	})
	return refs
}

// Paths returns every dotted path referenced by Compare, Predicate and Expr
// nodes in the tree. Used by the router for relevance scoring.
func (c *Condition) Paths() []string {
	if c == nil {
		return nil
	}
	var paths []string
	c.walk(func(n *Condition) {
		if n.Path != "" {
			paths = append(paths, n.Path)
		}
	})
	return paths
}

// Complexity is a rough structural cost: leaf comparisons are cheaper than
// boolean groups, which are cheaper than custom predicates and expressions.
// Used by the router to order candidate evaluation.
func (c *Condition) Complexity() int {
	if c == nil {
		return 0
	}
	switch c.Kind {
	case KindNamed, KindCompare:
		return 1
	case KindAll, KindAny:
		cost := 2
		for _, ch := range c.Children {
			cost += ch.Complexity()
		}
		return cost
	case KindPredicate, KindExpr:
		return 5
	default:
		return 1
	}
}

func (c *Condition) walk(visit func(*Condition)) {
	visit(c)
	for _, ch := range c.Children {
		ch.walk(visit)
	}
}

// Validate checks the condition tree is well formed. methods is the set of
// declared method names of the owning flow; when nil, Named references are
// not checked (orchestrator edges have no owning flow). Expr variants are
// compiled here so evaluation never compiles.
func (c *Condition) Validate(owner string, methods map[string]bool) error {
	if c == nil {
		return nil
	}
	switch c.Kind {
	case KindNamed:
		if c.Method == "" {
			return &ConditionValidationError{Owner: owner, Reason: "named condition with empty method"}
		}
		if methods != nil && c.Method != WildcardMethod && !methods[c.Method] {
			return &ConditionValidationError{Owner: owner, Reason: fmt.Sprintf("named condition references undeclared method %q", c.Method)}
		}
	case KindAll, KindAny:
		if len(c.Children) == 0 {
			return &ConditionValidationError{Owner: owner, Reason: string(c.Kind) + " condition requires at least one child"}
		}
		for _, ch := range c.Children {
			if err := ch.Validate(owner, methods); err != nil {
				return err
			}
		}
	case KindCompare:
		switch c.Op {
		case OpEq, OpNe, OpGt, OpLt, OpContains, OpNotContains:
		case OpRegex:
			pat, ok := c.Value.(string)
			if !ok {
				return &ConditionValidationError{Owner: owner, Reason: "regex condition value must be a string"}
			}
			if _, err := regexp.Compile(pat); err != nil {
				return &ConditionValidationError{Owner: owner, Reason: "invalid regex: " + err.Error()}
			}
		default:
			return &ConditionValidationError{Owner: owner, Reason: fmt.Sprintf("unknown compare operator %q", c.Op)}
		}
		if c.Path == "" {
			return &ConditionValidationError{Owner: owner, Reason: "compare condition requires a path"}
		}
	case KindPredicate:
		if c.Fn == nil {
			return &ConditionValidationError{Owner: owner, Reason: "predicate condition with nil function"}
		}
	case KindExpr:
		if c.Code == "" {
			return &ConditionValidationError{Owner: owner, Reason: "expr condition with empty source"}
		}
		prog, err := expr.Compile(c.Code, expr.AllowUndefinedVariables())
		if err != nil {
			return &ConditionValidationError{Owner: owner, Reason: "expr compile: " + err.Error()}
		}
		c.program = prog
	default:
		return &ConditionValidationError{Owner: owner, Reason: fmt.Sprintf("unknown condition kind %q", c.Kind)}
	}
	return nil
}
