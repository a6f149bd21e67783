package api

import (
	"errors"
	"testing"
)

func TestConditionValidate_NamedReferencesMustResolve(t *testing.T) {
	methods := map[string]bool{"fetch": true, "store": true}

	if err := Named("fetch").Validate("f.x", methods); err != nil {
		t.Fatalf("valid reference rejected: %v", err)
	}

	err := Named("ghost").Validate("f.x", methods)
	var verr *ConditionValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ConditionValidationError, got %v", err)
	}
	if verr.Owner != "f.x" {
		t.Fatalf("unexpected owner %q", verr.Owner)
	}

	// The wildcard is always acceptable.
	if err := Named(WildcardMethod).Validate("f.x", methods); err != nil {
		t.Fatalf("wildcard reference rejected: %v", err)
	}

	// nil method set skips reference checking.
	if err := Named("ghost").Validate("edge", nil); err != nil {
		t.Fatalf("reference check must be skipped without a method set: %v", err)
	}
}

func TestConditionValidate_EmptyGroupRejected(t *testing.T) {
	if err := All().Validate("f.x", nil); err == nil {
		t.Fatalf("empty All must be invalid")
	}
	if err := Any().Validate("f.x", nil); err == nil {
		t.Fatalf("empty Any must be invalid")
	}
}

func TestConditionValidate_NestedChildFailureSurfaces(t *testing.T) {
	cond := All(Named("a"), Any(Named("b"), Compare("", OpEq, 1)))
	if err := cond.Validate("f.x", map[string]bool{"a": true, "b": true}); err == nil {
		t.Fatalf("compare without a path must be invalid")
	}
}

func TestConditionValidate_RegexCompiledUpfront(t *testing.T) {
	if err := Compare("result.msg", OpRegex, `^err`).Validate("f.x", nil); err != nil {
		t.Fatalf("valid regex rejected: %v", err)
	}
	if err := Compare("result.msg", OpRegex, `(`).Validate("f.x", nil); err == nil {
		t.Fatalf("malformed regex must be invalid")
	}
	if err := Compare("result.msg", OpRegex, 42).Validate("f.x", nil); err == nil {
		t.Fatalf("non-string regex operand must be invalid")
	}
}

func TestConditionValidate_ExprCompiledUpfront(t *testing.T) {
	c := Expr(`result.n > 3`)
	if c.Program() != nil {
		t.Fatalf("program must not exist before validation")
	}
	if err := c.Validate("f.x", nil); err != nil {
		t.Fatalf("valid expression rejected: %v", err)
	}
	if c.Program() == nil {
		t.Fatalf("validation must compile the expression")
	}

	if err := Expr(`result.n >`).Validate("f.x", nil); err == nil {
		t.Fatalf("malformed expression must be invalid")
	}
}

func TestConditionMethodRefs_CollectsNamedLeaves(t *testing.T) {
	cond := All(
		Named("a"),
		Any(Named("b"), Compare("result.x", OpEq, 1)),
		Named(WildcardMethod),
	)
	refs := cond.MethodRefs()
	if len(refs) != 2 || refs[0] != "a" || refs[1] != "b" {
		t.Fatalf("unexpected refs %v", refs)
	}
}

func TestConditionComplexity_GrowsWithStructure(t *testing.T) {
	leaf := Compare("result.x", OpEq, 1)
	group := All(leaf, Named("a"))
	pred := Predicate("", func(val, state any) bool { return true })

	if leaf.Complexity() >= group.Complexity() {
		t.Fatalf("a group must cost more than a leaf")
	}
	if pred.Complexity() <= leaf.Complexity() {
		t.Fatalf("a predicate must cost more than a comparison")
	}
	var nilCond *Condition
	if nilCond.Complexity() != 0 {
		t.Fatalf("nil condition has zero cost")
	}
}
