// internal/rules/condition.go
package rules

import (
	"github.com/solatis/surveykeeper/internal/types"
)

/*
 * Condition evaluation.
 *
 * A condition is satisfied when every dependency in its chain holds (AND).
 * Dependencies run in declaration order and stop at the first failure; the
 * order never changes the result. A condition with no dependencies is
 * satisfied.
 *
 * A dependency fails when either endpoint is missing from the value map or
 * when its kind is not equal/not_equal. IsSatisfied never returns an error;
 * callers that need the failing dependency use FirstFailingDependency.
 *
 * The trigger (SourceField, Operator, Value) is separate from satisfaction
 * and only drives show/hide visibility.
 */

// IsSatisfied reports whether every dependency of cond holds against values.
func IsSatisfied(cond *types.Condition, values types.ValueMap) bool {
	_, ok := FirstFailingDependency(cond, values)
	return ok
}

// FirstFailingDependency returns the index of the first dependency that does
// not hold, or -1 and true when the condition is satisfied.
func FirstFailingDependency(cond *types.Condition, values types.ValueMap) (int, bool) {
	for i := range cond.Dependencies {
		if !dependencyHolds(&cond.Dependencies[i], values) {
			return i, false
		}
	}
	return -1, true
}

// dependencyHolds evaluates one link of a condition's dependency chain.
// Missing endpoints and unknown kinds fail the dependency.
func dependencyHolds(dep *types.ConditionDependency, values types.ValueMap) bool {
	source, ok := values.Lookup(dep.SourceField)
	if !ok {
		return false
	}
	target, ok := values.Lookup(dep.TargetField)
	if !ok {
		return false
	}
	held, err := EvaluateDependencyKind(DependencyKind(dep.Kind), source, target)
	return err == nil && held
}

// EvaluateTrigger compares the condition's source field value against its
// operator and value. A missing source value does not trigger. Conditions
// without an operator never trigger.
func EvaluateTrigger(cond *types.Condition, values types.ValueMap) (bool, error) {
	if cond.Operator == "" {
		return false, nil
	}
	op, err := ParseOperator(cond.Operator)
	if err != nil {
		return false, err
	}
	actual, ok := values.Lookup(cond.SourceField)
	if !ok || actual == nil {
		return false, nil
	}
	return EvaluateOperator(op, actual, cond.Value)
}
