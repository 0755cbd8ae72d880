// internal/rules/operators.go
package rules

import (
	"fmt"
	"strings"

	"github.com/solatis/surveykeeper/internal/types"
)

/*
 * Operator comparison logic.
 *
 * Implements the 10 condition operators plus the 2 dependency kinds.
 *
 * Operators:
 *   - equals/does_not_equal: type-sensitive equality, numbers compare across
 *     Go numeric types ("1" never equals 1)
 *   - contains/not_contains: substring on strings, membership on arrays
 *   - greater_than/less_than/..._or_equals: numeric only
 *   - is_true/is_false: boolean only
 *
 * Operand mismatches return ErrTypeUnsupported and unknown tags return
 * ErrUnknownOperator; neither is ever reported as a plain false.
 */

// Operator is a condition operator tag as stored on a condition.
type Operator string

const (
	OpEquals              Operator = "equals"
	OpDoesNotEqual        Operator = "does_not_equal"
	OpContains            Operator = "contains"
	OpNotContains         Operator = "not_contains"
	OpGreaterThan         Operator = "greater_than"
	OpLessThan            Operator = "less_than"
	OpGreaterThanOrEquals Operator = "greater_than_or_equals"
	OpLessThanOrEquals    Operator = "less_than_or_equals"
	OpIsTrue              Operator = "is_true"
	OpIsFalse             Operator = "is_false"
)

// DependencyKind is the relation a dependency asserts between two field values.
type DependencyKind string

const (
	DependencyEqual    DependencyKind = "equal"
	DependencyNotEqual DependencyKind = "not_equal"
)

// ParseOperator validates an operator tag.
func ParseOperator(tag string) (Operator, error) {
	op := Operator(tag)
	switch op {
	case OpEquals, OpDoesNotEqual, OpContains, OpNotContains,
		OpGreaterThan, OpLessThan, OpGreaterThanOrEquals, OpLessThanOrEquals,
		OpIsTrue, OpIsFalse:
		return op, nil
	default:
		return "", fmt.Errorf("%w: %q", types.ErrUnknownOperator, tag)
	}
}

// ParseDependencyKind validates a dependency kind tag.
func ParseDependencyKind(tag string) (DependencyKind, error) {
	kind := DependencyKind(tag)
	switch kind {
	case DependencyEqual, DependencyNotEqual:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: dependency kind %q", types.ErrUnknownOperator, tag)
	}
}

// EvaluateOperator applies op to the submitted value actual and the reference
// value expected.
func EvaluateOperator(op Operator, actual, expected any) (bool, error) {
	switch op {
	case OpEquals:
		return valuesEqual(actual, expected), nil
	case OpDoesNotEqual:
		return !valuesEqual(actual, expected), nil
	case OpContains:
		return compareContains(op, actual, expected)
	case OpNotContains:
		found, err := compareContains(op, actual, expected)
		return !found && err == nil, err
	case OpGreaterThan:
		c, err := compareNumeric(op, actual, expected)
		return c > 0 && err == nil, err
	case OpLessThan:
		c, err := compareNumeric(op, actual, expected)
		return c < 0 && err == nil, err
	case OpGreaterThanOrEquals:
		c, err := compareNumeric(op, actual, expected)
		return c >= 0 && err == nil, err
	case OpLessThanOrEquals:
		c, err := compareNumeric(op, actual, expected)
		return c <= 0 && err == nil, err
	case OpIsTrue:
		return compareBool(op, actual, true)
	case OpIsFalse:
		return compareBool(op, actual, false)
	default:
		return false, fmt.Errorf("%w: %q", types.ErrUnknownOperator, string(op))
	}
}

// EvaluateDependencyKind compares the source and target values of a dependency.
func EvaluateDependencyKind(kind DependencyKind, source, target any) (bool, error) {
	switch kind {
	case DependencyEqual:
		return valuesEqual(source, target), nil
	case DependencyNotEqual:
		return !valuesEqual(source, target), nil
	default:
		return false, fmt.Errorf("%w: dependency kind %q", types.ErrUnknownOperator, string(kind))
	}
}

// compareContains tests expected against actual: substring when actual is a
// string, membership when actual is an array.
func compareContains(op Operator, actual, expected any) (bool, error) {
	switch v := actual.(type) {
	case string:
		s, ok := expected.(string)
		if !ok {
			return false, typeError(op, actual, expected)
		}
		return strings.Contains(v, s), nil
	case []any:
		for _, elem := range v {
			if valuesEqual(elem, expected) {
				return true, nil
			}
		}
		return false, nil
	case []string:
		s, ok := expected.(string)
		if !ok {
			return false, typeError(op, actual, expected)
		}
		for _, elem := range v {
			if elem == s {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, typeError(op, actual, expected)
	}
}

// compareNumeric performs three-way numeric comparison (-1/0/1).
func compareNumeric(op Operator, a, b any) (int, error) {
	na, oka := toNumber(a)
	nb, okb := toNumber(b)
	if !oka || !okb {
		return 0, typeError(op, a, b)
	}
	switch {
	case na < nb:
		return -1, nil
	case na > nb:
		return 1, nil
	default:
		return 0, nil
	}
}

// compareBool requires a boolean submitted value.
func compareBool(op Operator, actual any, want bool) (bool, error) {
	b, ok := actual.(bool)
	if !ok {
		return false, typeError(op, actual, nil)
	}
	return b == want, nil
}

func typeError(op Operator, actual, expected any) error {
	if expected == nil {
		return fmt.Errorf("%w: %s on %T", types.ErrTypeUnsupported, op, actual)
	}
	return fmt.Errorf("%w: %s on %T and %T", types.ErrTypeUnsupported, op, actual, expected)
}
