package rules

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/solatis/surveykeeper/internal/types"
)

func TestIsSatisfied(t *testing.T) {
	values := types.ValueMap{1: "yes", 2: "yes", 3: "no", 4: nil}

	tests := []struct {
		name string
		deps []types.ConditionDependency
		want bool
	}{
		{
			name: "no dependencies",
			deps: nil,
			want: true,
		},
		{
			name: "equal holds",
			deps: []types.ConditionDependency{{SourceField: 1, TargetField: 2, Kind: "equal"}},
			want: true,
		},
		{
			name: "equal fails",
			deps: []types.ConditionDependency{{SourceField: 1, TargetField: 3, Kind: "equal"}},
			want: false,
		},
		{
			name: "not_equal holds",
			deps: []types.ConditionDependency{{SourceField: 1, TargetField: 3, Kind: "not_equal"}},
			want: true,
		},
		{
			name: "all must hold",
			deps: []types.ConditionDependency{
				{SourceField: 1, TargetField: 2, Kind: "equal"},
				{SourceField: 1, TargetField: 3, Kind: "equal"},
			},
			want: false,
		},
		{
			name: "missing target",
			deps: []types.ConditionDependency{{SourceField: 1, TargetField: 99, Kind: "equal"}},
			want: false,
		},
		{
			name: "missing source",
			deps: []types.ConditionDependency{{SourceField: 99, TargetField: 1, Kind: "not_equal"}},
			want: false,
		},
		{
			name: "explicit null is present",
			deps: []types.ConditionDependency{{SourceField: 4, TargetField: 1, Kind: "not_equal"}},
			want: true,
		},
		{
			name: "unknown kind fails",
			deps: []types.ConditionDependency{{SourceField: 1, TargetField: 2, Kind: "similar"}},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond := &types.Condition{ID: 1, Dependencies: tt.deps}
			if got := IsSatisfied(cond, values); got != tt.want {
				t.Errorf("IsSatisfied() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFirstFailingDependency(t *testing.T) {
	values := types.ValueMap{1: "a", 2: "a", 3: "b"}
	cond := &types.Condition{Dependencies: []types.ConditionDependency{
		{SourceField: 1, TargetField: 2, Kind: "equal"},
		{SourceField: 1, TargetField: 3, Kind: "equal"},
		{SourceField: 2, TargetField: 3, Kind: "equal"},
	}}

	idx, ok := FirstFailingDependency(cond, values)
	if ok {
		t.Fatalf("FirstFailingDependency() ok = true, want false")
	}
	if idx != 1 {
		t.Errorf("FirstFailingDependency() = %d, want 1", idx)
	}
}

func TestEvaluateTrigger(t *testing.T) {
	values := types.ValueMap{1: "yes", 2: 30.0, 3: nil}

	tests := []struct {
		name    string
		cond    types.Condition
		want    bool
		wantErr error
	}{
		{name: "equals fires", cond: types.Condition{SourceField: 1, Operator: "equals", Value: "yes"}, want: true},
		{name: "equals does not fire", cond: types.Condition{SourceField: 1, Operator: "equals", Value: "no"}, want: false},
		{name: "numeric fires", cond: types.Condition{SourceField: 2, Operator: "greater_than", Value: 18}, want: true},
		{name: "no operator", cond: types.Condition{SourceField: 1}, want: false},
		{name: "missing source", cond: types.Condition{SourceField: 9, Operator: "equals", Value: "yes"}, want: false},
		{name: "null source", cond: types.Condition{SourceField: 3, Operator: "does_not_equal", Value: "x"}, want: false},
		{name: "unknown operator", cond: types.Condition{SourceField: 1, Operator: "like", Value: "y"}, wantErr: types.ErrUnknownOperator},
		{name: "type mismatch", cond: types.Condition{SourceField: 1, Operator: "less_than", Value: 3}, wantErr: types.ErrTypeUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EvaluateTrigger(&tt.cond, values)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("EvaluateTrigger() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("EvaluateTrigger() = %v, want %v", got, tt.want)
			}
		})
	}
}

// Property-based test: dependency order never changes satisfaction
func TestIsSatisfied_PropertyOrderIndependent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("reversing the chain gives the same result", prop.ForAll(
		func(vals []int, kinds []bool) bool {
			values := make(types.ValueMap, len(vals))
			for i, v := range vals {
				values[types.FieldID(i+1)] = float64(v)
			}
			var deps []types.ConditionDependency
			for i := 0; i+1 < len(vals) && i < len(kinds); i++ {
				kind := "equal"
				if kinds[i] {
					kind = "not_equal"
				}
				deps = append(deps, types.ConditionDependency{
					SourceField: types.FieldID(i + 1),
					TargetField: types.FieldID(i + 2),
					Kind:        kind,
				})
			}
			reversed := make([]types.ConditionDependency, len(deps))
			for i := range deps {
				reversed[len(deps)-1-i] = deps[i]
			}
			a := IsSatisfied(&types.Condition{Dependencies: deps}, values)
			b := IsSatisfied(&types.Condition{Dependencies: reversed}, values)
			return a == b
		},
		gen.SliceOf(gen.IntRange(0, 3)),
		gen.SliceOf(gen.Bool()),
	))

	properties.Property("missing endpoints never satisfy", prop.ForAll(
		func(present int64, missing int64, notEqual bool) bool {
			if present == missing {
				return true
			}
			kind := "equal"
			if notEqual {
				kind = "not_equal"
			}
			values := types.ValueMap{types.FieldID(present): "x"}
			forward := &types.Condition{Dependencies: []types.ConditionDependency{
				{SourceField: types.FieldID(present), TargetField: types.FieldID(missing), Kind: kind},
			}}
			backward := &types.Condition{Dependencies: []types.ConditionDependency{
				{SourceField: types.FieldID(missing), TargetField: types.FieldID(present), Kind: kind},
			}}
			return !IsSatisfied(forward, values) && !IsSatisfied(backward, values)
		},
		gen.Int64Range(1, 1000),
		gen.Int64Range(1, 1000),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
