// internal/rules/compile_test.go
package rules

import (
	"errors"
	"testing"

	"github.com/solatis/surveykeeper/internal/types"
)

func TestCompile_Fixture(t *testing.T) {
	snap, err := Compile(surveyFixture())
	if err != nil {
		t.Fatalf("Compile() error = %v, want nil", err)
	}

	if snap.SurveyID != 42 {
		t.Errorf("SurveyID = %v, want 42", snap.SurveyID)
	}

	want := []types.FieldID{1, 2, 3, 4, 5}
	got := snap.Fields()
	if len(got) != len(want) {
		t.Fatalf("len(Fields()) = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Fields()[%d] = %d, want %d", i, got[i], want[i])
		}
	}

	f4, ok := snap.Field(4)
	if !ok {
		t.Fatal("Field(4) ok = false, want true")
	}
	if f4.SectionID != 2 || !f4.Required || len(f4.Links) != 1 {
		t.Errorf("Field(4) = %+v, want section 2, required, one link", f4)
	}
	if !snap.IsSensitive(5) {
		t.Error("IsSensitive(5) = false, want true")
	}
	if snap.IsSensitive(1) {
		t.Error("IsSensitive(1) = true, want false")
	}

	f2, _ := snap.Field(2)
	if len(f2.Dependencies) != 1 {
		t.Fatalf("len(Field(2).Dependencies) = %d, want 1", len(f2.Dependencies))
	}
	if dep := f2.Dependencies[0]; dep.Operator != OpGreaterThanOrEquals || dep.Kind != "" {
		t.Errorf("dependency = %+v, want operator-based greater_than_or_equals", dep)
	}
}

func TestCompile_DependencySourceDefaultsToOwner(t *testing.T) {
	survey := &types.Survey{ID: 1, Sections: []types.Section{{ID: 1, Fields: []types.Field{
		{ID: 1, Dependencies: []types.Dependency{{ID: 9, TargetField: 2, Kind: "equal"}}},
		{ID: 2},
	}}}}

	snap, err := Compile(survey)
	if err != nil {
		t.Fatalf("Compile() error = %v, want nil", err)
	}
	f1, _ := snap.Field(1)
	if dep := f1.Dependencies[0]; dep.Source != 1 || dep.Kind != DependencyEqual {
		t.Errorf("dependency = %+v, want source 1 kind equal", dep)
	}
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		survey  *types.Survey
		wantErr error
	}{
		{
			name: "duplicate field",
			survey: &types.Survey{Sections: []types.Section{
				{ID: 1, Fields: []types.Field{{ID: 1}}},
				{ID: 2, Fields: []types.Field{{ID: 1}}},
			}},
			wantErr: types.ErrMalformedPayload,
		},
		{
			name: "unknown trigger operator",
			survey: &types.Survey{Sections: []types.Section{{ID: 1, Fields: []types.Field{
				{ID: 1},
				{ID: 2, ConditionalLogic: []types.ConditionLink{{Action: "show", Condition: types.Condition{ID: 1, SourceField: 1, Operator: "looks_like"}}}},
			}}}},
			wantErr: types.ErrUnknownOperator,
		},
		{
			name: "unknown dependency kind in chain",
			survey: &types.Survey{Sections: []types.Section{{ID: 1, Fields: []types.Field{
				{ID: 1},
				{ID: 2, ConditionalLogic: []types.ConditionLink{{Condition: types.Condition{ID: 1, Dependencies: []types.ConditionDependency{
					{SourceField: 1, TargetField: 2, Kind: "equals"},
				}}}}},
			}}}},
			wantErr: types.ErrUnknownOperator,
		},
		{
			name: "self dependency in chain",
			survey: &types.Survey{Sections: []types.Section{{ID: 1, Fields: []types.Field{
				{ID: 1, ConditionalLogic: []types.ConditionLink{{Condition: types.Condition{ID: 1, Dependencies: []types.ConditionDependency{
					{SourceField: 1, TargetField: 1, Kind: "equal"},
				}}}}},
			}}}},
			wantErr: types.ErrSelfDependency,
		},
		{
			name: "self direct dependency",
			survey: &types.Survey{Sections: []types.Section{{ID: 1, Fields: []types.Field{
				{ID: 1, Dependencies: []types.Dependency{{ID: 1, TargetField: 1, Kind: "equal"}}},
			}}}},
			wantErr: types.ErrSelfDependency,
		},
		{
			name: "dependency targets unknown field",
			survey: &types.Survey{Sections: []types.Section{{ID: 1, Fields: []types.Field{
				{ID: 1, Dependencies: []types.Dependency{{ID: 1, TargetField: 5, Kind: "equal"}}},
			}}}},
			wantErr: types.ErrMalformedPayload,
		},
		{
			name: "chain references unknown field",
			survey: &types.Survey{Sections: []types.Section{{ID: 1, Fields: []types.Field{
				{ID: 1, ConditionalLogic: []types.ConditionLink{{Condition: types.Condition{ID: 1, Dependencies: []types.ConditionDependency{
					{SourceField: 1, TargetField: 8, Kind: "equal"},
				}}}}},
			}}}},
			wantErr: types.ErrMalformedPayload,
		},
		{
			name: "unknown link action",
			survey: &types.Survey{Sections: []types.Section{{ID: 1, Fields: []types.Field{
				{ID: 1, ConditionalLogic: []types.ConditionLink{{Action: "toggle"}}},
			}}}},
			wantErr: types.ErrMalformedPayload,
		},
		{
			name: "visibility link without operator",
			survey: &types.Survey{Sections: []types.Section{{ID: 1, Fields: []types.Field{
				{ID: 1, ConditionalLogic: []types.ConditionLink{{Action: "hide", Condition: types.Condition{ID: 3}}}},
			}}}},
			wantErr: types.ErrMalformedPayload,
		},
		{
			name: "trigger source outside survey",
			survey: &types.Survey{Sections: []types.Section{{ID: 1,
				ConditionalLogic: []types.ConditionLink{{Action: "show", Condition: types.Condition{ID: 3, SourceField: 40, Operator: "is_true"}}},
				Fields:           []types.Field{{ID: 1}},
			}}},
			wantErr: types.ErrMalformedPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.survey)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Compile() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCompileDependency(t *testing.T) {
	tests := []struct {
		name     string
		dep      types.Dependency
		wantKind DependencyKind
		wantOp   Operator
		wantErr  error
	}{
		{name: "equal kind", dep: types.Dependency{SourceField: 1, TargetField: 2, Kind: "equal"}, wantKind: DependencyEqual},
		{name: "not_equal kind", dep: types.Dependency{SourceField: 1, TargetField: 2, Kind: "not_equal"}, wantKind: DependencyNotEqual},
		{name: "operator", dep: types.Dependency{SourceField: 1, TargetField: 2, Kind: "contains", Value: "x"}, wantOp: OpContains},
		{name: "unknown", dep: types.Dependency{SourceField: 1, TargetField: 2, Kind: "about"}, wantErr: types.ErrUnknownOperator},
		{name: "self", dep: types.Dependency{SourceField: 3, TargetField: 3, Kind: "equal"}, wantErr: types.ErrSelfDependency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CompileDependency(tt.dep)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("CompileDependency() error = %v, want %v", err, tt.wantErr)
			}
			if got.Kind != tt.wantKind || got.Operator != tt.wantOp {
				t.Errorf("CompileDependency() = %+v, want kind %q op %q", got, tt.wantKind, tt.wantOp)
			}
		})
	}
}
