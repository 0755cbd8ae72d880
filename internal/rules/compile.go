// internal/rules/compile.go
package rules

import (
	"fmt"
	"sort"

	"github.com/solatis/surveykeeper/internal/types"
)

/*
 * Survey compilation.
 *
 * Compiles a persisted types.Survey into an immutable Snapshot keyed by field
 * id, so a response is validated against one upfront read of the rule
 * definitions instead of per-field lookups.
 *
 * Compilation workflow:
 *   1. Index fields by id (duplicates rejected) and remember their section
 *   2. Parse trigger operators and dependency kinds on every condition link
 *   3. Compile direct dependencies into kind-based or operator-based rules
 *   4. Reject self-dependencies and references to fields outside the survey
 *
 * Errors surface at import time rather than at submission time. A Snapshot
 * is never mutated after Compile returns and is safe for concurrent use.
 */

// CompiledDependency is a direct field rule ready for evaluation.
//
// Kind-based rules compare the source and target field values. Operator-based
// rules compare the target value against Value, or the source value against
// the target value when Value is absent.
type CompiledDependency struct {
	ID       types.DependencyID
	Source   types.FieldID
	Target   types.FieldID
	Kind     DependencyKind // set for kind-based rules
	Operator Operator       // set for operator-based rules
	Value    any
}

// CompiledLink is a condition attached to a field or section.
type CompiledLink struct {
	ID        int64
	Condition types.Condition
	Action    string
}

// CompiledField holds the rules and flags of one survey field.
type CompiledField struct {
	ID           types.FieldID
	SectionID    types.SectionID
	Required     bool
	Sensitive    bool
	Links        []CompiledLink
	Dependencies []CompiledDependency
}

// Snapshot is an immutable, compiled view of a survey's rule definitions.
type Snapshot struct {
	SurveyID     types.SurveyID
	fields       map[types.FieldID]*CompiledField
	order        []types.FieldID // survey order: sections by order, fields by order
	sectionLinks map[types.SectionID][]CompiledLink
}

// Field returns the compiled field for id.
func (s *Snapshot) Field(id types.FieldID) (*CompiledField, bool) {
	f, ok := s.fields[id]
	return f, ok
}

// Fields returns field ids in survey order.
func (s *Snapshot) Fields() []types.FieldID {
	out := make([]types.FieldID, len(s.order))
	copy(out, s.order)
	return out
}

// IsSensitive reports whether id is a sensitive field.
func (s *Snapshot) IsSensitive(id types.FieldID) bool {
	f, ok := s.fields[id]
	return ok && f.Sensitive
}

// Compile validates and pre-processes a survey for validation.
func Compile(survey *types.Survey) (*Snapshot, error) {
	snap := &Snapshot{
		SurveyID:     survey.ID,
		fields:       make(map[types.FieldID]*CompiledField),
		sectionLinks: make(map[types.SectionID][]CompiledLink),
	}

	for _, section := range sortedSections(survey.Sections) {
		for _, field := range sortedFields(section.Fields) {
			if _, dup := snap.fields[field.ID]; dup {
				return nil, fmt.Errorf("%w: field %d defined more than once", types.ErrMalformedPayload, field.ID)
			}
			snap.fields[field.ID] = &CompiledField{
				ID:        field.ID,
				SectionID: section.ID,
				Required:  field.Required,
				Sensitive: field.Sensitive,
			}
			snap.order = append(snap.order, field.ID)
		}
	}

	for _, section := range survey.Sections {
		for _, link := range section.ConditionalLogic {
			cl, err := compileLink(link, snap.fields)
			if err != nil {
				return nil, fmt.Errorf("section %d: %w", section.ID, err)
			}
			snap.sectionLinks[section.ID] = append(snap.sectionLinks[section.ID], cl)
		}

		for _, field := range section.Fields {
			cf := snap.fields[field.ID]
			for _, link := range field.ConditionalLogic {
				cl, err := compileLink(link, snap.fields)
				if err != nil {
					return nil, fmt.Errorf("field %d: %w", field.ID, err)
				}
				cf.Links = append(cf.Links, cl)
			}
			for _, dep := range field.Dependencies {
				if dep.SourceField == 0 {
					dep.SourceField = field.ID
				}
				cd, err := CompileDependency(dep)
				if err != nil {
					return nil, fmt.Errorf("field %d: %w", field.ID, err)
				}
				if _, ok := snap.fields[cd.Target]; !ok {
					return nil, fmt.Errorf("%w: field %d dependency %d targets unknown field %d",
						types.ErrMalformedPayload, field.ID, dep.ID, cd.Target)
				}
				cf.Dependencies = append(cf.Dependencies, cd)
			}
		}
	}

	return snap, nil
}

// compileLink validates a condition link against the survey's fields.
func compileLink(link types.ConditionLink, fields map[types.FieldID]*CompiledField) (CompiledLink, error) {
	switch link.Action {
	case "", types.ActionShow, types.ActionHide:
	default:
		return CompiledLink{}, fmt.Errorf("%w: condition link %d has unknown action %q",
			types.ErrMalformedPayload, link.ID, link.Action)
	}

	if err := validateCondition(&link.Condition); err != nil {
		return CompiledLink{}, err
	}
	cond := link.Condition
	if cond.Operator != "" {
		if _, ok := fields[cond.SourceField]; !ok {
			return CompiledLink{}, fmt.Errorf("%w: condition %d source field %d is not in the survey",
				types.ErrMalformedPayload, cond.ID, cond.SourceField)
		}
	}
	if (link.Action == types.ActionShow || link.Action == types.ActionHide) && cond.Operator == "" {
		return CompiledLink{}, fmt.Errorf("%w: condition %d drives %s but has no operator",
			types.ErrMalformedPayload, cond.ID, link.Action)
	}
	for _, dep := range cond.Dependencies {
		for _, id := range []types.FieldID{dep.SourceField, dep.TargetField} {
			if _, ok := fields[id]; !ok {
				return CompiledLink{}, fmt.Errorf("%w: condition %d references unknown field %d",
					types.ErrMalformedPayload, cond.ID, id)
			}
		}
	}

	return CompiledLink{ID: link.ID, Condition: cond, Action: link.Action}, nil
}

// validateCondition checks operator tag, dependency kinds and self-dependencies.
func validateCondition(cond *types.Condition) error {
	if cond.Operator != "" {
		if _, err := ParseOperator(cond.Operator); err != nil {
			return fmt.Errorf("condition %d: %w", cond.ID, err)
		}
	}
	if len(cond.Dependencies) > types.MaxDependenciesPerCondition {
		return fmt.Errorf("%w: condition %d has %d dependencies, maximum is %d",
			types.ErrMalformedPayload, cond.ID, len(cond.Dependencies), types.MaxDependenciesPerCondition)
	}
	for _, dep := range cond.Dependencies {
		if _, err := ParseDependencyKind(dep.Kind); err != nil {
			return fmt.Errorf("condition %d: %w", cond.ID, err)
		}
		if dep.SourceField == dep.TargetField {
			return fmt.Errorf("condition %d: %w (field %d)", cond.ID, types.ErrSelfDependency, dep.SourceField)
		}
	}
	return nil
}

// CompileDependency classifies a direct dependency as kind-based or
// operator-based and rejects self-dependencies.
func CompileDependency(dep types.Dependency) (CompiledDependency, error) {
	if dep.SourceField == dep.TargetField {
		return CompiledDependency{}, fmt.Errorf("dependency %d: %w (field %d)", dep.ID, types.ErrSelfDependency, dep.SourceField)
	}

	cd := CompiledDependency{
		ID:     dep.ID,
		Source: dep.SourceField,
		Target: dep.TargetField,
		Value:  dep.Value,
	}
	if kind, err := ParseDependencyKind(dep.Kind); err == nil {
		cd.Kind = kind
		return cd, nil
	}
	op, err := ParseOperator(dep.Kind)
	if err != nil {
		return CompiledDependency{}, fmt.Errorf("dependency %d: %w", dep.ID, err)
	}
	cd.Operator = op
	return cd, nil
}

// sortedSections returns sections ordered by Order, stable for equal orders.
func sortedSections(sections []types.Section) []types.Section {
	out := make([]types.Section, len(sections))
	copy(out, sections)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// sortedFields returns fields ordered by Order, stable for equal orders.
func sortedFields(fields []types.Field) []types.Field {
	out := make([]types.Field, len(fields))
	copy(out, fields)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}
