// internal/types/survey.go
package types

/*
 * Persisted survey definitions.
 *
 * A Survey owns ordered Sections, a Section owns ordered Fields. Conditional
 * logic hangs off the element it affects (a Field or a Section) through a
 * ConditionLink; direct field-to-field Dependencies hang off their source
 * Field. Operators and dependency kinds are kept as their wire tags here;
 * the rules package parses and validates them at compile time.
 *
 * These types double as the YAML import format and the JSON snapshot cache
 * format, hence the struct tags.
 */

// Survey is the root of a survey definition.
type Survey struct {
	ID          SurveyID  `json:"id" yaml:"id"`
	Title       string    `json:"title" yaml:"title"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Sections    []Section `json:"sections" yaml:"sections"`
}

// Section is an ordered group of fields.
type Section struct {
	ID               SectionID       `json:"id" yaml:"id"`
	Title            string          `json:"title,omitempty" yaml:"title,omitempty"`
	Order            int             `json:"order" yaml:"order"`
	Fields           []Field         `json:"fields" yaml:"fields"`
	ConditionalLogic []ConditionLink `json:"conditional_logic,omitempty" yaml:"conditional_logic,omitempty"`
}

// FieldType names the input widget of a field.
type FieldType struct {
	Name   string `json:"name" yaml:"name"`
	Widget string `json:"widget" yaml:"widget"`
}

// Option is one selectable choice of a choice-type field.
type Option struct {
	ID    int64  `json:"id,omitempty" yaml:"id,omitempty"`
	Value string `json:"value" yaml:"value"`
	Order int    `json:"order" yaml:"order"`
}

// Field is a single input element within a section.
type Field struct {
	ID               FieldID         `json:"id" yaml:"id"`
	Label            string          `json:"label,omitempty" yaml:"label,omitempty"`
	Order            int             `json:"order" yaml:"order"`
	Required         bool            `json:"required" yaml:"required"`
	Sensitive        bool            `json:"is_sensitive" yaml:"is_sensitive"`
	Type             FieldType       `json:"field_type" yaml:"field_type"`
	Options          []Option        `json:"options,omitempty" yaml:"options,omitempty"`
	ConditionalLogic []ConditionLink `json:"conditional_logic,omitempty" yaml:"conditional_logic,omitempty"`
	Dependencies     []Dependency    `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// Condition is a named logical gate. Its trigger compares SourceField against
// Value using Operator; it is satisfied when every entry of Dependencies holds.
type Condition struct {
	ID           ConditionID           `json:"id" yaml:"id"`
	SourceField  FieldID               `json:"source_field,omitempty" yaml:"source_field,omitempty"`
	Operator     string                `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value        any                   `json:"value,omitempty" yaml:"value,omitempty"`
	Dependencies []ConditionDependency `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// ConditionDependency is a pairwise relation between two fields' values
// inside a condition's dependency chain.
type ConditionDependency struct {
	ID          int64   `json:"id,omitempty" yaml:"id,omitempty"`
	SourceField FieldID `json:"source_field" yaml:"source_field"`
	TargetField FieldID `json:"target_field" yaml:"target_field"`
	Kind        string  `json:"dependency_type" yaml:"dependency_type"`
}

// Link actions for conditional visibility.
const (
	ActionShow = "show"
	ActionHide = "hide"
)

// ConditionLink attaches a Condition to the field or section it affects.
// Action is empty for links that only gate submission.
type ConditionLink struct {
	ID        int64     `json:"id,omitempty" yaml:"id,omitempty"`
	Condition Condition `json:"condition" yaml:"condition"`
	Action    string    `json:"action,omitempty" yaml:"action,omitempty"`
}

// Dependency is a direct rule from SourceField to TargetField. Kind is either a
// dependency kind (equal, not_equal) comparing the two fields' values, or an
// operator tag applied to the target value against Value.
type Dependency struct {
	ID          DependencyID `json:"id" yaml:"id"`
	SourceField FieldID      `json:"source_field,omitempty" yaml:"source_field,omitempty"`
	TargetField FieldID      `json:"target_field" yaml:"target_field"`
	Kind        string       `json:"dependency_type" yaml:"dependency_type"`
	Value       any          `json:"value,omitempty" yaml:"value,omitempty"`
}

// IsSensitive reports whether field id is marked sensitive.
func (s *Survey) IsSensitive(id FieldID) bool {
	f, _, ok := s.FieldByID(id)
	return ok && f.Sensitive
}

// FieldByID returns the field with id and its section, or false.
func (s *Survey) FieldByID(id FieldID) (*Field, *Section, bool) {
	for i := range s.Sections {
		sec := &s.Sections[i]
		for j := range sec.Fields {
			if sec.Fields[j].ID == id {
				return &sec.Fields[j], sec, true
			}
		}
	}
	return nil, nil, false
}
