// Package types provides domain models shared across SurveyKeeper components.
//
// Survey definitions (survey.go) are the persisted shape owned by the storage
// tier. Response payloads (payload.go) are the submitted shape parsed from
// JSON. The rules package evaluates one against the other; neither type here
// carries evaluation logic.
package types

// FieldID identifies a survey field. Integer ids match the JSON payload
// contract (`{"id": 12, "value": ...}`) and the storage primary keys.
type FieldID int64

// SectionID identifies a survey section.
type SectionID int64

// SurveyID identifies a survey.
type SurveyID int64

// ConditionID identifies a persisted condition.
type ConditionID int64

// DependencyID identifies a persisted field dependency.
type DependencyID int64

// ResponseID represents a UUIDv7 survey response identifier.
type ResponseID string

// AuditID represents a UUIDv7 audit log identifier.
type AuditID string

// ValueMap is the flattened lookup from field id to submitted value for one
// response. Values are the decoded JSON scalars (string, float64, bool), nil
// for an explicit null, or []any for multi-choice widgets.
type ValueMap map[FieldID]any

// Lookup returns the value for id and whether it was submitted.
func (m ValueMap) Lookup(id FieldID) (any, bool) {
	v, ok := m[id]
	return v, ok
}

// Resource limits enforced while parsing payloads and compiling surveys.
const (
	// MaxPayloadSize bounds a single response document.
	MaxPayloadSize = 1024 * 1024

	// MaxSections bounds sections per response payload.
	MaxSections = 256

	// MaxFieldsPerSection bounds fields within one section.
	MaxFieldsPerSection = 512

	// MaxRulesPerField bounds conditional_logic plus dependencies on one field.
	MaxRulesPerField = 64

	// MaxDependenciesPerCondition bounds a condition's dependency chain.
	MaxDependenciesPerCondition = 64
)
