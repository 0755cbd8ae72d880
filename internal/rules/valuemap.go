// internal/rules/valuemap.go
package rules

import (
	"encoding/json"

	"github.com/solatis/surveykeeper/internal/types"
)

// BuildFieldValueMap parses a response document and flattens it into a
// field id -> value lookup. Section grouping does not affect the result.
// Returns a *types.RuleError of KindMalformedPayload for structural problems.
func BuildFieldValueMap(payload json.RawMessage) (types.ValueMap, error) {
	parsed, err := types.ParseResponsePayload(payload)
	if err != nil {
		return nil, err
	}
	return ValueMapOf(parsed), nil
}

// ValueMapOf flattens an already parsed payload.
// A field id submitted more than once keeps its last value in document order.
func ValueMapOf(payload *types.ResponsePayload) types.ValueMap {
	n := 0
	for _, section := range payload.Sections {
		n += len(section.Fields)
	}
	values := make(types.ValueMap, n)
	for _, section := range payload.Sections {
		for _, field := range section.Fields {
			values[field.ID] = field.Value
		}
	}
	return values
}
