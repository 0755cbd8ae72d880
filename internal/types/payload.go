// internal/types/payload.go
package types

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
)

/*
 * Submitted response payloads.
 *
 * Shape:
 *   { "sections": [ { "id"?: int, "fields": [
 *       { "id": int, "value": any,
 *         "conditional_logic"?: [ { "id"?: int, "condition": {...} } ],
 *         "dependencies"?: [ { "id"?: int, "target_field": int | {"id": int},
 *                              "dependency_type": str, "value"?: any } ] } ] } ] }
 *
 * Parsing is strict about required keys (sections, fields, id, value) and
 * lenient about optional ones: an absent or null rule list means no rules.
 * Field references accept both a bare integer and an {"id": int} object, the
 * two forms emitted by survey serializers.
 */

// ReservedValueKey marks an encrypted field value in stored responses.
// Submitted values may not be objects carrying this key.
const ReservedValueKey = "$sealed"

// ResponsePayload is a parsed response document.
type ResponsePayload struct {
	Sections []ResponseSection
}

// ResponseSection is one submitted section.
type ResponseSection struct {
	ID     SectionID // zero when the payload omits it
	Fields []ResponseField
}

// ResponseField is one submitted field value with any rules attached inline.
type ResponseField struct {
	ID               FieldID
	Value            any
	ConditionalLogic []ConditionLink
	Dependencies     []Dependency
}

// ParseResponsePayload decodes and structurally validates a response document.
// Every structural problem is reported as a *RuleError of KindMalformedPayload.
func ParseResponsePayload(data []byte) (*ResponsePayload, error) {
	if len(data) > MaxPayloadSize {
		return nil, &RuleError{Kind: KindMalformedPayload, RuleType: RuleTypePayload, Err: ErrPayloadTooLarge}
	}

	root, err := decodeObject(data, "payload")
	if err != nil {
		return nil, err
	}
	rawSections, err := requiredArray(root, "sections", "payload")
	if err != nil {
		return nil, err
	}
	if len(rawSections) > MaxSections {
		return nil, Malformed("payload has %d sections, maximum is %d", len(rawSections), MaxSections)
	}

	payload := &ResponsePayload{Sections: make([]ResponseSection, 0, len(rawSections))}
	for i, rawSection := range rawSections {
		section, err := parseSection(rawSection, i)
		if err != nil {
			return nil, err
		}
		payload.Sections = append(payload.Sections, section)
	}
	return payload, nil
}

func parseSection(data json.RawMessage, idx int) (ResponseSection, error) {
	where := "sections[" + strconv.Itoa(idx) + "]"
	obj, err := decodeObject(data, where)
	if err != nil {
		return ResponseSection{}, err
	}

	var section ResponseSection
	if raw, ok := obj["id"]; ok && !isNull(raw) {
		id, err := decodeInt(raw, where+".id")
		if err != nil {
			return ResponseSection{}, err
		}
		section.ID = SectionID(id)
	}

	rawFields, err := requiredArray(obj, "fields", where)
	if err != nil {
		return ResponseSection{}, err
	}
	if len(rawFields) > MaxFieldsPerSection {
		return ResponseSection{}, Malformed("%s has %d fields, maximum is %d", where, len(rawFields), MaxFieldsPerSection)
	}

	section.Fields = make([]ResponseField, 0, len(rawFields))
	for j, rawField := range rawFields {
		field, err := parseField(rawField, where+".fields["+strconv.Itoa(j)+"]")
		if err != nil {
			return ResponseSection{}, err
		}
		section.Fields = append(section.Fields, field)
	}
	return section, nil
}

func parseField(data json.RawMessage, where string) (ResponseField, error) {
	obj, err := decodeObject(data, where)
	if err != nil {
		return ResponseField{}, err
	}

	rawID, ok := obj["id"]
	if !ok {
		return ResponseField{}, Malformed("%s: missing required key \"id\"", where)
	}
	id, err := decodeFieldRef(rawID, where+".id")
	if err != nil {
		return ResponseField{}, err
	}

	rawValue, ok := obj["value"]
	if !ok {
		return ResponseField{}, Malformed("%s: missing required key \"value\"", where)
	}
	var value any
	if err := json.Unmarshal(rawValue, &value); err != nil {
		return ResponseField{}, Malformed("%s.value: %v", where, err)
	}

	if m, ok := value.(map[string]any); ok {
		if _, reserved := m[ReservedValueKey]; reserved {
			return ResponseField{}, Malformed("%s.value: key %q is reserved", where, ReservedValueKey)
		}
	}

	field := ResponseField{ID: id, Value: value}

	rawLinks, err := optionalArray(obj, "conditional_logic", where)
	if err != nil {
		return ResponseField{}, err
	}
	rawDeps, err := optionalArray(obj, "dependencies", where)
	if err != nil {
		return ResponseField{}, err
	}
	if len(rawLinks)+len(rawDeps) > MaxRulesPerField {
		return ResponseField{}, Malformed("%s has %d rules, maximum is %d", where, len(rawLinks)+len(rawDeps), MaxRulesPerField)
	}

	for k, rawLink := range rawLinks {
		link, err := parseConditionLink(rawLink, where+".conditional_logic["+strconv.Itoa(k)+"]")
		if err != nil {
			return ResponseField{}, err
		}
		field.ConditionalLogic = append(field.ConditionalLogic, link)
	}
	for k, rawDep := range rawDeps {
		dep, err := parseDependency(rawDep, id, where+".dependencies["+strconv.Itoa(k)+"]")
		if err != nil {
			return ResponseField{}, err
		}
		field.Dependencies = append(field.Dependencies, dep)
	}
	return field, nil
}

func parseConditionLink(data json.RawMessage, where string) (ConditionLink, error) {
	obj, err := decodeObject(data, where)
	if err != nil {
		return ConditionLink{}, err
	}

	var link ConditionLink
	if raw, ok := obj["id"]; ok && !isNull(raw) {
		if link.ID, err = decodeInt(raw, where+".id"); err != nil {
			return ConditionLink{}, err
		}
	}
	if raw, ok := obj["action"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &link.Action); err != nil {
			return ConditionLink{}, Malformed("%s.action: %v", where, err)
		}
	}

	rawCond, ok := obj["condition"]
	if !ok || isNull(rawCond) {
		return ConditionLink{}, Malformed("%s: missing required key \"condition\"", where)
	}
	link.Condition, err = parseCondition(rawCond, where+".condition")
	if err != nil {
		return ConditionLink{}, err
	}
	return link, nil
}

func parseCondition(data json.RawMessage, where string) (Condition, error) {
	obj, err := decodeObject(data, where)
	if err != nil {
		return Condition{}, err
	}

	var cond Condition
	if raw, ok := obj["id"]; ok && !isNull(raw) {
		id, err := decodeInt(raw, where+".id")
		if err != nil {
			return Condition{}, err
		}
		cond.ID = ConditionID(id)
	}
	if raw, ok := obj["source_field"]; ok && !isNull(raw) {
		if cond.SourceField, err = decodeFieldRef(raw, where+".source_field"); err != nil {
			return Condition{}, err
		}
	}
	if raw, ok := obj["operator"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &cond.Operator); err != nil {
			return Condition{}, Malformed("%s.operator: %v", where, err)
		}
	}
	if raw, ok := obj["value"]; ok {
		if err := json.Unmarshal(raw, &cond.Value); err != nil {
			return Condition{}, Malformed("%s.value: %v", where, err)
		}
	}

	rawDeps, err := optionalArray(obj, "dependencies", where)
	if err != nil {
		return Condition{}, err
	}
	if len(rawDeps) > MaxDependenciesPerCondition {
		return Condition{}, Malformed("%s has %d dependencies, maximum is %d", where, len(rawDeps), MaxDependenciesPerCondition)
	}
	for k, rawDep := range rawDeps {
		depWhere := where + ".dependencies[" + strconv.Itoa(k) + "]"
		depObj, err := decodeObject(rawDep, depWhere)
		if err != nil {
			return Condition{}, err
		}
		var dep ConditionDependency
		if raw, ok := depObj["id"]; ok && !isNull(raw) {
			if dep.ID, err = decodeInt(raw, depWhere+".id"); err != nil {
				return Condition{}, err
			}
		}
		if dep.SourceField, err = requiredFieldRef(depObj, "source_field", depWhere); err != nil {
			return Condition{}, err
		}
		if dep.TargetField, err = requiredFieldRef(depObj, "target_field", depWhere); err != nil {
			return Condition{}, err
		}
		if dep.Kind, err = requiredString(depObj, "dependency_type", depWhere); err != nil {
			return Condition{}, err
		}
		cond.Dependencies = append(cond.Dependencies, dep)
	}
	return cond, nil
}

func parseDependency(data json.RawMessage, owner FieldID, where string) (Dependency, error) {
	obj, err := decodeObject(data, where)
	if err != nil {
		return Dependency{}, err
	}

	dep := Dependency{SourceField: owner}
	if raw, ok := obj["id"]; ok && !isNull(raw) {
		id, err := decodeInt(raw, where+".id")
		if err != nil {
			return Dependency{}, err
		}
		dep.ID = DependencyID(id)
	}
	if raw, ok := obj["source_field"]; ok && !isNull(raw) {
		if dep.SourceField, err = decodeFieldRef(raw, where+".source_field"); err != nil {
			return Dependency{}, err
		}
	}
	if dep.TargetField, err = requiredFieldRef(obj, "target_field", where); err != nil {
		return Dependency{}, err
	}
	if dep.Kind, err = requiredString(obj, "dependency_type", where); err != nil {
		return Dependency{}, err
	}
	if raw, ok := obj["value"]; ok {
		if err := json.Unmarshal(raw, &dep.Value); err != nil {
			return Dependency{}, Malformed("%s.value: %v", where, err)
		}
	}
	return dep, nil
}

// decodeObject decodes a JSON object; null and non-objects are malformed.
func decodeObject(data []byte, where string) (map[string]json.RawMessage, error) {
	if isNull(data) {
		return nil, Malformed("%s: expected object, got null", where)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, Malformed("%s: expected object: %v", where, err)
	}
	return obj, nil
}

func requiredArray(obj map[string]json.RawMessage, key, where string) ([]json.RawMessage, error) {
	raw, ok := obj[key]
	if !ok || isNull(raw) {
		return nil, Malformed("%s: missing required key %q", where, key)
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return nil, Malformed("%s.%s: expected array: %v", where, key, err)
	}
	return arr, nil
}

func optionalArray(obj map[string]json.RawMessage, key, where string) ([]json.RawMessage, error) {
	raw, ok := obj[key]
	if !ok || isNull(raw) {
		return nil, nil
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return nil, Malformed("%s.%s: expected array: %v", where, key, err)
	}
	return arr, nil
}

func requiredString(obj map[string]json.RawMessage, key, where string) (string, error) {
	raw, ok := obj[key]
	if !ok || isNull(raw) {
		return "", Malformed("%s: missing required key %q", where, key)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", Malformed("%s.%s: expected string: %v", where, key, err)
	}
	return s, nil
}

func requiredFieldRef(obj map[string]json.RawMessage, key, where string) (FieldID, error) {
	raw, ok := obj[key]
	if !ok || isNull(raw) {
		return 0, Malformed("%s: missing required key %q", where, key)
	}
	return decodeFieldRef(raw, where+"."+key)
}

// decodeFieldRef accepts either 12 or {"id": 12}.
func decodeFieldRef(data json.RawMessage, where string) (FieldID, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		obj, err := decodeObject(trimmed, where)
		if err != nil {
			return 0, err
		}
		raw, ok := obj["id"]
		if !ok {
			return 0, Malformed("%s: missing required key \"id\"", where)
		}
		id, err := decodeInt(raw, where+".id")
		return FieldID(id), err
	}
	id, err := decodeInt(trimmed, where)
	return FieldID(id), err
}

// decodeInt decodes an integral JSON number.
func decodeInt(data json.RawMessage, where string) (int64, error) {
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return 0, Malformed("%s: expected integer: %v", where, err)
	}
	if f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, Malformed("%s: expected integer, got %v", where, f)
	}
	return int64(f), nil
}

func isNull(data []byte) bool {
	return bytes.Equal(bytes.TrimSpace(data), []byte("null"))
}
