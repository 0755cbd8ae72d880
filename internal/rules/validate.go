// internal/rules/validate.go
package rules

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/solatis/surveykeeper/internal/types"
)

/*
 * Response validation.
 *
 * Walks a parsed response in document order: sections in order, fields in
 * order within a section. For each field the attached conditions run first,
 * then the direct dependencies. With a Snapshot, the persisted rules for the
 * field run after any rules attached to the payload itself.
 *
 * Snapshot validation additionally:
 *   - rejects field ids that are not part of the survey (malformed payload)
 *   - skips rules on hidden fields (show/hide links on the field or section)
 *   - requires a non-empty value for every visible required field
 *
 * FailFast stops at the first failure. CollectAll reports every failure in
 * the same order FailFast would have found them.
 *
 * Structural problems in the payload abort validation and are returned as
 * errors; rule failures are returned in the Outcome.
 */

// Mode selects how many failures a Validator reports.
type Mode int

const (
	// FailFast stops at the first failing rule.
	FailFast Mode = iota
	// CollectAll evaluates every rule and reports all failures.
	CollectAll
)

// ParseMode maps a configuration value to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "fail_fast":
		return FailFast, nil
	case "collect_all":
		return CollectAll, nil
	default:
		return FailFast, fmt.Errorf("unknown validation mode %q (want fail_fast or collect_all)", s)
	}
}

func (m Mode) String() string {
	if m == CollectAll {
		return "collect_all"
	}
	return "fail_fast"
}

// Outcome is the result of validating one response.
type Outcome struct {
	Failures []*types.RuleError
}

// Valid reports whether no rule failed.
func (o Outcome) Valid() bool {
	return len(o.Failures) == 0
}

// First returns the first failure, or nil for a valid response.
func (o Outcome) First() *types.RuleError {
	if len(o.Failures) == 0 {
		return nil
	}
	return o.Failures[0]
}

// Err joins all failures into one error, or returns nil for a valid response.
func (o Outcome) Err() error {
	if len(o.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(o.Failures))
	for i, f := range o.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// Validator evaluates response payloads. The zero value is a FailFast validator.
type Validator struct {
	mode Mode
}

// Option configures a Validator.
type Option func(*Validator)

// WithMode sets the failure reporting mode.
func WithMode(m Mode) Option {
	return func(v *Validator) { v.mode = m }
}

// NewValidator creates a Validator.
func NewValidator(opts ...Option) *Validator {
	v := &Validator{}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Mode returns the validator's failure reporting mode.
func (v *Validator) Mode() Mode {
	return v.mode
}

// ValidateResponse validates a raw payload against the rules attached to it,
// stopping at the first failure.
func ValidateResponse(payload json.RawMessage) (Outcome, error) {
	return (&Validator{}).Validate(payload, nil)
}

// Validate parses payload and validates it. snap may be nil, in which case
// only rules attached to the payload are evaluated.
func (v *Validator) Validate(payload json.RawMessage, snap *Snapshot) (Outcome, error) {
	parsed, err := types.ParseResponsePayload(payload)
	if err != nil {
		return Outcome{}, err
	}
	return v.ValidateParsed(parsed, snap)
}

// ValidateParsed validates an already parsed payload.
func (v *Validator) ValidateParsed(payload *types.ResponsePayload, snap *Snapshot) (Outcome, error) {
	run := &validation{
		mode:   v.mode,
		values: ValueMapOf(payload),
		snap:   snap,
	}

	if snap != nil {
		for _, section := range payload.Sections {
			for _, field := range section.Fields {
				if _, ok := snap.Field(field.ID); !ok {
					return Outcome{}, types.Malformed("field %d is not part of survey %d", field.ID, snap.SurveyID)
				}
			}
		}
		if run.computeVisibility() {
			return run.outcome(), nil
		}
	}

	for _, section := range payload.Sections {
		for i := range section.Fields {
			if run.checkField(&section.Fields[i]) {
				return run.outcome(), nil
			}
		}
	}

	if snap != nil {
		run.checkRequired()
	}
	return run.outcome(), nil
}

// validation carries the state of one validation run.
type validation struct {
	mode     Mode
	values   types.ValueMap
	snap     *Snapshot
	hidden   map[types.FieldID]bool
	failures []*types.RuleError
}

// fail records a failure and reports whether validation should stop.
func (r *validation) fail(err *types.RuleError) bool {
	r.failures = append(r.failures, err)
	return r.mode == FailFast
}

func (r *validation) outcome() Outcome {
	return Outcome{Failures: r.failures}
}

// checkField evaluates the payload-attached and persisted rules of one field.
func (r *validation) checkField(field *types.ResponseField) bool {
	if r.hidden[field.ID] {
		return false
	}

	for i := range field.ConditionalLogic {
		if r.checkCondition(field.ID, field.ConditionalLogic[i].Condition) {
			return true
		}
	}
	for _, dep := range field.Dependencies {
		cd, err := CompileDependency(dep)
		if err != nil {
			if r.fail(compileFailure(field.ID, dep.ID, err)) {
				return true
			}
			continue
		}
		if r.checkDependency(field.ID, cd) {
			return true
		}
	}

	if r.snap == nil {
		return false
	}
	cf, _ := r.snap.Field(field.ID)
	for _, link := range cf.Links {
		if r.checkCondition(field.ID, link.Condition) {
			return true
		}
	}
	for _, cd := range cf.Dependencies {
		if r.checkDependency(field.ID, cd) {
			return true
		}
	}
	return false
}

// checkCondition evaluates a condition's dependency chain for fieldID.
func (r *validation) checkCondition(fieldID types.FieldID, cond types.Condition) bool {
	if err := validateCondition(&cond); err != nil {
		kind := types.KindOf(err)
		if kind == types.KindUnspecified {
			kind = types.KindMalformedPayload
		}
		return r.fail(&types.RuleError{
			Kind:     kind,
			RuleType: types.RuleTypeCondition,
			RuleID:   int64(cond.ID),
			FieldID:  fieldID,
			Err:      err,
		})
	}

	idx, ok := FirstFailingDependency(&cond, r.values)
	if ok {
		return false
	}

	dep := cond.Dependencies[idx]
	failure := &types.RuleError{
		Kind:     types.KindRuleViolation,
		RuleType: types.RuleTypeCondition,
		RuleID:   int64(cond.ID),
		FieldID:  fieldID,
	}
	if missing, absent := r.firstMissing(dep.SourceField, dep.TargetField); absent {
		failure.Kind = types.KindMissingFieldValue
		failure.Detail = fmt.Sprintf("field %d has no value", missing)
	}
	return r.fail(failure)
}

// checkDependency evaluates a direct dependency owned by fieldID.
func (r *validation) checkDependency(fieldID types.FieldID, dep CompiledDependency) bool {
	held, err := r.evaluateDependency(dep)
	if err == nil && held {
		return false
	}

	failure := &types.RuleError{
		Kind:     types.KindRuleViolation,
		RuleType: types.RuleTypeDependency,
		RuleID:   int64(dep.ID),
		FieldID:  fieldID,
	}
	if err != nil {
		failure.Kind = types.KindOf(err)
		failure.Err = err
	}
	return r.fail(failure)
}

// evaluateDependency applies a compiled dependency to the value map.
func (r *validation) evaluateDependency(dep CompiledDependency) (bool, error) {
	target, ok := r.values.Lookup(dep.Target)
	if !ok {
		return false, missingValue(dep.Target)
	}

	if dep.Kind != "" {
		source, ok := r.values.Lookup(dep.Source)
		if !ok {
			return false, missingValue(dep.Source)
		}
		return EvaluateDependencyKind(dep.Kind, source, target)
	}

	if dep.Value != nil {
		return EvaluateOperator(dep.Operator, target, dep.Value)
	}
	source, ok := r.values.Lookup(dep.Source)
	if !ok {
		return false, missingValue(dep.Source)
	}
	return EvaluateOperator(dep.Operator, source, target)
}

// firstMissing returns the first of ids absent from the value map.
func (r *validation) firstMissing(ids ...types.FieldID) (types.FieldID, bool) {
	for _, id := range ids {
		if _, ok := r.values.Lookup(id); !ok {
			return id, true
		}
	}
	return 0, false
}

// computeVisibility marks fields hidden by show/hide links. Trigger
// evaluation errors are recorded as condition failures.
func (r *validation) computeVisibility() bool {
	r.hidden = make(map[types.FieldID]bool)

	hiddenSections := make(map[types.SectionID]bool)
	for sectionID, links := range r.snap.sectionLinks {
		for _, link := range links {
			hide, err := linkHides(link, r.values)
			if err != nil {
				if r.fail(triggerFailure(link, 0, err)) {
					return true
				}
				continue
			}
			if hide {
				hiddenSections[sectionID] = true
			}
		}
	}

	for _, id := range r.snap.order {
		cf := r.snap.fields[id]
		if hiddenSections[cf.SectionID] {
			r.hidden[id] = true
			continue
		}
		for _, link := range cf.Links {
			hide, err := linkHides(link, r.values)
			if err != nil {
				if r.fail(triggerFailure(link, id, err)) {
					return true
				}
				continue
			}
			if hide {
				r.hidden[id] = true
			}
		}
	}
	return false
}

// checkRequired reports visible required fields without a usable value.
func (r *validation) checkRequired() {
	for _, id := range r.snap.order {
		cf := r.snap.fields[id]
		if !cf.Required || r.hidden[id] {
			continue
		}
		if v, ok := r.values.Lookup(id); ok && !isEmptyValue(v) {
			continue
		}
		if r.fail(&types.RuleError{
			Kind:     types.KindMissingFieldValue,
			RuleType: types.RuleTypeRequired,
			FieldID:  id,
		}) {
			return
		}
	}
}

// IsVisible reports whether fieldID is shown for values. Fields outside the
// survey are not visible. Trigger evaluation errors count as visible.
func (s *Snapshot) IsVisible(fieldID types.FieldID, values types.ValueMap) bool {
	cf, ok := s.fields[fieldID]
	if !ok {
		return false
	}
	for _, link := range s.sectionLinks[cf.SectionID] {
		if hide, err := linkHides(link, values); err == nil && hide {
			return false
		}
	}
	for _, link := range cf.Links {
		if hide, err := linkHides(link, values); err == nil && hide {
			return false
		}
	}
	return true
}

// linkHides reports whether a show/hide link hides its target.
func linkHides(link CompiledLink, values types.ValueMap) (bool, error) {
	switch link.Action {
	case types.ActionShow:
		triggered, err := EvaluateTrigger(&link.Condition, values)
		return !triggered && err == nil, err
	case types.ActionHide:
		return EvaluateTrigger(&link.Condition, values)
	default:
		return false, nil
	}
}

func triggerFailure(link CompiledLink, fieldID types.FieldID, err error) *types.RuleError {
	return &types.RuleError{
		Kind:     types.KindOf(err),
		RuleType: types.RuleTypeCondition,
		RuleID:   int64(link.Condition.ID),
		FieldID:  fieldID,
		Err:      err,
	}
}

func compileFailure(fieldID types.FieldID, depID types.DependencyID, err error) *types.RuleError {
	kind := types.KindOf(err)
	if kind == types.KindUnspecified {
		kind = types.KindMalformedPayload
	}
	return &types.RuleError{
		Kind:     kind,
		RuleType: types.RuleTypeDependency,
		RuleID:   int64(depID),
		FieldID:  fieldID,
		Err:      err,
	}
}

func missingValue(id types.FieldID) error {
	return fmt.Errorf("%w: field %d has no value", types.ErrMissingFieldValue, id)
}
