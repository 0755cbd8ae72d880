package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for SurveyKeeper operations.
var (
	// ErrMalformedPayload indicates a structural violation in a response payload
	// or survey definition.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrUnknownOperator indicates an unrecognized operator or dependency kind.
	ErrUnknownOperator = errors.New("unknown operator")

	// ErrTypeUnsupported indicates an operand type incompatible with the operator.
	ErrTypeUnsupported = errors.New("operand type not supported by operator")

	// ErrMissingFieldValue indicates a referenced or required field has no value.
	ErrMissingFieldValue = errors.New("missing field value")

	// ErrRuleViolation indicates a condition or dependency evaluated to false.
	ErrRuleViolation = errors.New("rule violation")

	// ErrSelfDependency indicates a dependency whose source and target are the same field.
	ErrSelfDependency = errors.New("dependency source and target must differ")

	// ErrPayloadTooLarge indicates the response exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

	// ErrNotFound indicates a requested record does not exist.
	ErrNotFound = errors.New("not found")
)

// ErrorKind classifies a RuleError. The zero value is never produced.
type ErrorKind int

const (
	KindUnspecified ErrorKind = iota
	KindMalformedPayload
	KindUnknownOperator
	KindTypeUnsupported
	KindMissingFieldValue
	KindRuleViolation
)

// String returns the snake_case name used in API responses and metrics labels.
func (k ErrorKind) String() string {
	switch k {
	case KindMalformedPayload:
		return "malformed_payload"
	case KindUnknownOperator:
		return "unknown_operator"
	case KindTypeUnsupported:
		return "type_unsupported"
	case KindMissingFieldValue:
		return "missing_field_value"
	case KindRuleViolation:
		return "rule_violation"
	default:
		return "unspecified"
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindMalformedPayload:
		return ErrMalformedPayload
	case KindUnknownOperator:
		return ErrUnknownOperator
	case KindTypeUnsupported:
		return ErrTypeUnsupported
	case KindMissingFieldValue:
		return ErrMissingFieldValue
	case KindRuleViolation:
		return ErrRuleViolation
	default:
		return nil
	}
}

// RuleType names the kind of rule that produced a RuleError.
type RuleType string

const (
	RuleTypeCondition  RuleType = "condition"
	RuleTypeDependency RuleType = "dependency"
	RuleTypeRequired   RuleType = "required"
	RuleTypePayload    RuleType = "payload"
)

// RuleError is a structured validation error naming the rule and the field it
// blocks. errors.Is matches the sentinel for Kind as well as the wrapped cause.
type RuleError struct {
	Kind     ErrorKind
	RuleType RuleType
	RuleID   int64
	FieldID  FieldID
	Detail   string
	Err      error
}

func (e *RuleError) Error() string {
	var msg string
	switch e.RuleType {
	case RuleTypeCondition:
		msg = fmt.Sprintf("Condition %d not met for field %d", e.RuleID, e.FieldID)
	case RuleTypeDependency:
		msg = fmt.Sprintf("Dependency %d not met for field %d", e.RuleID, e.FieldID)
	case RuleTypeRequired:
		msg = fmt.Sprintf("Field %d is required", e.FieldID)
	default:
		msg = "validation failed"
		if s := e.Kind.sentinel(); s != nil {
			msg = s.Error()
		}
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil && e.Kind != KindRuleViolation {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *RuleError) Unwrap() []error {
	var errs []error
	if s := e.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Malformed builds a payload-level RuleError.
func Malformed(format string, args ...any) *RuleError {
	return &RuleError{
		Kind:     KindMalformedPayload,
		RuleType: RuleTypePayload,
		Detail:   fmt.Sprintf(format, args...),
	}
}

// KindOf returns the ErrorKind carried by err, or KindUnspecified.
func KindOf(err error) ErrorKind {
	var re *RuleError
	if errors.As(err, &re) {
		return re.Kind
	}
	switch {
	case errors.Is(err, ErrMalformedPayload):
		return KindMalformedPayload
	case errors.Is(err, ErrUnknownOperator):
		return KindUnknownOperator
	case errors.Is(err, ErrTypeUnsupported):
		return KindTypeUnsupported
	case errors.Is(err, ErrMissingFieldValue):
		return KindMissingFieldValue
	case errors.Is(err, ErrRuleViolation):
		return KindRuleViolation
	}
	return KindUnspecified
}
