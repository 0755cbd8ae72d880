package rules

import (
	"encoding/json"
	"math"
	"testing"
)

func TestValuesEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b any
		want bool
	}{
		{name: "same strings", a: "yes", b: "yes", want: true},
		{name: "different strings", a: "yes", b: "no", want: false},
		{name: "string case matters", a: "Yes", b: "yes", want: false},
		{name: "float and int", a: float64(3), b: 3, want: true},
		{name: "int64 and float", a: int64(7), b: 7.0, want: true},
		{name: "json number and float", a: json.Number("2.5"), b: 2.5, want: true},
		{name: "numeric string never equals number", a: "1", b: float64(1), want: false},
		{name: "number never equals numeric string", a: 1, b: "1", want: false},
		{name: "bools", a: true, b: true, want: true},
		{name: "bool and string", a: true, b: "true", want: false},
		{name: "nil and nil", a: nil, b: nil, want: true},
		{name: "nil and empty string", a: nil, b: "", want: false},
		{name: "arrays equal", a: []any{"a", 1.0}, b: []any{"a", 1}, want: true},
		{name: "arrays differ in order", a: []any{"a", "b"}, b: []any{"b", "a"}, want: false},
		{name: "arrays differ in length", a: []any{"a"}, b: []any{"a", "b"}, want: false},
		{name: "objects", a: map[string]any{"k": "v"}, b: map[string]any{"k": "v"}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := valuesEqual(tt.a, tt.b); got != tt.want {
				t.Errorf("valuesEqual(%#v, %#v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestToNumber(t *testing.T) {
	tests := []struct {
		name   string
		value  any
		want   float64
		wantOK bool
	}{
		{name: "float64 passthrough", value: 42.5, want: 42.5, wantOK: true},
		{name: "int", value: 100, want: 100, wantOK: true},
		{name: "uint32", value: uint32(9), want: 9, wantOK: true},
		{name: "numeric string", value: "25", want: 25, wantOK: true},
		{name: "string with whitespace", value: "  42  ", want: 42, wantOK: true},
		{name: "negative string", value: "-3.5", want: -3.5, wantOK: true},
		{name: "empty string", value: "", wantOK: false},
		{name: "whitespace only", value: "   ", wantOK: false},
		{name: "word", value: "abc", wantOK: false},
		{name: "infinity string", value: "Inf", wantOK: false},
		{name: "NaN string", value: "NaN", wantOK: false},
		{name: "bool rejected", value: true, wantOK: false},
		{name: "nil rejected", value: nil, wantOK: false},
		{name: "array rejected", value: []any{1.0}, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := toNumber(tt.value)
			if ok != tt.wantOK {
				t.Fatalf("toNumber(%#v) ok = %v, want %v", tt.value, ok, tt.wantOK)
			}
			if ok && math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("toNumber(%#v) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestIsEmptyValue(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  bool
	}{
		{name: "nil", value: nil, want: true},
		{name: "empty string", value: "", want: true},
		{name: "blank string", value: " \t", want: true},
		{name: "empty selection", value: []any{}, want: true},
		{name: "text", value: "x", want: false},
		{name: "zero", value: float64(0), want: false},
		{name: "false", value: false, want: false},
		{name: "selection", value: []any{"a"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isEmptyValue(tt.value); got != tt.want {
				t.Errorf("isEmptyValue(%#v) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}
