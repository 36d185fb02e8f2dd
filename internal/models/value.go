// Package models provides the in-memory data structures for the spreadsheet
// upload job: typed cell values, the row table loaded from the input file,
// the upload records and the static field translation table.
package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies the dynamic type held by a Value
type Kind int

const (
	// KindMissing marks an empty cell or a value removed by sanitisation
	KindMissing Kind = iota
	KindFloat
	KindString
	KindBool
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindMissing:
		return "missing"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	default:
		return "unknown"
	}
}

// Value is a single spreadsheet cell. The zero Value is the missing value.
type Value struct {
	kind Kind
	num  float64
	str  string
	flag bool
}

// Missing returns the missing value marker.
func Missing() Value { return Value{} }

// Float wraps a floating point number.
func Float(f float64) Value { return Value{kind: KindFloat, num: f} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, flag: b} }

// ParseCell infers the type of a raw cell as read from a spreadsheet or CSV.
// Empty cells are missing, TRUE/FALSE are booleans, numbers are floats and
// everything else is kept as a string.
func ParseCell(raw string) Value {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Missing()
	}

	switch strings.ToUpper(s) {
	case "TRUE":
		return Bool(true)
	case "FALSE":
		return Bool(false)
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return Float(f)
	}

	return String(raw)
}

// Kind returns the kind of value held
func (v Value) Kind() Kind { return v.kind }

// IsMissing reports whether the value is the missing marker
func (v Value) IsMissing() bool { return v.kind == KindMissing }

// AsFloat returns the float held and whether the value is a float
func (v Value) AsFloat() (float64, bool) {
	if v.kind != KindFloat {
		return 0, false
	}
	return v.num, true
}

// AsString returns the string held and whether the value is a string
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

// AsBool returns the boolean held and whether the value is a boolean
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.flag, true
}

// Truthy reports the truthiness of the value: false for missing, zero and
// the empty string, true otherwise. Any other string is true, including
// "false"; the loader already turns TRUE/FALSE cells into booleans.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindBool:
		return v.flag
	case KindFloat:
		return v.num != 0
	case KindString:
		return v.str != ""
	default:
		return false
	}
}

// Text renders the value as a string. Floats use the shortest
// representation that round-trips.
func (v Value) Text() string {
	switch v.kind {
	case KindFloat:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindString:
		return v.str
	case KindBool:
		if v.flag {
			return "True"
		}
		return "False"
	default:
		return ""
	}
}

// ToFloat converts the value to a float. Strings are parsed, booleans map
// to 1 and 0. Missing values and unparseable strings return an error.
func (v Value) ToFloat() (float64, error) {
	switch v.kind {
	case KindFloat:
		return v.num, nil
	case KindBool:
		if v.flag {
			return 1, nil
		}
		return 0, nil
	case KindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.str), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid float value %q: %w", v.str, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("missing value")
	}
}

// GoString implements fmt.GoStringer for readable test failures
func (v Value) GoString() string {
	if v.kind == KindMissing {
		return "models.Missing()"
	}
	return fmt.Sprintf("models.Value{%s:%q}", v.kind, v.Text())
}
