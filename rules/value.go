package rules

import "strings"

// Kind identifies which of the coercion-relevant cases a Value holds
type Kind int

const (
	// KindOther covers null, undefined, numbers, objects and anything else
	KindOther Kind = iota
	KindString
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	default:
		return "other"
	}
}

// Value is the raw result of running a rule script.
// Engines translate their native values into one of three kinds; nothing
// beyond what coercion needs is retained.
type Value struct {
	kind Kind
	str  string
	b    bool
}

// StringValue wraps a script string result
func StringValue(s string) Value {
	return Value{kind: KindString, str: s}
}

// BoolValue wraps a script boolean result
func BoolValue(b bool) Value {
	return Value{kind: KindBool, b: b}
}

// OtherValue represents any result that is neither a string nor a boolean
func OtherValue() Value {
	return Value{kind: KindOther}
}

// ValueOf maps a Go value produced by an engine onto a Value
func ValueOf(v any) Value {
	switch x := v.(type) {
	case string:
		return StringValue(x)
	case bool:
		return BoolValue(x)
	default:
		return OtherValue()
	}
}

// Kind returns the kind of the value
func (v Value) Kind() Kind {
	return v.kind
}

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	default:
		return "<other>"
	}
}

// Coerce converts a script result into the feature's enabled state.
//
// Strings are parsed as "true"/"false" ignoring case and surrounding
// whitespace, booleans are returned as is, and everything else is false.
func Coerce(v Value) bool {
	switch v.kind {
	case KindString:
		b, ok := parseBool(v.str)
		return ok && b
	case KindBool:
		return v.b
	default:
		return false
	}
}

func parseBool(s string) (value bool, ok bool) {
	s = strings.TrimSpace(s)
	switch {
	case strings.EqualFold(s, "true"):
		return true, true
	case strings.EqualFold(s, "false"):
		return false, true
	default:
		return false, false
	}
}
