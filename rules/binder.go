package rules

import (
	"fmt"
	"reflect"
	"strings"
)

// BindingMode selects how an evaluation context becomes script variables
type BindingMode int

const (
	// NamedVariable binds the whole context under a single variable name
	NamedVariable BindingMode = iota
	// DictionaryProjection binds each entry of a string-keyed map
	DictionaryProjection
	// ReflectiveProjection binds each readable field of a structured value
	ReflectiveProjection
)

func (m BindingMode) String() string {
	switch m {
	case NamedVariable:
		return "named_variable"
	case DictionaryProjection:
		return "dictionary_projection"
	case ReflectiveProjection:
		return "reflective_projection"
	default:
		return fmt.Sprintf("binding_mode(%d)", int(m))
	}
}

// Field is a single name/value pair exposed to scripts
type Field struct {
	Name  string
	Value any
}

// FieldProvider lets a context type enumerate its bindable fields itself.
// Fields are bound in the returned order; a repeated name overwrites the
// earlier one.
type FieldProvider interface {
	BindableFields() []Field
}

// Binder projects evaluation contexts into script scopes
type Binder struct {
	// VariableName, when set, selects NamedVariable for every context
	VariableName string
}

// Mode reports which binding mode Bind uses for evalCtx.
// The order is strict: a variable name wins, then string-keyed maps, then
// everything else.
func (b Binder) Mode(evalCtx any) BindingMode {
	if b.VariableName != "" {
		return NamedVariable
	}
	if isStringKeyedMap(evalCtx) {
		return DictionaryProjection
	}
	return ReflectiveProjection
}

// Bind builds the scope for evalCtx. The context is only read.
func (b Binder) Bind(evalCtx any) (Scope, BindingMode, error) {
	mode := b.Mode(evalCtx)

	switch mode {
	case NamedVariable:
		return Scope{b.VariableName: evalCtx}, mode, nil
	case DictionaryProjection:
		return bindMap(evalCtx), mode, nil
	default:
		scope, err := bindFields(evalCtx)
		return scope, mode, err
	}
}

func isStringKeyedMap(v any) bool {
	if v == nil {
		return false
	}
	if _, ok := v.(map[string]any); ok {
		return true
	}
	t := reflect.TypeOf(v)
	return t.Kind() == reflect.Map && t.Key().Kind() == reflect.String
}

func bindMap(v any) Scope {
	if m, ok := v.(map[string]any); ok {
		scope := make(Scope, len(m))
		for k, val := range m {
			scope[k] = val
		}
		return scope
	}

	rv := reflect.ValueOf(v)
	scope := make(Scope, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		scope[iter.Key().String()] = iter.Value().Interface()
	}
	return scope
}

// bindFields projects a structured value. Struct fields are discovered with
// reflect.VisibleFields: declaration order, promoted fields right after the
// embedding field. Later names overwrite earlier ones.
func bindFields(v any) (Scope, error) {
	if v == nil {
		return Scope{}, nil
	}

	if fp, ok := v.(FieldProvider); ok {
		fields := fp.BindableFields()
		scope := make(Scope, len(fields))
		for _, f := range fields {
			scope[f.Name] = f.Value
		}
		return scope, nil
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, fmt.Errorf("%w: nil %s", ErrUnbindableContext, rv.Type())
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: unsupported type %s", ErrUnbindableContext, rv.Type())
	}

	fields := reflect.VisibleFields(rv.Type())
	scope := make(Scope, len(fields))
	for _, sf := range fields {
		if !sf.IsExported() || sf.Anonymous {
			continue
		}
		name, ok := FieldName(sf)
		if !ok {
			continue
		}
		// Promoted fields behind a nil embedded pointer are not readable
		fv, err := rv.FieldByIndexErr(sf.Index)
		if err != nil {
			continue
		}
		scope[name] = fv.Interface()
	}
	return scope, nil
}

// FieldName returns the name scripts see for a struct field: the script tag
// when set, otherwise the Go field name. It reports false for unexported
// fields and fields tagged script:"-".
func FieldName(sf reflect.StructField) (string, bool) {
	if !sf.IsExported() {
		return "", false
	}
	tag, ok := sf.Tag.Lookup("script")
	if !ok {
		return sf.Name, true
	}
	name, _, _ := strings.Cut(tag, ",")
	switch name {
	case "-":
		return "", false
	case "":
		return sf.Name, true
	}
	return name, true
}
