package rules

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type baseAccount struct {
	Plan   string
	Region string
}

type account struct {
	baseAccount
	Region string
	Tier   int    `script:"tier"`
	Hidden string `script:"-"`
	secret string
}

type withPointer struct {
	*baseAccount
	Name string
}

type collision struct {
	First  string `script:"x"`
	Second string `script:"x"`
}

type labels map[string]string

type requestContext struct {
	user string
	beta bool
}

func (r requestContext) BindableFields() []Field {
	return []Field{
		{Name: "user", Value: r.user},
		{Name: "beta", Value: r.beta},
		{Name: "user", Value: "override"},
	}
}

func TestBinderModeSelection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		varName string
		evalCtx any
		want    BindingMode
	}{
		{"named with map", "ctx", map[string]any{"a": 1}, NamedVariable},
		{"named with struct", "ctx", account{}, NamedVariable},
		{"named with nil", "ctx", nil, NamedVariable},
		{"map any", "", map[string]any{"a": 1}, DictionaryProjection},
		{"map string", "", map[string]string{"a": "b"}, DictionaryProjection},
		{"named map type", "", labels{"a": "b"}, DictionaryProjection},
		{"struct", "", account{}, ReflectiveProjection},
		{"pointer", "", &account{}, ReflectiveProjection},
		{"field provider", "", requestContext{}, ReflectiveProjection},
		{"int keyed map", "", map[int]string{1: "a"}, ReflectiveProjection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := Binder{VariableName: tt.varName}
			assert.Equal(t, tt.want, b.Mode(tt.evalCtx))

			// Mode is a pure function of its inputs
			assert.Equal(t, b.Mode(tt.evalCtx), b.Mode(tt.evalCtx))
		})
	}
}

func TestBindNamedVariable(t *testing.T) {
	t.Parallel()

	evalCtx := map[string]any{"plan": "pro"}
	scope, mode, err := Binder{VariableName: "ctx"}.Bind(evalCtx)
	require.NoError(t, err)
	assert.Equal(t, NamedVariable, mode)
	require.Len(t, scope, 1)
	assert.Equal(t, evalCtx, scope["ctx"])
}

func TestBindDictionary(t *testing.T) {
	t.Parallel()

	scope, mode, err := Binder{}.Bind(map[string]any{"plan": "pro", "seats": 5})
	require.NoError(t, err)
	assert.Equal(t, DictionaryProjection, mode)
	assert.Equal(t, Scope{"plan": "pro", "seats": 5}, scope)

	scope, _, err = Binder{}.Bind(labels{"env": "prod"})
	require.NoError(t, err)
	assert.Equal(t, Scope{"env": "prod"}, scope)
}

func TestBindDictionaryDoesNotAliasContext(t *testing.T) {
	t.Parallel()

	evalCtx := map[string]any{"plan": "pro"}
	scope, _, err := Binder{}.Bind(evalCtx)
	require.NoError(t, err)

	scope["plan"] = "free"
	assert.Equal(t, "pro", evalCtx["plan"])
}

func TestBindReflective(t *testing.T) {
	t.Parallel()

	evalCtx := account{
		baseAccount: baseAccount{Plan: "pro", Region: "inner"},
		Region:      "outer",
		Tier:        3,
		Hidden:      "nope",
		secret:      "nope",
	}

	scope, mode, err := Binder{}.Bind(&evalCtx)
	require.NoError(t, err)
	assert.Equal(t, ReflectiveProjection, mode)
	assert.Equal(t, Scope{"Plan": "pro", "Region": "outer", "tier": 3}, scope)
}

func TestBindReflectiveSkipsUnreadablePromotedFields(t *testing.T) {
	t.Parallel()

	scope, _, err := Binder{}.Bind(withPointer{Name: "acme"})
	require.NoError(t, err)
	assert.Equal(t, Scope{"Name": "acme"}, scope)
}

func TestBindReflectiveLastWriteWins(t *testing.T) {
	t.Parallel()

	scope, _, err := Binder{}.Bind(collision{First: "a", Second: "b"})
	require.NoError(t, err)
	assert.Equal(t, Scope{"x": "b"}, scope)

	scope, _, err = Binder{}.Bind(requestContext{user: "alice", beta: true})
	require.NoError(t, err)
	assert.Equal(t, Scope{"user": "override", "beta": true}, scope)
}

func TestBindNilContext(t *testing.T) {
	t.Parallel()

	scope, mode, err := Binder{}.Bind(nil)
	require.NoError(t, err)
	assert.Equal(t, ReflectiveProjection, mode)
	assert.Empty(t, scope)
}

func TestBindUnbindableContext(t *testing.T) {
	t.Parallel()

	for name, evalCtx := range map[string]any{
		"int":         42,
		"slice":       []string{"a"},
		"nil pointer": (*account)(nil),
		"int map":     map[int]string{1: "a"},
	} {
		_, _, err := Binder{}.Bind(evalCtx)
		require.ErrorIs(t, err, ErrUnbindableContext, name)
	}
}

func TestFieldName(t *testing.T) {
	t.Parallel()

	typ := reflect.TypeOf(account{})
	tests := []struct {
		field  string
		want   string
		wantOK bool
	}{
		{"Region", "Region", true},
		{"Tier", "tier", true},
		{"Hidden", "", false},
		{"secret", "", false},
	}

	for _, tt := range tests {
		sf, ok := typ.FieldByName(tt.field)
		require.True(t, ok, tt.field)
		name, ok := FieldName(sf)
		assert.Equal(t, tt.wantOK, ok, tt.field)
		assert.Equal(t, tt.want, name, tt.field)
	}
}
