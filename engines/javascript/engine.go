// Package javascript runs rule scripts as ECMAScript using goja.
//
// Every Run creates a fresh runtime, so an Engine holds no interpreter state
// between evaluations and is safe for concurrent use. The completion value of
// the script is the rule result. Struct fields are exposed under
// rules.FieldName, the same names the binder projects:
//
//	ctx.plan == 'pro'
//	user.Age >= 18 && country === 'CA'
package javascript

import (
	"context"
	"fmt"
	"reflect"

	"github.com/dop251/goja"

	"github.com/liamcoop/featurerules/rules"
)

// Name is the registry name of the engine
const Name = "javascript"

// Options tune the runtime created for each script
type Options struct {
	// MaxCallStackSize limits recursion depth; 0 keeps the goja default
	MaxCallStackSize int
}

// Engine is a rules.ScriptEngine backed by goja
type Engine struct {
	opts Options
}

// New creates an engine with the given options
func New(opts Options) *Engine {
	return &Engine{opts: opts}
}

// Factory returns a rules.EngineFactory for the default engine
func Factory() rules.EngineFactory {
	return func() (rules.ScriptEngine, error) {
		return New(Options{}), nil
	}
}

// Register adds the engine to r under Name and the "js" alias
func Register(r *rules.Registry) error {
	if err := r.Register(Name, Factory()); err != nil {
		return err
	}
	return r.Register("js", Factory())
}

func (e *Engine) Name() string {
	return Name
}

// Run executes script with scope bound as global variables.
// Thrown exceptions, syntax errors and cancellation are returned as errors.
func (e *Engine) Run(ctx context.Context, scope rules.Scope, script string) (rules.Value, error) {
	if err := ctx.Err(); err != nil {
		return rules.OtherValue(), err
	}

	vm := goja.New()
	vm.SetFieldNameMapper(fieldNames{})
	if e.opts.MaxCallStackSize > 0 {
		vm.SetMaxCallStackSize(e.opts.MaxCallStackSize)
	}

	for name, value := range scope {
		if err := vm.Set(name, value); err != nil {
			return rules.OtherValue(), fmt.Errorf("bind %q: %w", name, err)
		}
	}

	if ctx.Done() != nil {
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				vm.Interrupt(ctx.Err())
			case <-done:
			}
		}()
	}

	result, err := vm.RunString(script)
	if err != nil {
		return rules.OtherValue(), err
	}
	return toValue(result), nil
}

// fieldNames maps struct members to script names; "" hides a field
type fieldNames struct{}

func (fieldNames) FieldName(_ reflect.Type, f reflect.StructField) string {
	name, ok := rules.FieldName(f)
	if !ok {
		return ""
	}
	return name
}

func (fieldNames) MethodName(_ reflect.Type, m reflect.Method) string {
	return m.Name
}

func toValue(v goja.Value) rules.Value {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return rules.OtherValue()
	}
	return rules.ValueOf(v.Export())
}
