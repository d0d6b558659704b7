// Package celexpr runs rule scripts as CEL expressions.
//
// Expressions are parsed but not type checked, so scope entries resolve at
// evaluation time and one compiled program serves every context shape. The
// programs live in a bounded LRU cache keyed by expression.
//
// Structs anywhere in the scope, including inside maps and slices, are
// converted to maps keyed the way rules.FieldName names them: the script tag
// when present, otherwise the Go field name. json tags are ignored.
//
//	ctx.plan == "pro" && ctx.seats >= 10
package celexpr

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/cel-go/cel"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/liamcoop/featurerules/rules"
)

// Name is the registry name of the engine
const Name = "cel"

// DefaultCostLimit bounds evaluation cost to stop runaway expressions
const DefaultCostLimit = 1000000

// DefaultProgramCacheSize is the number of compiled expressions kept
const DefaultProgramCacheSize = 4096

// maxDepth bounds how deep scope values are converted
const maxDepth = 32

var timeType = reflect.TypeOf(time.Time{})

// Options tune the engine
type Options struct {
	// CostLimit bounds evaluation cost; 0 uses DefaultCostLimit
	CostLimit uint64
	// ProgramCacheSize caps cached programs; 0 uses DefaultProgramCacheSize
	ProgramCacheSize int
}

// Engine is a rules.ScriptEngine backed by cel-go
type Engine struct {
	costLimit uint64
	programs  *lru.Cache[string, cel.Program] // expression -> compiled program
}

// New creates a CEL engine
func New(opts Options) *Engine {
	if opts.CostLimit == 0 {
		opts.CostLimit = DefaultCostLimit
	}
	if opts.ProgramCacheSize <= 0 {
		opts.ProgramCacheSize = DefaultProgramCacheSize
	}
	programs, err := lru.New[string, cel.Program](opts.ProgramCacheSize)
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	return &Engine{
		costLimit: opts.CostLimit,
		programs:  programs,
	}
}

// Factory returns a rules.EngineFactory for an engine with default options
func Factory() rules.EngineFactory {
	return func() (rules.ScriptEngine, error) {
		return New(Options{}), nil
	}
}

// Register adds the engine to r under Name
func Register(r *rules.Registry) error {
	return r.Register(Name, Factory())
}

func (e *Engine) Name() string {
	return Name
}

// CachedPrograms returns the number of compiled programs held
func (e *Engine) CachedPrograms() int {
	return e.programs.Len()
}

// Run compiles (or reuses) the program for expression and evaluates it with
// scope as its activation
func (e *Engine) Run(ctx context.Context, scope rules.Scope, expression string) (rules.Value, error) {
	prog, err := e.program(expression)
	if err != nil {
		return rules.OtherValue(), err
	}

	activation := make(map[string]any, len(scope))
	for name, value := range scope {
		v, err := normalize(reflect.ValueOf(value), 0)
		if err != nil {
			return rules.OtherValue(), fmt.Errorf("bind %q: %w", name, err)
		}
		activation[name] = v
	}

	out, _, err := prog.ContextEval(ctx, activation)
	if err != nil {
		return rules.OtherValue(), fmt.Errorf("eval error: %w", err)
	}
	return rules.ValueOf(out.Value()), nil
}

func (e *Engine) program(expression string) (cel.Program, error) {
	if prog, ok := e.programs.Get(expression); ok {
		return prog, nil
	}

	env, err := cel.NewEnv(cel.CrossTypeNumericComparisons(true))
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Parse(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}

	prog, err := env.Program(ast,
		cel.CostLimit(e.costLimit),
		cel.InterruptCheckFrequency(100),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	e.programs.Add(expression, prog)
	return prog, nil
}

var errTooDeep = errors.New("value nested too deeply")

// normalize converts rv into values CEL can select on. Structs become maps,
// maps and slices are converted element by element, and everything else
// passes through unchanged.
func normalize(rv reflect.Value, depth int) (any, error) {
	if depth > maxDepth {
		return nil, errTooDeep
	}
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, nil
		}
		rv = rv.Elem()
	}
	if !rv.IsValid() {
		return nil, nil
	}

	switch rv.Kind() {
	case reflect.Struct:
		if rv.Type() == timeType {
			return rv.Interface(), nil
		}
		m := make(map[string]any, rv.NumField())
		for _, sf := range reflect.VisibleFields(rv.Type()) {
			if sf.Anonymous {
				continue
			}
			name, ok := rules.FieldName(sf)
			if !ok {
				continue
			}
			// Promoted fields behind a nil embedded pointer are not readable
			fv, err := rv.FieldByIndexErr(sf.Index)
			if err != nil {
				continue
			}
			v, err := normalize(fv, depth+1)
			if err != nil {
				return nil, err
			}
			m[name] = v
		}
		return m, nil

	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			m := make(map[string]any, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				v, err := normalize(iter.Value(), depth+1)
				if err != nil {
					return nil, err
				}
				m[iter.Key().String()] = v
			}
			return m, nil
		}
		m := make(map[any]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			v, err := normalize(iter.Value(), depth+1)
			if err != nil {
				return nil, err
			}
			m[iter.Key().Interface()] = v
		}
		return m, nil

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			return rv.Bytes(), nil
		}
		list := make([]any, rv.Len())
		for i := range list {
			v, err := normalize(rv.Index(i), depth+1)
			if err != nil {
				return nil, err
			}
			list[i] = v
		}
		return list, nil
	}

	return rv.Interface(), nil
}
