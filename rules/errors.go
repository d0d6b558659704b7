package rules

import (
	"errors"
	"fmt"
)

var (
	// ErrEngineResolution is returned by NewEvaluator when no script engine
	// is configured or the named engine is not registered
	ErrEngineResolution = errors.New("script engine resolution failed")

	// ErrUnbindableContext is returned when an evaluation context cannot be
	// projected into a script scope
	ErrUnbindableContext = errors.New("evaluation context cannot be bound")
)

// ScriptFault describes a runtime failure while executing a rule script.
// It is handed to Config.OnScriptError and never returned from Evaluate.
type ScriptFault struct {
	Feature string
	Engine  string
	Err     error
}

func (f *ScriptFault) Error() string {
	if f.Feature == "" {
		return fmt.Sprintf("%s script error: %v", f.Engine, f.Err)
	}
	return fmt.Sprintf("%s script error in rule %q: %v", f.Engine, f.Feature, f.Err)
}

func (f *ScriptFault) Unwrap() error {
	return f.Err
}

// asScriptFault returns err as a fault, reusing it when the engine already
// produced a *ScriptFault so policies see the engine's value unchanged.
func asScriptFault(err error, feature, engine string) *ScriptFault {
	var fault *ScriptFault
	if errors.As(err, &fault) {
		return fault
	}
	return &ScriptFault{Feature: feature, Engine: engine, Err: err}
}
