package rules

import (
	"log/slog"
	"time"
)

// Config controls how an Evaluator binds contexts, picks its script engine
// and resolves failures. It is read once by NewEvaluator.
type Config struct {
	// ContextVariableName binds the whole context under this name when set
	ContextVariableName string `yaml:"contextVariable" json:"contextVariable,omitempty"`

	// EngineName selects a registered engine; compared case-insensitively.
	// Empty selects the first engine in the registry.
	EngineName string `yaml:"engine" json:"engine,omitempty"`

	// OnRuleNotFound decides the result for features without a rule.
	// Defaults to false.
	OnRuleNotFound func(feature string) bool `yaml:"-" json:"-"`

	// OnScriptError decides the result when a rule script fails.
	// Defaults to false.
	OnScriptError func(fault *ScriptFault) bool `yaml:"-" json:"-"`

	// Engine is used as is and bypasses registry lookup
	Engine ScriptEngine `yaml:"-" json:"-"`

	// Registry to resolve EngineName from; DefaultRegistry when nil
	Registry *Registry `yaml:"-" json:"-"`

	Logger   *slog.Logger `yaml:"-" json:"-"`
	Observer Observer     `yaml:"-" json:"-"`
}

// Observer receives one notification per finished evaluation
type Observer interface {
	ObserveEvaluation(feature string, outcome Outcome, duration time.Duration)
	ObserveScriptFault(fault *ScriptFault)
}

// Always returns a rule-not-found policy with a fixed answer
func Always(enabled bool) func(string) bool {
	return func(string) bool { return enabled }
}

// AlwaysOnFault returns a script-error policy with a fixed answer
func AlwaysOnFault(enabled bool) func(*ScriptFault) bool {
	return func(*ScriptFault) bool { return enabled }
}

func (c Config) withDefaults() Config {
	if c.OnRuleNotFound == nil {
		c.OnRuleNotFound = Always(false)
	}
	if c.OnScriptError == nil {
		c.OnScriptError = AlwaysOnFault(false)
	}
	if c.Registry == nil {
		c.Registry = DefaultRegistry
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
