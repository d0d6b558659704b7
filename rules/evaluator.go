package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Evaluator decides whether features are enabled by running their rule
// scripts against an evaluation context.
//
// The rule set and configuration are fixed at construction, so an Evaluator
// is safe for concurrent use as long as its engine is.
type Evaluator struct {
	rules    RuleSet
	binder   Binder
	engine   ScriptEngine
	notFound func(string) bool
	onFault  func(*ScriptFault) bool
	logger   *slog.Logger
	observer Observer
}

// NewEvaluator resolves the script engine and returns an evaluator for
// ruleSet. Engine resolution failures wrap ErrEngineResolution.
func NewEvaluator(ruleSet RuleSet, cfg Config) (*Evaluator, error) {
	cfg = cfg.withDefaults()

	engine := cfg.Engine
	if engine == nil {
		var err error
		engine, err = cfg.Registry.Resolve(cfg.EngineName)
		if err != nil {
			return nil, err
		}
	}

	return &Evaluator{
		rules:    ruleSet.Clone(),
		binder:   Binder{VariableName: cfg.ContextVariableName},
		engine:   engine,
		notFound: cfg.OnRuleNotFound,
		onFault:  cfg.OnScriptError,
		logger:   cfg.Logger.With("engine", engine.Name()),
		observer: cfg.Observer,
	}, nil
}

// EngineName returns the name of the resolved script engine
func (e *Evaluator) EngineName() string {
	return e.engine.Name()
}

// Features returns the feature names that have rules, sorted
func (e *Evaluator) Features() []string {
	names := make([]string, 0, len(e.rules))
	for name := range e.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Evaluate reports whether feature is enabled for evalCtx.
// Missing rules and failing scripts are resolved through the configured
// policies; the error is only set when evalCtx cannot be bound.
func (e *Evaluator) Evaluate(feature string, evalCtx any) (bool, error) {
	return e.EvaluateContext(context.Background(), feature, evalCtx)
}

// EvaluateContext is Evaluate with a context passed to the script engine.
// Engines that support it stop the script when ctx is done, which surfaces
// as a script fault.
func (e *Evaluator) EvaluateContext(ctx context.Context, feature string, evalCtx any) (bool, error) {
	res, err := e.EvaluateDetailed(ctx, feature, evalCtx)
	if err != nil {
		return false, err
	}
	return res.Enabled, nil
}

// EvaluateDetailed evaluates feature and reports how the result was reached
func (e *Evaluator) EvaluateDetailed(ctx context.Context, feature string, evalCtx any) (*EvaluationResult, error) {
	start := time.Now()
	res := &EvaluationResult{
		Feature: feature,
		Mode:    e.binder.Mode(evalCtx),
	}

	script, ok := e.rules[feature]
	if !ok {
		res.Enabled = e.notFound(feature)
		res.Outcome = OutcomeRuleNotFound
		e.logger.Debug("rule not found", "feature", feature, "enabled", res.Enabled)
		return e.finish(res, start), nil
	}

	scope, mode, err := e.binder.Bind(evalCtx)
	if err != nil {
		return nil, fmt.Errorf("bind context for rule %q: %w", feature, err)
	}
	res.Mode = mode

	value, err := e.engine.Run(ctx, scope, script)
	if err != nil {
		fault := asScriptFault(err, feature, e.engine.Name())
		res.Fault = fault
		res.Enabled = e.onFault(fault)
		res.Outcome = OutcomeScriptError
		e.logger.Debug("rule script failed", "feature", feature, "error", fault.Err, "enabled", res.Enabled)
		if e.observer != nil {
			e.observer.ObserveScriptFault(fault)
		}
		return e.finish(res, start), nil
	}

	res.Enabled = Coerce(value)
	if res.Enabled {
		res.Outcome = OutcomeEnabled
	} else {
		res.Outcome = OutcomeDisabled
	}
	return e.finish(res, start), nil
}

func (e *Evaluator) finish(res *EvaluationResult, start time.Time) *EvaluationResult {
	res.Duration = time.Since(start)
	if e.observer != nil {
		e.observer.ObserveEvaluation(res.Feature, res.Outcome, res.Duration)
	}
	return res
}

// EvaluateAll evaluates every feature in the rule set for evalCtx.
// It continues past script faults, which resolve through the policy.
func (e *Evaluator) EvaluateAll(ctx context.Context, evalCtx any) ([]*EvaluationResult, error) {
	features := e.Features()
	results := make([]*EvaluationResult, 0, len(features))
	for _, feature := range features {
		res, err := e.EvaluateDetailed(ctx, feature, evalCtx)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Behavior returns a feature check bound to evalCtx, the shape feature-flag
// frameworks register per request. Binding errors are logged and the feature
// is reported as disabled.
func (e *Evaluator) Behavior(evalCtx any) func(feature string) bool {
	return func(feature string) bool {
		enabled, err := e.Evaluate(feature, evalCtx)
		if err != nil {
			e.logger.Error("feature evaluation failed", "feature", feature, "error", err)
			return false
		}
		return enabled
	}
}
