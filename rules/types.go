package rules

import "time"

// Rule is a stored feature rule. Name is the feature name and Expression the
// script that decides whether it is enabled.
type Rule struct {
	ID         string
	Name       string
	Expression string
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RuleSet maps feature names to rule scripts
type RuleSet map[string]string

// Clone returns an independent copy of the rule set
func (rs RuleSet) Clone() RuleSet {
	out := make(RuleSet, len(rs))
	for k, v := range rs {
		out[k] = v
	}
	return out
}

// Outcome classifies how an evaluation was decided
type Outcome string

const (
	OutcomeEnabled      Outcome = "enabled"
	OutcomeDisabled     Outcome = "disabled"
	OutcomeRuleNotFound Outcome = "rule_not_found"
	OutcomeScriptError  Outcome = "script_error"
)

// EvaluationResult contains the outcome of evaluating one feature
type EvaluationResult struct {
	Feature  string
	Enabled  bool
	Outcome  Outcome
	Mode     BindingMode
	Fault    *ScriptFault
	Duration time.Duration
}
