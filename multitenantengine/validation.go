package multitenantengine

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	maxIdentifierLength = 100
	maxFeatureLength    = 100
	maxExpressionLength = 10000
)

var (
	identifierPattern = regexp.MustCompile(`^[a-zA-Z_$][a-zA-Z0-9_$]*$`)
	engineNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)
	featurePattern    = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.:-]*$`)
)

// ValidateSettings checks that settings can be turned into an evaluator config
func ValidateSettings(settings Settings) error {
	if settings.ContextVariable != "" {
		if err := validateIdentifier(settings.ContextVariable); err != nil {
			return fmt.Errorf("invalid context variable %q: %w", settings.ContextVariable, err)
		}
	}

	if settings.Engine != "" && !engineNamePattern.MatchString(settings.Engine) {
		return fmt.Errorf("invalid engine name %q: must match %s", settings.Engine, engineNamePattern)
	}

	return nil
}

// ValidateFeatureName checks a feature name used as a rule name
func ValidateFeatureName(name string) error {
	if name == "" {
		return fmt.Errorf("feature name cannot be empty")
	}
	if len(name) > maxFeatureLength {
		return fmt.Errorf("feature name length %d exceeds maximum of %d characters", len(name), maxFeatureLength)
	}
	if !featurePattern.MatchString(name) {
		return fmt.Errorf("feature name %q must match %s", name, featurePattern)
	}
	return nil
}

// ValidateExpression checks a rule script before it is stored
func ValidateExpression(expression string) error {
	if strings.TrimSpace(expression) == "" {
		return fmt.Errorf("expression cannot be empty")
	}
	if len(expression) > maxExpressionLength {
		return fmt.Errorf("expression length %d exceeds maximum of %d characters", len(expression), maxExpressionLength)
	}
	return nil
}

// validateIdentifier checks a name that is bound into the script scope
func validateIdentifier(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > maxIdentifierLength {
		return fmt.Errorf("identifier length %d exceeds maximum of %d characters", len(name), maxIdentifierLength)
	}

	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("must match pattern %s (start with letter, underscore or $, followed by letters, digits, underscores or $)", identifierPattern)
	}

	if isReservedKeyword(name) {
		return fmt.Errorf("cannot use reserved keyword %q as identifier", name)
	}

	return nil
}

// reservedKeywords are reserved in ECMAScript or CEL
var reservedKeywords = map[string]bool{
	// literals
	"true": true, "false": true, "null": true, "undefined": true,
	"NaN": true, "Infinity": true,
	// control flow
	"if": true, "else": true, "for": true, "while": true, "do": true,
	"break": true, "continue": true, "return": true, "switch": true,
	"case": true, "default": true, "throw": true, "try": true,
	"catch": true, "finally": true, "with": true, "debugger": true,
	// declarations
	"var": true, "let": true, "const": true, "function": true,
	"class": true, "extends": true, "super": true, "this": true,
	"new": true, "delete": true, "typeof": true, "instanceof": true,
	"void": true, "yield": true, "await": true, "async": true,
	"enum": true, "export": true, "static": true,
	// CEL
	"in": true, "as": true, "import": true, "package": true,
	"namespace": true, "loop": true,
}

func isReservedKeyword(name string) bool {
	return reservedKeywords[name]
}
