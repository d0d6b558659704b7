// Package rulesfile loads feature rules from a YAML document and keeps an
// evaluator in sync with the file on disk.
//
// The document looks like:
//
//	contextVariable: ctx
//	engine: javascript
//	rules:
//	  beta: "ctx.plan == 'pro'"
//	  dark-mode: "ctx.beta === true"
package rulesfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/liamcoop/featurerules/rules"
)

// File is the decoded rules document
type File struct {
	ContextVariable string            `yaml:"contextVariable"`
	Engine          string            `yaml:"engine"`
	Rules           map[string]string `yaml:"rules"`
}

// Load reads and validates the rules file at path
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file %q: %w", path, err)
	}

	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("rules file %q: %w", path, err)
	}
	return f, nil
}

// Parse decodes a rules document. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks that every rule has a name and a script
func (f *File) Validate() error {
	for name, script := range f.Rules {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("rule with empty feature name")
		}
		if strings.TrimSpace(script) == "" {
			return fmt.Errorf("rule %q has an empty script", name)
		}
	}
	return nil
}

// RuleSet returns the rules of the file
func (f *File) RuleSet() rules.RuleSet {
	return rules.RuleSet(f.Rules).Clone()
}

// Apply overlays the file's binding and engine settings on base
func (f *File) Apply(base rules.Config) rules.Config {
	if f.ContextVariable != "" {
		base.ContextVariableName = f.ContextVariable
	}
	if f.Engine != "" {
		base.EngineName = f.Engine
	}
	return base
}
