package rules

import (
	"bytes"
	"errors"
	"io"

	"gopkg.in/yaml.v3"
)

// RuleSet is the document form of a rule set. Types are evaluated in
// declaration order, which is also the last tie-breaker between equally
// specific signatures.
type RuleSet struct {
	Types []TypeDef `yaml:"types"`
}

// TypeDef declares one canonical media type and the rules bound to it.
type TypeDef struct {
	// Type is the canonical media type, e.g. "application/gzip".
	Type string `yaml:"type"`
	// Parent is the type this one specializes (optional).
	Parent string `yaml:"parent,omitempty"`
	// Aliases are deprecated or alternate names resolving to Type.
	Aliases []string `yaml:"aliases,omitempty"`
	// Extensions lists known filename extensions; the first is preferred.
	Extensions []string `yaml:"extensions,omitempty"`
	// Globs are filename patterns used as hints.
	Globs []GlobDef `yaml:"globs,omitempty"`
	// Magic are the content signatures.
	Magic []MagicDef `yaml:"magic,omitempty"`
	// Comment is a human readable description.
	Comment string `yaml:"comment,omitempty"`
}

// GlobDef is a filename pattern. In YAML it may be a plain string.
type GlobDef struct {
	Pattern       string `yaml:"pattern"`
	Weight        int    `yaml:"weight,omitempty"`
	CaseSensitive bool   `yaml:"caseSensitive,omitempty"`
}

// UnmarshalYAML accepts either a scalar pattern or a mapping.
func (g *GlobDef) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&g.Pattern)
	}
	type plain GlobDef
	return node.Decode((*plain)(g))
}

// MarshalYAML writes plain patterns as scalars.
func (g GlobDef) MarshalYAML() (any, error) {
	if g.Weight == 0 && !g.CaseSensitive {
		return g.Pattern, nil
	}
	type plain GlobDef
	return plain(g), nil
}

// MagicDef is a content signature. All patterns must match. A single pattern
// may be written inline on the rule instead of under Patterns.
type MagicDef struct {
	// Priority ranks this rule against other matching rules (1-100, default 50).
	Priority int `yaml:"priority,omitempty"`

	PatternDef `yaml:",inline"`

	Patterns []PatternDef `yaml:"patterns,omitempty"`

	// Zip adds a bounded probe into the local file headers of a ZIP container.
	Zip *ZipDef `yaml:"zip,omitempty"`
}

// PatternDef is one byte pattern. Exactly one of Hex and String is set.
type PatternDef struct {
	Hex    string `yaml:"hex,omitempty"`
	String string `yaml:"string,omitempty"`
	// Mask is a hex mask of the same length as the pattern.
	Mask   string `yaml:"mask,omitempty"`
	Offset int    `yaml:"offset,omitempty"`
	// Window lets the pattern start anywhere in [Offset, Offset+Window].
	Window int `yaml:"window,omitempty"`
}

func (p PatternDef) isZero() bool {
	return p == PatternDef{}
}

// ZipDef matches ZIP-based formats by entry names or by a leading stored
// "mimetype" entry (ODF, EPUB).
type ZipDef struct {
	// Entries match any local file header whose name has one of these prefixes.
	Entries []string `yaml:"entries,omitempty"`
	// Mimetype is the expected content of a leading "mimetype" entry.
	Mimetype string `yaml:"mimetype,omitempty"`
	// Limit bounds how many bytes are inspected (default 16 KiB).
	Limit int `yaml:"limit,omitempty"`
}

// Parse decodes a rule-set document. Unknown fields are rejected.
func Parse(data []byte) (*RuleSet, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	rs := &RuleSet{}
	if err := dec.Decode(rs); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ConfigError{Reason: "rule set is empty"}
		}
		return nil, &ConfigError{Reason: "failed to parse rule set", Err: err}
	}
	if len(rs.Types) == 0 {
		return nil, &ConfigError{Reason: "rule set declares no types"}
	}
	return rs, nil
}

// Marshal encodes the rule set as YAML.
func (rs *RuleSet) Marshal() ([]byte, error) {
	return yaml.Marshal(rs)
}
