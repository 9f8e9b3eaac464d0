package rules

import (
	"os"
	"strings"
)

// Source selects where a rule set comes from. The zero value selects the
// built-in default rule set. At most one of Inline and Path may be set; an
// override replaces the defaults entirely.
type Source struct {
	// Inline is a rule-set document given as text.
	Inline string `yaml:"inline,omitempty" json:"inline,omitempty"`
	// Path is the path of a rule-set document on disk.
	Path string `yaml:"file,omitempty" json:"file,omitempty"`
}

const (
	sourceDefault = "default"
	sourceInline  = "inline"
)

// InlineSource returns a Source for rule-set text.
func InlineSource(text string) Source {
	return Source{Inline: text}
}

// FileSource returns a Source for a rule-set file.
func FileSource(path string) Source {
	return Source{Path: path}
}

// IsDefault reports whether s selects the built-in rule set.
func (s Source) IsDefault() bool {
	return strings.TrimSpace(s.Inline) == "" && strings.TrimSpace(s.Path) == ""
}

// Validate checks that at most one source is given.
func (s Source) Validate() error {
	if strings.TrimSpace(s.Inline) != "" && strings.TrimSpace(s.Path) != "" {
		return &ConfigError{Reason: "ambiguous rule-set source", Err: ErrConflictingSources}
	}
	return nil
}

// String returns a short description of the source, safe for logs.
func (s Source) String() string {
	switch {
	case s.Validate() != nil:
		return "conflicting"
	case strings.TrimSpace(s.Path) != "":
		return "file:" + s.Path
	case strings.TrimSpace(s.Inline) != "":
		return sourceInline
	default:
		return sourceDefault
	}
}

// Load returns the rule-set document bytes for s.
func (s Source) Load() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	switch {
	case strings.TrimSpace(s.Path) != "":
		data, err := os.ReadFile(s.Path)
		if err != nil {
			return nil, &ConfigError{Rule: s.Path, Reason: "failed to read rule-set file", Err: err}
		}
		return data, nil
	case strings.TrimSpace(s.Inline) != "":
		return []byte(s.Inline), nil
	default:
		return DefaultRuleSet(), nil
	}
}
