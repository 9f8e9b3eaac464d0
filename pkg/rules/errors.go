package rules

import (
	"errors"
	"fmt"
)

// ErrConfig matches every *ConfigError via errors.Is.
var ErrConfig = errors.New("rules: configuration error")

// ErrConflictingSources is wrapped by the ConfigError returned when both an
// inline rule set and a rule-set file are supplied.
var ErrConflictingSources = errors.New("inline rule set and rule-set file are mutually exclusive")

// ConfigError reports a malformed or ambiguous rule-set configuration.
// Rule identifies the offending rule (e.g. "image/png magic[0]") when known.
type ConfigError struct {
	Rule   string
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	msg := e.Reason
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = fmt.Sprintf("%s: %v", msg, e.Err)
		}
	}
	if e.Rule != "" {
		return fmt.Sprintf("rules: %s: %s", e.Rule, msg)
	}
	return "rules: " + msg
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrConfig) true for any ConfigError.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}

func configErrorf(rule, format string, args ...any) *ConfigError {
	return &ConfigError{Rule: rule, Reason: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err is or wraps a ConfigError.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrConfig)
}
