package rules

import (
	_ "embed"
	"sync"
)

//go:embed default.yaml
var defaultRuleSet []byte

var (
	defaultOnce sync.Once
	defaultRepo *Repository
	defaultErr  error
)

// DefaultRuleSet returns a copy of the built-in rule-set document.
func DefaultRuleSet() []byte {
	return append([]byte(nil), defaultRuleSet...)
}

// Default returns the repository compiled from the built-in rule set. It is
// compiled on first use and shared afterwards.
func Default() (*Repository, error) {
	defaultOnce.Do(func() {
		defaultRepo, defaultErr = Compile(defaultRuleSet)
		if defaultRepo != nil {
			defaultRepo.source = sourceDefault
		}
	})
	return defaultRepo, defaultErr
}
