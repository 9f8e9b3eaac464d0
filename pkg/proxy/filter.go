package proxy

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gobwas/glob"
)

// Filter selects which proxied responses are classified. Responses that do
// not match pass through untouched and are not journaled.
type Filter struct {
	// IncludeHosts is a list of hosts to include (supports wildcards)
	IncludeHosts []string
	// ExcludeHosts is a list of hosts to exclude (supports wildcards)
	ExcludeHosts []string
	// IncludePaths is a list of path patterns to include (supports wildcards)
	IncludePaths []string
	// ExcludePaths is a list of path patterns to exclude (supports wildcards)
	ExcludePaths []string
	// IncludeMethods is a list of HTTP methods to include
	IncludeMethods []string
	// ExcludeMethods is a list of HTTP methods to exclude
	ExcludeMethods []string
	// MinStatusCode and MaxStatusCode bound the response status
	MinStatusCode int
	MaxStatusCode int

	includeHosts []glob.Glob
	excludeHosts []glob.Glob
	includePaths []glob.Glob
	excludePaths []glob.Glob
}

// NewFilter creates a filter that matches everything.
func NewFilter() *Filter {
	return &Filter{
		MinStatusCode: 0,
		MaxStatusCode: 999,
	}
}

// Compile compiles the wildcard patterns. It must be called before matching.
// '*' matches any run of characters, including dots and slashes.
func (f *Filter) Compile() error {
	for _, set := range []struct {
		name     string
		patterns []string
		fold     bool
		dst      *[]glob.Glob
	}{
		{"include host", f.IncludeHosts, true, &f.includeHosts},
		{"exclude host", f.ExcludeHosts, true, &f.excludeHosts},
		{"include path", f.IncludePaths, false, &f.includePaths},
		{"exclude path", f.ExcludePaths, false, &f.excludePaths},
	} {
		globs := make([]glob.Glob, 0, len(set.patterns))
		for _, p := range set.patterns {
			if set.fold {
				p = strings.ToLower(p)
			}
			g, err := glob.Compile(p)
			if err != nil {
				return fmt.Errorf("invalid %s pattern %q: %w", set.name, p, err)
			}
			globs = append(globs, g)
		}
		*set.dst = globs
	}
	return nil
}

// MatchRequest checks if a request matches the filter criteria.
func (f *Filter) MatchRequest(host, path, method string) bool {
	host = strings.ToLower(host)
	return matchSets(f.includeHosts, f.excludeHosts, host) &&
		matchSets(f.includePaths, f.excludePaths, path) &&
		f.matchMethod(method)
}

// MatchResponse checks if a response status matches the filter criteria.
func (f *Filter) MatchResponse(statusCode int) bool {
	return statusCode >= f.MinStatusCode && statusCode <= f.MaxStatusCode
}

// matchSets requires a match in include (when non-empty) and none in exclude.
func matchSets(include, exclude []glob.Glob, s string) bool {
	if len(include) > 0 && !anyMatch(include, s) {
		return false
	}
	return !anyMatch(exclude, s)
}

func anyMatch(globs []glob.Glob, s string) bool {
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}

func (f *Filter) matchMethod(method string) bool {
	same := func(m string) bool { return strings.EqualFold(m, method) }
	if len(f.IncludeMethods) > 0 && !slices.ContainsFunc(f.IncludeMethods, same) {
		return false
	}
	return !slices.ContainsFunc(f.ExcludeMethods, same)
}
