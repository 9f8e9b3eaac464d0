package rules

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/gobwas/glob"

	"github.com/grokify/mediasniff/pkg/mediatype"
)

const (
	// DefaultPriority is used for magic rules without an explicit priority.
	DefaultPriority = 50
	// DefaultGlobWeight is used for glob rules without an explicit weight.
	DefaultGlobWeight = 50

	maxPriority = 100
)

// Build loads and compiles the rule set selected by src. Supplying both an
// inline rule set and a file path fails before anything is read. The default
// source returns the shared repository from Default.
func Build(src Source) (*Repository, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}
	if src.IsDefault() {
		return Default()
	}
	data, err := src.Load()
	if err != nil {
		return nil, err
	}
	repo, err := Compile(data)
	if err != nil {
		return nil, err
	}
	repo.source = src.String()
	return repo, nil
}

// Compile parses and compiles a rule-set document.
func Compile(data []byte) (*Repository, error) {
	rs, err := Parse(data)
	if err != nil {
		return nil, err
	}
	repo, err := compile(rs)
	if err != nil {
		return nil, err
	}
	repo.fingerprint = fingerprint(data)
	repo.source = sourceInline
	return repo, nil
}

// FromRuleSet compiles an already decoded rule set.
func FromRuleSet(rs *RuleSet) (*Repository, error) {
	if rs == nil || len(rs.Types) == 0 {
		return nil, &ConfigError{Reason: "rule set declares no types"}
	}
	data, err := rs.Marshal()
	if err != nil {
		return nil, &ConfigError{Reason: "failed to encode rule set", Err: err}
	}
	repo, err := compile(rs)
	if err != nil {
		return nil, err
	}
	repo.fingerprint = fingerprint(data)
	repo.source = "ruleset"
	return repo, nil
}

// Fingerprint identifies a rule-set document by content.
func Fingerprint(data []byte) string {
	return fmt.Sprintf("%016x", fingerprint(data))
}

func fingerprint(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// compile validates rs and builds the repository. Nothing is returned unless
// every rule compiles.
func compile(rs *RuleSet) (*Repository, error) {
	repo := &Repository{
		byKey:   make(map[string]*typeEntry, len(rs.Types)),
		aliases: make(map[string]*typeEntry),
	}

	// Canonical types first so that parents and aliases may refer forward.
	for i, td := range rs.Types {
		id := fmt.Sprintf("types[%d]", i)
		mt, err := mediatype.Parse(td.Type)
		if err != nil {
			return nil, &ConfigError{Rule: id, Reason: "invalid type", Err: err}
		}
		mt = mt.WithoutParams()
		if _, dup := repo.byKey[mt.Key()]; dup {
			return nil, configErrorf(mt.Key(), "duplicate type definition")
		}
		entry := &typeEntry{mt: mt, order: i, comment: td.Comment}
		repo.byKey[mt.Key()] = entry
		repo.types = append(repo.types, entry)
	}

	for i, td := range rs.Types {
		entry := repo.types[i]
		for _, a := range td.Aliases {
			alias, err := mediatype.Parse(a)
			if err != nil {
				return nil, &ConfigError{Rule: entry.mt.Key() + " alias", Reason: "invalid alias", Err: err}
			}
			key := alias.Key()
			if _, isType := repo.byKey[key]; isType {
				return nil, configErrorf(entry.mt.Key(), "alias %q is also declared as a type", key)
			}
			if prev, dup := repo.aliases[key]; dup && prev != entry {
				return nil, configErrorf(entry.mt.Key(), "alias %q already belongs to %s", key, prev.mt.Key())
			}
			repo.aliases[key] = entry
			entry.aliases = append(entry.aliases, alias.WithoutParams())
		}
	}

	for i, td := range rs.Types {
		entry := repo.types[i]
		if strings.TrimSpace(td.Parent) == "" {
			continue
		}
		parent, ok := repo.resolve(td.Parent)
		if !ok {
			return nil, configErrorf(entry.mt.Key(), "unknown parent type %q", td.Parent)
		}
		entry.parent = parent
	}
	if err := repo.checkHierarchy(); err != nil {
		return nil, err
	}

	for i, td := range rs.Types {
		entry := repo.types[i]
		for _, ext := range td.Extensions {
			norm, err := normalizeExtension(ext)
			if err != nil {
				return nil, &ConfigError{Rule: entry.mt.Key() + " extensions", Reason: err.Error()}
			}
			entry.extensions = append(entry.extensions, norm)
		}

		for j, gd := range td.Globs {
			id := fmt.Sprintf("%s glob[%d]", entry.mt.Key(), j)
			g, err := compileGlob(gd)
			if err != nil {
				return nil, &ConfigError{Rule: id, Reason: "invalid glob", Err: err}
			}
			g.id = id
			g.entry = entry
			g.order = len(repo.globs)
			entry.globs = append(entry.globs, gd.Pattern)
			repo.globs = append(repo.globs, g)
		}

		for j, md := range td.Magic {
			id := fmt.Sprintf("%s magic[%d]", entry.mt.Key(), j)
			sig, err := compileSignature(md)
			if err != nil {
				return nil, &ConfigError{Rule: id, Reason: "invalid signature", Err: err}
			}
			sig.id = id
			sig.entry = entry
			sig.order = len(repo.signatures)
			entry.signatures++
			repo.signatures = append(repo.signatures, sig)
			if ext := sig.extent(); ext > repo.lookahead {
				repo.lookahead = ext
			}
		}
	}

	return repo, nil
}

// checkHierarchy rejects parent cycles.
func (r *Repository) checkHierarchy() error {
	for _, entry := range r.types {
		seen := map[*typeEntry]bool{entry: true}
		for p := entry.parent; p != nil; p = p.parent {
			if seen[p] {
				return configErrorf(entry.mt.Key(), "type hierarchy cycle through %s", p.mt.Key())
			}
			seen[p] = true
		}
	}
	return nil
}

func normalizeExtension(ext string) (string, error) {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" || ext == "." {
		return "", fmt.Errorf("empty extension")
	}
	if strings.ContainsAny(ext, `/\ `) {
		return "", fmt.Errorf("invalid extension %q", ext)
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext, nil
}

func compileGlob(def GlobDef) (*globRule, error) {
	if strings.TrimSpace(def.Pattern) == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	if def.Weight < 0 || def.Weight > maxPriority {
		return nil, fmt.Errorf("weight %d out of range 1-%d", def.Weight, maxPriority)
	}

	pattern := def.Pattern
	if !def.CaseSensitive {
		pattern = strings.ToLower(pattern)
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, err
	}

	weight := def.Weight
	if weight == 0 {
		weight = DefaultGlobWeight
	}

	return &globRule{
		pattern:       def.Pattern,
		matcher:       g,
		weight:        weight,
		literal:       globLiteral(def.Pattern),
		caseSensitive: def.CaseSensitive,
	}, nil
}

// globLiteral counts the characters of a pattern that are not glob syntax.
func globLiteral(pattern string) int {
	n := 0
	for _, r := range pattern {
		if !strings.ContainsRune(`*?[]{},!\`, r) {
			n++
		}
	}
	return n
}

func compileSignature(def MagicDef) (*signatureRule, error) {
	if def.Priority < 0 || def.Priority > maxPriority {
		return nil, fmt.Errorf("priority %d out of range 1-%d", def.Priority, maxPriority)
	}

	defs := def.Patterns
	if !def.PatternDef.isZero() {
		defs = append([]PatternDef{def.PatternDef}, defs...)
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("signature has no patterns")
	}

	sig := &signatureRule{priority: def.Priority}
	if sig.priority == 0 {
		sig.priority = DefaultPriority
	}

	for i, pd := range defs {
		p, err := compilePattern(pd)
		if err != nil {
			return nil, fmt.Errorf("pattern %d: %w", i, err)
		}
		sig.patterns = append(sig.patterns, p)
	}

	if def.Zip != nil {
		z, err := compileZipProbe(def.Zip)
		if err != nil {
			return nil, err
		}
		sig.zip = z
	}

	return sig, nil
}
