// Package rules builds the immutable rule repository used for media type
// detection: magic byte signatures, ZIP container probes, filename globs,
// aliases, the type hierarchy and extension mappings.
//
// A Repository is compiled once from a Source and never mutated afterwards,
// so it can be shared by any number of goroutines without locking.
//
// Example:
//
//	repo, err := rules.Build(rules.Source{}) // built-in rule set
//	if err != nil {
//	    return err
//	}
//	candidates := repo.MatchSignatures(buf)
package rules

import (
	"fmt"

	"github.com/gobwas/glob"

	"github.com/grokify/mediasniff/pkg/mediatype"
)

// Repository is a compiled, read-only rule set.
type Repository struct {
	types      []*typeEntry
	byKey      map[string]*typeEntry
	aliases    map[string]*typeEntry
	signatures []*signatureRule
	globs      []*globRule

	lookahead   int
	fingerprint uint64
	source      string
}

type typeEntry struct {
	mt         mediatype.MediaType
	parent     *typeEntry
	aliases    []mediatype.MediaType
	extensions []string
	globs      []string
	signatures int
	comment    string
	order      int
}

type signatureRule struct {
	id       string
	entry    *typeEntry
	order    int
	priority int
	patterns []*pattern
	zip      *zipProbe
}

func (s *signatureRule) extent() int {
	n := 0
	for _, p := range s.patterns {
		n = max(n, p.extent())
	}
	if s.zip != nil {
		n = max(n, s.zip.limit)
	}
	return n
}

// match reports whether every pattern (and the container probe) matches and
// the number of literal bytes involved.
func (s *signatureRule) match(data []byte) (bool, int) {
	literal := 0
	for _, p := range s.patterns {
		if !p.match(data) {
			return false, 0
		}
		literal += p.literal()
	}
	if s.zip != nil {
		ok, n := s.zip.match(data)
		if !ok {
			return false, 0
		}
		literal += n
	}
	return true, literal
}

type globRule struct {
	id            string
	entry         *typeEntry
	order         int
	pattern       string
	matcher       glob.Glob
	weight        int
	literal       int
	caseSensitive bool
}

// TypeInfo describes a declared type.
type TypeInfo struct {
	Type       mediatype.MediaType   `json:"type"`
	Parent     *mediatype.MediaType  `json:"parent,omitempty"`
	Aliases    []mediatype.MediaType `json:"aliases,omitempty"`
	Extensions []string              `json:"extensions,omitempty"`
	Globs      []string              `json:"globs,omitempty"`
	Signatures int                   `json:"signatures"`
	Comment    string                `json:"comment,omitempty"`
}

// Lookahead returns how many leading bytes are needed to evaluate every signature.
func (r *Repository) Lookahead() int {
	return r.lookahead
}

// Fingerprint identifies the configuration the repository was built from.
func (r *Repository) Fingerprint() string {
	return fmt.Sprintf("%016x", r.fingerprint)
}

// Source describes where the rule set came from ("default", "inline", "file:...").
func (r *Repository) Source() string {
	return r.source
}

// Len returns the number of declared types.
func (r *Repository) Len() int {
	return len(r.types)
}

// SignatureCount returns the number of compiled magic rules.
func (r *Repository) SignatureCount() int {
	return len(r.signatures)
}

// GlobCount returns the number of compiled glob rules.
func (r *Repository) GlobCount() int {
	return len(r.globs)
}

// Types returns the declared types in declaration order.
func (r *Repository) Types() []mediatype.MediaType {
	out := make([]mediatype.MediaType, len(r.types))
	for i, e := range r.types {
		out[i] = e.mt
	}
	return out
}

// resolve finds the entry for a type name or alias.
func (r *Repository) resolve(name string) (*typeEntry, bool) {
	mt, err := mediatype.Parse(name)
	if err != nil {
		return nil, false
	}
	return r.entry(mt)
}

func (r *Repository) entry(mt mediatype.MediaType) (*typeEntry, bool) {
	key := mt.Key()
	if e, ok := r.byKey[key]; ok {
		return e, true
	}
	if e, ok := r.aliases[key]; ok {
		return e, true
	}
	return nil, false
}

// Canonical maps a type or alias to its canonical declared type.
func (r *Repository) Canonical(mt mediatype.MediaType) (mediatype.MediaType, bool) {
	e, ok := r.entry(mt)
	if !ok {
		return mt, false
	}
	return e.mt, true
}

// Lookup parses name and returns its canonical type.
func (r *Repository) Lookup(name string) (mediatype.MediaType, bool) {
	e, ok := r.resolve(name)
	if !ok {
		return mediatype.MediaType{}, false
	}
	return e.mt, true
}

// Parent returns the declared parent of mt.
func (r *Repository) Parent(mt mediatype.MediaType) (mediatype.MediaType, bool) {
	e, ok := r.entry(mt)
	if !ok || e.parent == nil {
		return mediatype.MediaType{}, false
	}
	return e.parent.mt, true
}

// Ancestors returns the fallback chain of mt, nearest first. The chain always
// ends with application/octet-stream unless mt is that type.
func (r *Repository) Ancestors(mt mediatype.MediaType) []mediatype.MediaType {
	var out []mediatype.MediaType
	if e, ok := r.entry(mt); ok {
		for p := e.parent; p != nil; p = p.parent {
			out = append(out, p.mt)
		}
	}
	if mt.Equal(mediatype.OctetStream) {
		return out
	}
	if len(out) == 0 || !out[len(out)-1].Equal(mediatype.OctetStream) {
		out = append(out, mediatype.OctetStream)
	}
	return out
}

// IsA reports whether child equals ancestor or specializes it. Every type is
// an application/octet-stream.
func (r *Repository) IsA(child, ancestor mediatype.MediaType) bool {
	if ancestor.Equal(mediatype.OctetStream) {
		return true
	}
	c, ok := r.entry(child)
	if !ok {
		return child.Equal(ancestor)
	}
	a, ok := r.entry(ancestor)
	if !ok {
		return false
	}
	for e := c; e != nil; e = e.parent {
		if e == a {
			return true
		}
	}
	return false
}

// Extensions returns the known extensions of mt, preferred first.
func (r *Repository) Extensions(mt mediatype.MediaType) []string {
	e, ok := r.entry(mt)
	if !ok || len(e.extensions) == 0 {
		return nil
	}
	return append([]string(nil), e.extensions...)
}

// PreferredExtension returns the first extension of mt, or "" if none is known.
func (r *Repository) PreferredExtension(mt mediatype.MediaType) string {
	e, ok := r.entry(mt)
	if !ok || len(e.extensions) == 0 {
		return ""
	}
	return e.extensions[0]
}

// Describe returns everything the repository knows about mt.
func (r *Repository) Describe(mt mediatype.MediaType) (TypeInfo, bool) {
	e, ok := r.entry(mt)
	if !ok {
		return TypeInfo{}, false
	}
	info := TypeInfo{
		Type:       e.mt,
		Aliases:    append([]mediatype.MediaType(nil), e.aliases...),
		Extensions: append([]string(nil), e.extensions...),
		Globs:      append([]string(nil), e.globs...),
		Signatures: e.signatures,
		Comment:    e.comment,
	}
	if e.parent != nil {
		p := e.parent.mt
		info.Parent = &p
	}
	return info, true
}
