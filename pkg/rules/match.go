package rules

import (
	"path"
	"strings"

	"github.com/grokify/mediasniff/pkg/mediatype"
)

// Candidate is one rule that matched the input.
type Candidate struct {
	// Type is the canonical type the rule is bound to.
	Type mediatype.MediaType `json:"type"`
	// Rule identifies the matching rule, e.g. "application/gzip magic[0]".
	Rule string `json:"rule"`
	// Priority is the signature priority or glob weight.
	Priority int `json:"priority"`
	// Literal is the number of literal bytes (or characters) the rule matched.
	Literal int `json:"literal"`
	// Order is the rule's position in configuration order.
	Order int `json:"order"`
}

// MatchSignatures evaluates every signature rule, in configuration order,
// against the leading bytes of a stream. Only the first Lookahead() bytes are
// examined. The result is empty when nothing matches.
func (r *Repository) MatchSignatures(buf []byte) []Candidate {
	if len(buf) > r.lookahead {
		buf = buf[:r.lookahead]
	}
	if len(buf) == 0 {
		return nil
	}

	var out []Candidate
	for _, sig := range r.signatures {
		ok, literal := sig.match(buf)
		if !ok {
			continue
		}
		out = append(out, Candidate{
			Type:     sig.entry.mt,
			Rule:     sig.id,
			Priority: sig.priority,
			Literal:  literal,
			Order:    sig.order,
		})
	}
	return out
}

// MatchFilename evaluates the glob rules against the base name of filename.
func (r *Repository) MatchFilename(filename string) []Candidate {
	name := baseName(filename)
	if name == "" {
		return nil
	}
	lower := strings.ToLower(name)

	var out []Candidate
	for _, g := range r.globs {
		subject := lower
		if g.caseSensitive {
			subject = name
		}
		if !g.matcher.Match(subject) {
			continue
		}
		out = append(out, Candidate{
			Type:     g.entry.mt,
			Rule:     g.id,
			Priority: g.weight,
			Literal:  g.literal,
			Order:    g.order,
		})
	}
	return out
}

// baseName strips directories using either separator.
func baseName(filename string) string {
	filename = strings.TrimSpace(filename)
	if filename == "" {
		return ""
	}
	filename = strings.ReplaceAll(filename, `\`, "/")
	base := path.Base(filename)
	if base == "." || base == "/" {
		return ""
	}
	return base
}
