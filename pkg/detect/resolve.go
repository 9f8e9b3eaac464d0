package detect

import (
	"github.com/grokify/mediasniff/pkg/mediatype"
	"github.com/grokify/mediasniff/pkg/rules"
)

// Method records which evidence decided a classification.
type Method string

const (
	// MethodSignature means the content matched a magic rule.
	MethodSignature Method = "signature"
	// MethodHint means no signature matched and a filename glob decided.
	MethodHint Method = "hint"
	// MethodDefault means nothing matched.
	MethodDefault Method = "default"
)

// Resolution is the outcome of merging signature and hint evidence.
type Resolution struct {
	Type      mediatype.MediaType
	Method    Method
	Winner    *rules.Candidate
	Ancestors []mediatype.MediaType
}

// Resolve picks one type from the candidates. Signature candidates, when
// present, decide alone and hints are ignored. Otherwise the strongest hint
// decides, and with no evidence at all the result is application/octet-stream.
func Resolve(repo *rules.Repository, signatures, hints []rules.Candidate) Resolution {
	signatures = canonicalize(repo, signatures)
	hints = canonicalize(repo, hints)

	var (
		winner *rules.Candidate
		method Method
	)
	switch {
	case len(signatures) > 0:
		winner = selectSignature(repo, signatures)
		method = MethodSignature
	case len(hints) > 0:
		winner = selectHint(hints)
		method = MethodHint
	}

	if winner == nil {
		return Resolution{
			Type:   mediatype.OctetStream,
			Method: MethodDefault,
		}
	}
	return Resolution{
		Type:      winner.Type,
		Method:    method,
		Winner:    winner,
		Ancestors: repo.Ancestors(winner.Type),
	}
}

func canonicalize(repo *rules.Repository, cands []rules.Candidate) []rules.Candidate {
	if len(cands) == 0 {
		return nil
	}
	out := make([]rules.Candidate, len(cands))
	for i, c := range cands {
		if mt, ok := repo.Canonical(c.Type); ok {
			c.Type = mt
		} else {
			c.Type = c.Type.WithoutParams()
		}
		out[i] = c
	}
	return out
}

// selectSignature applies, in order: highest priority, most specialized type
// in the hierarchy, longest literal match, earliest declaration.
func selectSignature(repo *rules.Repository, cands []rules.Candidate) *rules.Candidate {
	cands = keepMax(cands, func(c rules.Candidate) int { return c.Priority })
	cands = dropAncestors(repo, cands)
	cands = keepMax(cands, func(c rules.Candidate) int { return c.Literal })
	return earliest(cands)
}

// selectHint applies: highest weight, longest literal pattern, earliest declaration.
func selectHint(cands []rules.Candidate) *rules.Candidate {
	cands = keepMax(cands, func(c rules.Candidate) int { return c.Priority })
	cands = keepMax(cands, func(c rules.Candidate) int { return c.Literal })
	return earliest(cands)
}

func keepMax(cands []rules.Candidate, score func(rules.Candidate) int) []rules.Candidate {
	if len(cands) < 2 {
		return cands
	}
	best := score(cands[0])
	for _, c := range cands[1:] {
		best = max(best, score(c))
	}
	var out []rules.Candidate
	for _, c := range cands {
		if score(c) == best {
			out = append(out, c)
		}
	}
	return out
}

// dropAncestors removes candidates whose type is a strict ancestor of another
// candidate's type.
func dropAncestors(repo *rules.Repository, cands []rules.Candidate) []rules.Candidate {
	if len(cands) < 2 {
		return cands
	}
	var out []rules.Candidate
	for i, c := range cands {
		general := false
		for j, other := range cands {
			if i == j || other.Type.Equal(c.Type) {
				continue
			}
			if repo.IsA(other.Type, c.Type) {
				general = true
				break
			}
		}
		if !general {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return cands
	}
	return out
}

func earliest(cands []rules.Candidate) *rules.Candidate {
	if len(cands) == 0 {
		return nil
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if c.Order < best.Order {
			best = c
		}
	}
	return &best
}
