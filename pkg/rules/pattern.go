package rules

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
)

// MaxLookahead caps how far into a stream any signature may reach.
const MaxLookahead = 1 << 20

// pattern is a compiled byte pattern.
type pattern struct {
	value  []byte
	mask   []byte // nil for exact comparison
	offset int
	window int
}

func compilePattern(def PatternDef) (*pattern, error) {
	hasHex := strings.TrimSpace(def.Hex) != ""
	hasString := def.String != ""

	switch {
	case hasHex && hasString:
		return nil, fmt.Errorf("pattern sets both hex and string")
	case !hasHex && !hasString:
		return nil, fmt.Errorf("pattern sets neither hex nor string")
	}

	p := &pattern{offset: def.Offset, window: def.Window}

	if hasHex {
		value, err := decodeHex(def.Hex)
		if err != nil {
			return nil, fmt.Errorf("invalid hex %q: %w", def.Hex, err)
		}
		p.value = value
	} else {
		p.value = []byte(def.String)
	}

	if len(p.value) == 0 {
		return nil, fmt.Errorf("pattern is empty")
	}

	if def.Mask != "" {
		mask, err := decodeHex(def.Mask)
		if err != nil {
			return nil, fmt.Errorf("invalid mask %q: %w", def.Mask, err)
		}
		if len(mask) != len(p.value) {
			return nil, fmt.Errorf("mask length %d does not match pattern length %d", len(mask), len(p.value))
		}
		p.mask = mask
	}

	if p.offset < 0 {
		return nil, fmt.Errorf("negative offset %d", p.offset)
	}
	if p.window < 0 {
		return nil, fmt.Errorf("negative window %d", p.window)
	}
	if p.extent() > MaxLookahead {
		return nil, fmt.Errorf("pattern reaches byte %d, beyond the %d byte look-ahead limit", p.extent(), MaxLookahead)
	}

	return p, nil
}

// decodeHex accepts "1f8b", "1F 8B", "0x1f8b" and "1f_8b".
func decodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.NewReplacer(" ", "", "_", "", "\t", "").Replace(s)
	if s == "" {
		return nil, fmt.Errorf("empty")
	}
	return hex.DecodeString(s)
}

// extent is the number of bytes needed to evaluate the pattern everywhere in its window.
func (p *pattern) extent() int {
	return p.offset + p.window + len(p.value)
}

// literal is the number of significant bytes in the pattern.
func (p *pattern) literal() int {
	if p.mask == nil {
		return len(p.value)
	}
	n := 0
	for _, m := range p.mask {
		if m != 0 {
			n++
		}
	}
	return n
}

// match reports whether the pattern occurs in data at any allowed position.
func (p *pattern) match(data []byte) bool {
	if p.offset+len(p.value) > len(data) {
		return false
	}

	if p.mask == nil {
		end := p.extent()
		if end > len(data) {
			end = len(data)
		}
		return bytes.Contains(data[p.offset:end], p.value)
	}

	last := p.offset + p.window
	for pos := p.offset; pos <= last && pos+len(p.value) <= len(data); pos++ {
		if p.matchAt(data, pos) {
			return true
		}
	}
	return false
}

func (p *pattern) matchAt(data []byte, pos int) bool {
	chunk := data[pos : pos+len(p.value)]
	for i := range p.value {
		if (chunk[i] & p.mask[i]) != (p.value[i] & p.mask[i]) {
			return false
		}
	}
	return true
}
