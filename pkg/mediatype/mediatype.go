// Package mediatype provides an immutable media type value (e.g. "application/gzip")
// with case-insensitive comparison and optional parameters.
package mediatype

import (
	"errors"
	"fmt"
	"mime"
	"strings"
)

// Well-known media types used as fallbacks by the detection engine.
var (
	OctetStream = MustParse("application/octet-stream")
	TextPlain   = MustParse("text/plain")
)

// ErrInvalid is returned when a string is not a valid media type.
var ErrInvalid = errors.New("invalid media type")

// MediaType is a category/subtype pair with optional parameters.
// The zero value is not a valid media type; use IsZero to check for it.
type MediaType struct {
	category string
	subtype  string
	params   string // canonical "; k=v" suffix, sorted by key
}

// New creates a media type from a category and subtype.
func New(category, subtype string) (MediaType, error) {
	category = strings.ToLower(strings.TrimSpace(category))
	subtype = strings.ToLower(strings.TrimSpace(subtype))
	if !validToken(category) || !validToken(subtype) {
		return MediaType{}, fmt.Errorf("%w: %q", ErrInvalid, category+"/"+subtype)
	}
	return MediaType{category: category, subtype: subtype}, nil
}

// Parse parses a media type string such as "text/html; charset=utf-8".
func Parse(s string) (MediaType, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return MediaType{}, fmt.Errorf("%w: empty", ErrInvalid)
	}

	full, params, err := mime.ParseMediaType(s)
	if err != nil {
		return MediaType{}, fmt.Errorf("%w: %q: %v", ErrInvalid, s, err)
	}

	category, subtype, ok := strings.Cut(full, "/")
	if !ok {
		return MediaType{}, fmt.Errorf("%w: %q: missing subtype", ErrInvalid, s)
	}

	mt, err := New(category, subtype)
	if err != nil {
		return MediaType{}, err
	}
	return mt.WithParams(params), nil
}

// MustParse is like Parse but panics on error. Intended for package-level constants.
func MustParse(s string) MediaType {
	mt, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return mt
}

// Category returns the top-level category (e.g. "application").
func (m MediaType) Category() string { return m.category }

// Subtype returns the subtype (e.g. "gzip").
func (m MediaType) Subtype() string { return m.subtype }

// IsZero reports whether m is the zero value.
func (m MediaType) IsZero() bool { return m.category == "" }

// Key returns the lower-cased "category/subtype" form without parameters.
// It is the form used for map lookups.
func (m MediaType) Key() string {
	if m.IsZero() {
		return ""
	}
	return m.category + "/" + m.subtype
}

// String returns the canonical form including parameters.
func (m MediaType) String() string {
	return m.Key() + m.params
}

// Equal reports whether two media types have the same category and subtype.
// Parameters are ignored.
func (m MediaType) Equal(o MediaType) bool {
	return m.category == o.category && m.subtype == o.subtype
}

// Params returns a copy of the parameters.
func (m MediaType) Params() map[string]string {
	if m.params == "" {
		return nil
	}
	_, params, err := mime.ParseMediaType(m.String())
	if err != nil {
		return nil
	}
	return params
}

// WithParams returns a copy of m carrying the given parameters.
func (m MediaType) WithParams(params map[string]string) MediaType {
	m.params = ""
	if len(params) == 0 || m.IsZero() {
		return m
	}
	// FormatMediaType sorts and lower-cases keys and quotes values as needed.
	formatted := mime.FormatMediaType(m.Key(), params)
	if formatted == "" {
		return m
	}
	m.params = strings.TrimPrefix(formatted, m.Key())
	return m
}

// WithoutParams returns m with parameters stripped.
func (m MediaType) WithoutParams() MediaType {
	m.params = ""
	return m
}

// MarshalText implements encoding.TextMarshaler.
func (m MediaType) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *MediaType) UnmarshalText(text []byte) error {
	mt, err := Parse(string(text))
	if err != nil {
		return err
	}
	*m = mt
	return nil
}

// validToken checks for a non-empty RFC 2045 token.
func validToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= ' ' || c >= 0x7F {
			return false
		}
		if strings.IndexByte(`()<>@,;:\"/[]?=`, c) >= 0 {
			return false
		}
	}
	return true
}
