package mediatype

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"application/gzip", "application/gzip", false},
		{"Application/GZIP", "application/gzip", false},
		{"  text/html  ", "text/html", false},
		{"text/html; charset=utf-8", "text/html; charset=utf-8", false},
		{"text/plain; Format=flowed; charset=UTF-8", "text/plain; charset=UTF-8; format=flowed", false},
		{"image/svg+xml", "image/svg+xml", false},
		{"", "", true},
		{"text", "", true},
		{"text/", "", true},
		{"/plain", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) expected error, got %v", tt.input, got)
				}
				if !errors.Is(err, ErrInvalid) {
					t.Errorf("Parse(%q) error = %v, want ErrInvalid", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) unexpected error: %v", tt.input, err)
			}
			if got.String() != tt.want {
				t.Errorf("Parse(%q) = %q, want %q", tt.input, got.String(), tt.want)
			}
		})
	}
}

func TestEqualIgnoresCaseAndParams(t *testing.T) {
	a := MustParse("TEXT/Plain; charset=utf-8")
	b := MustParse("text/plain")
	if !a.Equal(b) {
		t.Errorf("expected %q to equal %q", a, b)
	}
	if a.Key() != "text/plain" {
		t.Errorf("Key() = %q, want text/plain", a.Key())
	}
	if a.Equal(OctetStream) {
		t.Error("text/plain should not equal application/octet-stream")
	}
}

func TestNew(t *testing.T) {
	mt, err := New("Image", "PNG")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if mt.Category() != "image" || mt.Subtype() != "png" {
		t.Errorf("got %s/%s, want image/png", mt.Category(), mt.Subtype())
	}
	if _, err := New("image", "p ng"); err == nil {
		t.Error("expected error for subtype with space")
	}
}

func TestParamsAreCopied(t *testing.T) {
	mt := MustParse("text/plain; charset=utf-8")
	params := mt.Params()
	if params["charset"] != "utf-8" {
		t.Fatalf("charset = %q, want utf-8", params["charset"])
	}
	params["charset"] = "latin1"
	if mt.Params()["charset"] != "utf-8" {
		t.Error("mutating returned params changed the media type")
	}
	if mt.WithoutParams().String() != "text/plain" {
		t.Errorf("WithoutParams() = %q", mt.WithoutParams().String())
	}
}

func TestZeroValue(t *testing.T) {
	var mt MediaType
	if !mt.IsZero() {
		t.Error("zero value should report IsZero")
	}
	if mt.String() != "" {
		t.Errorf("zero value String() = %q, want empty", mt.String())
	}
}

func TestTextMarshaling(t *testing.T) {
	var mt MediaType
	if err := mt.UnmarshalText([]byte("Application/PDF")); err != nil {
		t.Fatalf("UnmarshalText failed: %v", err)
	}
	text, err := mt.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText failed: %v", err)
	}
	if string(text) != "application/pdf" {
		t.Errorf("MarshalText = %q, want application/pdf", text)
	}
}
