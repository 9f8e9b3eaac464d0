package rules

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grokify/mediasniff/pkg/mediatype"
)

const testRuleSet = `
types:
  - type: application/octet-stream
  - type: application/zip
    extensions: [zip]
    globs: ["*.zip"]
    magic:
      - {hex: "504b0304"}
  - type: application/x-custom-zip
    parent: application/zip
    aliases: [application/x-custom]
    extensions: [.cz, .czip]
    globs: ["*.cz", {pattern: "README.CZ", weight: 80, caseSensitive: true}]
    magic:
      - hex: "504b0304"
        zip: {entries: ["custom/"]}
  - type: text/x-marker
    magic:
      - {string: "MARK", offset: 2, window: 6}
      - {priority: 90, hex: "f0", mask: "f0", offset: 0}
`

func mustCompile(t *testing.T, doc string) *Repository {
	t.Helper()
	repo, err := Compile([]byte(doc))
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	return repo
}

func TestBuildSourceExclusivity(t *testing.T) {
	_, err := Build(Source{Inline: testRuleSet, Path: "/tmp/rules.yaml"})
	if err == nil {
		t.Fatal("Build() with inline and file should fail")
	}
	if !errors.Is(err, ErrConfig) {
		t.Errorf("errors.Is(err, ErrConfig) = false for %v", err)
	}
	if !errors.Is(err, ErrConflictingSources) {
		t.Errorf("errors.Is(err, ErrConflictingSources) = false for %v", err)
	}
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error %T is not a *ConfigError", err)
	}

	repo, err := Build(Source{})
	if err != nil {
		t.Fatalf("Build(default) error = %v", err)
	}
	if repo.Source() != "default" {
		t.Errorf("Source() = %q, want default", repo.Source())
	}
	if repo.Len() == 0 || repo.SignatureCount() == 0 || repo.GlobCount() == 0 {
		t.Errorf("default repository is empty: %d types, %d signatures, %d globs",
			repo.Len(), repo.SignatureCount(), repo.GlobCount())
	}
	if repo.Lookahead() < defaultZipLimit {
		t.Errorf("Lookahead() = %d, want at least %d", repo.Lookahead(), defaultZipLimit)
	}
}

func TestBuildFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(testRuleSet), 0600); err != nil {
		t.Fatal(err)
	}

	repo, err := Build(FileSource(path))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if repo.Source() != "file:"+path {
		t.Errorf("Source() = %q", repo.Source())
	}
	if repo.Fingerprint() != Fingerprint([]byte(testRuleSet)) {
		t.Errorf("Fingerprint() = %s, want %s", repo.Fingerprint(), Fingerprint([]byte(testRuleSet)))
	}

	// The override replaces the defaults entirely.
	if _, ok := repo.Lookup("image/png"); ok {
		t.Error("override repository should not contain default types")
	}

	_, err = Build(FileSource(filepath.Join(t.TempDir(), "missing.yaml")))
	if !IsConfigError(err) {
		t.Errorf("Build(missing file) error = %v, want ConfigError", err)
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name     string
		doc      string
		wantRule string
		wantMsg  string
	}{
		{
			name:    "empty document",
			doc:     "",
			wantMsg: "empty",
		},
		{
			name:    "no types",
			doc:     "types: []",
			wantMsg: "no types",
		},
		{
			name:    "unknown field",
			doc:     "types:\n  - type: a/b\n    magik: []\n",
			wantMsg: "parse",
		},
		{
			name:     "invalid type",
			doc:      "types:\n  - type: notatype\n",
			wantRule: "types[0]",
		},
		{
			name:     "duplicate type",
			doc:      "types:\n  - type: a/b\n  - type: A/B\n",
			wantRule: "a/b",
			wantMsg:  "duplicate",
		},
		{
			name:     "unknown parent",
			doc:      "types:\n  - type: a/b\n    parent: a/missing\n",
			wantRule: "a/b",
			wantMsg:  "unknown parent",
		},
		{
			name:     "hierarchy cycle",
			doc:      "types:\n  - type: a/b\n    parent: a/c\n  - type: a/c\n    parent: a/b\n",
			wantMsg:  "cycle",
			wantRule: "a/b",
		},
		{
			name:     "alias shadows type",
			doc:      "types:\n  - type: a/b\n    aliases: [a/c]\n  - type: a/c\n",
			wantRule: "a/b",
			wantMsg:  "also declared",
		},
		{
			name:     "alias claimed twice",
			doc:      "types:\n  - type: a/b\n    aliases: [a/x]\n  - type: a/c\n    aliases: [a/x]\n",
			wantRule: "a/c",
			wantMsg:  "already belongs",
		},
		{
			name:     "bad hex",
			doc:      "types:\n  - type: a/b\n    magic:\n      - {hex: \"zz\"}\n",
			wantRule: "a/b magic[0]",
			wantMsg:  "invalid hex",
		},
		{
			name:     "mask length",
			doc:      "types:\n  - type: a/b\n    magic:\n      - {hex: \"0102\", mask: \"ff\"}\n",
			wantRule: "a/b magic[0]",
			wantMsg:  "mask length",
		},
		{
			name:     "hex and string",
			doc:      "types:\n  - type: a/b\n    magic:\n      - {hex: \"01\", string: \"x\"}\n",
			wantRule: "a/b magic[0]",
			wantMsg:  "both",
		},
		{
			name:     "beyond look-ahead",
			doc:      "types:\n  - type: a/b\n    magic:\n      - {string: \"x\", offset: 1048576}\n",
			wantRule: "a/b magic[0]",
			wantMsg:  "look-ahead",
		},
		{
			name:     "priority out of range",
			doc:      "types:\n  - type: a/b\n    magic:\n      - {string: \"x\", priority: 101}\n",
			wantRule: "a/b magic[0]",
			wantMsg:  "priority",
		},
		{
			name:     "empty zip probe",
			doc:      "types:\n  - type: a/b\n    magic:\n      - {hex: \"504b0304\", zip: {}}\n",
			wantRule: "a/b magic[0]",
			wantMsg:  "zip probe",
		},
		{
			name:     "bad glob",
			doc:      "types:\n  - type: a/b\n    globs: [\"*.[a\"]\n",
			wantRule: "a/b glob[0]",
			wantMsg:  "invalid glob",
		},
		{
			name:     "bad extension",
			doc:      "types:\n  - type: a/b\n    extensions: [\"a/b\"]\n",
			wantRule: "a/b extensions",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, err := Compile([]byte(tt.doc))
			if err == nil {
				t.Fatal("Compile() should fail")
			}
			if repo != nil {
				t.Error("Compile() returned a repository with an error")
			}
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("error %T is not a *ConfigError", err)
			}
			if tt.wantRule != "" && cfgErr.Rule != tt.wantRule {
				t.Errorf("Rule = %q, want %q (%v)", cfgErr.Rule, tt.wantRule, err)
			}
			if tt.wantMsg != "" && !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestRepositoryLookups(t *testing.T) {
	repo := mustCompile(t, testRuleSet)

	custom := mediatype.MustParse("application/x-custom-zip")
	zip := mediatype.MustParse("application/zip")

	got, ok := repo.Lookup("Application/X-Custom")
	if !ok || !got.Equal(custom) {
		t.Errorf("Lookup(alias) = %v, %v; want %v", got, ok, custom)
	}
	if got, _ := repo.Canonical(mediatype.MustParse("application/x-custom; v=1")); !got.Equal(custom) {
		t.Errorf("Canonical(alias with params) = %v", got)
	}
	if _, ok := repo.Canonical(mediatype.MustParse("x/unknown")); ok {
		t.Error("Canonical(unknown) should report false")
	}

	if p, ok := repo.Parent(custom); !ok || !p.Equal(zip) {
		t.Errorf("Parent() = %v, %v", p, ok)
	}

	anc := repo.Ancestors(custom)
	if len(anc) != 2 || !anc[0].Equal(zip) || !anc[1].Equal(mediatype.OctetStream) {
		t.Errorf("Ancestors() = %v", anc)
	}
	if anc := repo.Ancestors(mediatype.OctetStream); len(anc) != 0 {
		t.Errorf("Ancestors(octet-stream) = %v, want empty", anc)
	}

	if !repo.IsA(custom, zip) || !repo.IsA(custom, custom) || !repo.IsA(zip, mediatype.OctetStream) {
		t.Error("IsA() missed a specialization")
	}
	if repo.IsA(zip, custom) {
		t.Error("IsA(parent, child) = true")
	}

	if ext := repo.PreferredExtension(zip); ext != ".zip" {
		t.Errorf("PreferredExtension(zip) = %q, want .zip", ext)
	}
	if exts := repo.Extensions(custom); len(exts) != 2 || exts[0] != ".cz" {
		t.Errorf("Extensions() = %v", exts)
	}
	if ext := repo.PreferredExtension(mediatype.MustParse("text/x-marker")); ext != "" {
		t.Errorf("PreferredExtension(no extensions) = %q", ext)
	}

	info, ok := repo.Describe(mediatype.MustParse("application/x-custom"))
	if !ok {
		t.Fatal("Describe() = false")
	}
	if info.Parent == nil || !info.Parent.Equal(zip) || info.Signatures != 1 || len(info.Globs) != 2 || len(info.Aliases) != 1 {
		t.Errorf("Describe() = %+v", info)
	}

	types := repo.Types()
	if len(types) != 4 || types[1].Key() != "application/zip" {
		t.Errorf("Types() = %v", types)
	}
}

func TestMatchSignatures(t *testing.T) {
	repo := mustCompile(t, testRuleSet)

	tests := []struct {
		name  string
		input []byte
		want  []string
	}{
		{"empty", nil, nil},
		{"nothing", []byte("plain words"), nil},
		{"offset", []byte("..MARK"), []string{"text/x-marker magic[0]"}},
		{"window end", []byte("........MARK"), []string{"text/x-marker magic[0]"}},
		{"past window", []byte(".........MARK"), nil},
		{"before offset", []byte(".MARK"), nil},
		{"mask", []byte{0xf7, 'x'}, []string{"text/x-marker magic[1]"}},
		{"zip without probe entry", zipBytes(t, "other.txt"), []string{"application/zip magic[0]"}},
		{"zip with probe entry", zipBytes(t, "custom/data.bin"), []string{"application/zip magic[0]", "application/x-custom-zip magic[0]"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := repo.MatchSignatures(tt.input)
			if len(got) != len(tt.want) {
				t.Fatalf("MatchSignatures() = %+v, want rules %v", got, tt.want)
			}
			for i, c := range got {
				if c.Rule != tt.want[i] {
					t.Errorf("candidate %d rule = %q, want %q", i, c.Rule, tt.want[i])
				}
			}
		})
	}
}

func TestMatchSignaturesCandidateWeights(t *testing.T) {
	repo := mustCompile(t, testRuleSet)

	got := repo.MatchSignatures(zipBytes(t, "custom/x"))
	if len(got) != 2 {
		t.Fatalf("got %d candidates", len(got))
	}
	if got[0].Priority != DefaultPriority || got[0].Literal != 4 {
		t.Errorf("zip candidate = %+v", got[0])
	}
	if got[1].Literal != 4+len("custom/") {
		t.Errorf("custom candidate literal = %d", got[1].Literal)
	}
	if got[0].Order >= got[1].Order {
		t.Errorf("candidates out of configuration order: %d >= %d", got[0].Order, got[1].Order)
	}

	masked := repo.MatchSignatures([]byte{0xf0})
	if len(masked) != 1 || masked[0].Priority != 90 || masked[0].Literal != 1 {
		t.Errorf("masked candidate = %+v", masked)
	}
}

func TestMatchFilename(t *testing.T) {
	repo := mustCompile(t, testRuleSet)

	tests := []struct {
		name     string
		filename string
		want     []string
	}{
		{"empty", "", nil},
		{"no match", "notes.txt", nil},
		{"extension", "archive.zip", []string{"application/zip"}},
		{"case insensitive", "ARCHIVE.ZIP", []string{"application/zip"}},
		{"directory stripped", "/data/in/file.cz", []string{"application/x-custom-zip"}},
		{"windows path", `C:\data\file.CZ`, []string{"application/x-custom-zip"}},
		{"case sensitive glob", "README.CZ", []string{"application/x-custom-zip", "application/x-custom-zip"}},
		{"case sensitive glob miss", "readme.cz", []string{"application/x-custom-zip"}},
		{"directory only", "/data/", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := repo.MatchFilename(tt.filename)
			if len(got) != len(tt.want) {
				t.Fatalf("MatchFilename(%q) = %+v, want %v", tt.filename, got, tt.want)
			}
			for i, c := range got {
				if c.Type.Key() != tt.want[i] {
					t.Errorf("candidate %d = %s, want %s", i, c.Type, tt.want[i])
				}
			}
		})
	}

	got := repo.MatchFilename("README.CZ")
	if got[1].Priority != 80 || got[1].Literal != len("README.CZ") {
		t.Errorf("weighted glob candidate = %+v", got[1])
	}
}

func TestZipProbeMimetype(t *testing.T) {
	doc := `
types:
  - type: application/zip
    magic:
      - {hex: "504b0304"}
  - type: application/epub+zip
    parent: application/zip
    magic:
      - hex: "504b0304"
        zip: {mimetype: "application/epub+zip"}
`
	repo := mustCompile(t, doc)

	epub := storedZipBytes(t, "mimetype", "application/epub+zip", "OEBPS/content.opf")
	got := repo.MatchSignatures(epub)
	if len(got) != 2 || got[1].Type.Key() != "application/epub+zip" {
		t.Errorf("MatchSignatures(epub) = %+v", got)
	}

	// A mimetype entry that is not first does not count.
	late := storedZipBytes(t, "other", "x", "mimetype")
	for _, c := range repo.MatchSignatures(late) {
		if c.Type.Key() == "application/epub+zip" {
			t.Errorf("late mimetype entry matched: %+v", c)
		}
	}

	wrong := storedZipBytes(t, "mimetype", "application/vnd.oasis.opendocument.text", "content.xml")
	if got := repo.MatchSignatures(wrong); len(got) != 1 {
		t.Errorf("MatchSignatures(odt) = %+v, want only generic zip", got)
	}
}

func TestZipMimetypeEntryExact(t *testing.T) {
	doc := `
types:
  - type: application/zip
    magic:
      - {hex: "504b0304"}
  - type: application/vnd.oasis.opendocument.text
    parent: application/zip
    magic:
      - hex: "504b0304"
        zip: {mimetype: "application/vnd.oasis.opendocument.text"}
`
	repo := mustCompile(t, doc)
	const odt = "application/vnd.oasis.opendocument.text"

	tests := []struct {
		name string
		data []byte
		want bool
	}{
		{"streamed exact", storedZipBytes(t, "mimetype", odt, "content.xml"), true},
		{"streamed template", storedZipBytes(t, "mimetype", odt+"-template", "content.xml"), false},
		{"sized exact", rawStoredZipBytes(t, "mimetype", odt), true},
		{"sized master", rawStoredZipBytes(t, "mimetype", odt+"-master"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matched := false
			for _, c := range repo.MatchSignatures(tt.data) {
				if c.Type.Key() == odt {
					matched = true
				}
			}
			if matched != tt.want {
				t.Errorf("odt matched = %v, want %v", matched, tt.want)
			}
		})
	}
}

func TestDefaultRuleSet(t *testing.T) {
	a, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	b, _ := Default()
	if a != b {
		t.Error("Default() should return the shared repository")
	}

	rs, err := Parse(DefaultRuleSet())
	if err != nil {
		t.Fatalf("Parse(DefaultRuleSet()) error = %v", err)
	}
	if len(rs.Types) != a.Len() {
		t.Errorf("document has %d types, repository %d", len(rs.Types), a.Len())
	}

	gz := mediatype.MustParse("application/x-gzip")
	if got, ok := a.Canonical(gz); !ok || got.Key() != "application/gzip" {
		t.Errorf("Canonical(x-gzip) = %v, %v", got, ok)
	}
}

func TestFromRuleSet(t *testing.T) {
	rs, err := Parse([]byte(testRuleSet))
	if err != nil {
		t.Fatal(err)
	}
	repo, err := FromRuleSet(rs)
	if err != nil {
		t.Fatalf("FromRuleSet() error = %v", err)
	}
	if repo.Len() != len(rs.Types) {
		t.Errorf("Len() = %d", repo.Len())
	}

	out, err := rs.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	again := mustCompile(t, string(out))
	if again.SignatureCount() != repo.SignatureCount() || again.GlobCount() != repo.GlobCount() {
		t.Error("marshaled rule set compiles differently")
	}

	if _, err := FromRuleSet(&RuleSet{}); !IsConfigError(err) {
		t.Errorf("FromRuleSet(empty) error = %v", err)
	}
}
