package detect

import (
	"github.com/grokify/mediasniff/pkg/mediatype"
	"github.com/grokify/mediasniff/pkg/rules"
)

var (
	gzipType = mediatype.MustParse("application/gzip")

	// A gzip signature cannot tell a compressed tar from a single compressed
	// file, so the tar forms are rewritten to the plain extension.
	gzipTarExtensions = map[string]bool{".tgz": true, ".tar.gz": true}
)

const gzipExtension = ".gz"

// ExtensionFor returns the preferred extension of mt (with a leading dot), or
// "" when none is known. Unknown types are not an error.
func ExtensionFor(repo *rules.Repository, mt mediatype.MediaType) string {
	if repo == nil || mt.IsZero() {
		return ""
	}
	canonical, _ := repo.Canonical(mt)
	ext := repo.PreferredExtension(canonical)
	if canonical.Equal(gzipType) && gzipTarExtensions[ext] {
		return gzipExtension
	}
	return ext
}
