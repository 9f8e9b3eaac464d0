package detect

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/gabriel-vasile/mimetype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grokify/mediasniff/pkg/rules"
)

type sample struct {
	name string
	data []byte
	want string
	ext  string
}

func zipSample(t *testing.T, names ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte("sample " + name))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// packageSample builds a ZIP whose first entry is a stored "mimetype" file,
// the layout used by OpenDocument and EPUB.
func packageSample(t *testing.T, mediaType string, names ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "mimetype", Method: zip.Store})
	require.NoError(t, err)
	_, err = w.Write([]byte(mediaType))
	require.NoError(t, err)
	for _, name := range names {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte("<x/>"))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func tarSample() []byte {
	hdr := make([]byte, 1024)
	copy(hdr, "hello.txt")
	copy(hdr[257:], "ustar\x0000")
	return hdr
}

func defaultSamples(t *testing.T) []sample {
	t.Helper()
	return []sample{
		{"utf8 bom text", []byte("\xef\xbb\xbfhello"), "text/plain", ".txt"},
		{"xml", []byte(`<?xml version="1.0"?><root/>`), "application/xml", ".xml"},
		{"xml after bom", []byte("\xef\xbb\xbf<?xml version=\"1.0\"?><root/>"), "application/xml", ".xml"},
		{"svg with declaration", []byte("<?xml version=\"1.0\"?>\n<svg xmlns=\"http://www.w3.org/2000/svg\"/>"), "image/svg+xml", ".svg"},
		{"bare svg", []byte(`<svg xmlns="http://www.w3.org/2000/svg"/>`), "image/svg+xml", ".svg"},
		{"html doctype", []byte("<!DOCTYPE html>\n<html><body></body></html>"), "text/html", ".html"},
		{"html lowercase doctype", []byte("  <!doctype html><title>x</title>"), "text/html", ".html"},
		{"html tag", []byte("<html><head></head></html>"), "text/html", ".html"},
		{"shell script", []byte("#!/bin/sh\necho hi\n"), "application/x-sh", ".sh"},
		{"bash script", []byte("#!/usr/bin/env bash\nset -e\n"), "application/x-sh", ".sh"},
		{"pdf", []byte("%PDF-1.7\n%\xe2\xe3\xcf\xd3\n"), "application/pdf", ".pdf"},
		{"postscript", []byte("%!PS-Adobe-3.0\n"), "application/postscript", ".ps"},
		{"rtf", []byte(`{\rtf1\ansi\deff0 hello}`), "application/rtf", ".rtf"},
		{"png", []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), "image/png", ".png"},
		{"jpeg", []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00"), "image/jpeg", ".jpg"},
		{"gif87", []byte("GIF87a\x01\x00\x01\x00"), "image/gif", ".gif"},
		{"gif89", []byte("GIF89a\x01\x00\x01\x00"), "image/gif", ".gif"},
		{"bmp", []byte("BM\x36\x00\x00\x00\x00\x00"), "image/bmp", ".bmp"},
		{"tiff little endian", []byte("II*\x00\x08\x00\x00\x00"), "image/tiff", ".tiff"},
		{"tiff big endian", []byte("MM\x00*\x00\x00\x00\x08"), "image/tiff", ".tiff"},
		{"icon", []byte("\x00\x00\x01\x00\x01\x00\x10\x10"), "image/x-icon", ".ico"},
		{"webp", []byte("RIFF\x24\x00\x00\x00WEBPVP8 "), "image/webp", ".webp"},
		{"heic", []byte("\x00\x00\x00\x18ftypheic\x00\x00\x00\x00"), "image/heic", ".heic"},
		{"avif", []byte("\x00\x00\x00\x1cftypavif\x00\x00\x00\x00"), "image/avif", ".avif"},
		{"wav", []byte("RIFF\x24\x08\x00\x00WAVEfmt "), "audio/wav", ".wav"},
		{"mp3 id3", []byte("ID3\x03\x00\x00\x00\x00\x00\x00"), "audio/mpeg", ".mp3"},
		{"mp3 frame", []byte("\xff\xfb\x90\x64\x00\x00"), "audio/mpeg", ".mp3"},
		{"mp3 mpeg2 frame", []byte("\xff\xf3\x84\x64\x00\x00"), "audio/mpeg", ".mp3"},
		{"flac", []byte("fLaC\x00\x00\x00\x22"), "audio/flac", ".flac"},
		{"ogg", []byte("OggS\x00\x02\x00\x00"), "audio/ogg", ".ogg"},
		{"midi", []byte("MThd\x00\x00\x00\x06\x00\x01"), "audio/midi", ".mid"},
		{"m4a", []byte("\x00\x00\x00\x20ftypM4A \x00\x00\x00\x00"), "audio/mp4", ".m4a"},
		{"avi", []byte("RIFF\x24\x00\x00\x00AVI LIST"), "video/x-msvideo", ".avi"},
		{"mp4", []byte("\x00\x00\x00\x18ftypisom\x00\x00\x02\x00"), "video/mp4", ".mp4"},
		{"quicktime", []byte("\x00\x00\x00\x14ftypqt  \x20\x05\x03\x00"), "video/quicktime", ".mov"},
		{"3gpp", []byte("\x00\x00\x00\x14ftyp3gp4\x00\x00\x00\x00"), "video/3gpp", ".3gp"},
		{"matroska", []byte("\x1a\x45\xdf\xa3\x93\x42\x82\x88matroska"), "video/x-matroska", ".mkv"},
		{"webm", []byte("\x1a\x45\xdf\xa3\x9f\x42\x86\x81\x01\x42\x82\x84webm"), "video/webm", ".webm"},
		{"flv", []byte("FLV\x01\x05\x00\x00\x00\x09"), "video/x-flv", ".flv"},
		{"zip", zipSample(t, "hello.txt"), "application/zip", ".zip"},
		{"empty zip", []byte("PK\x05\x06" + string(make([]byte, 18))), "application/zip", ".zip"},
		{"jar", zipSample(t, "META-INF/MANIFEST.MF", "Main.class"), "application/java-archive", ".jar"},
		{"epub", packageSample(t, "application/epub+zip", "META-INF/container.xml"), "application/epub+zip", ".epub"},
		{"odt", packageSample(t, "application/vnd.oasis.opendocument.text", "content.xml"), "application/vnd.oasis.opendocument.text", ".odt"},
		{"ods", packageSample(t, "application/vnd.oasis.opendocument.spreadsheet", "content.xml"), "application/vnd.oasis.opendocument.spreadsheet", ".ods"},
		{"ott", packageSample(t, "application/vnd.oasis.opendocument.text-template", "content.xml"), "application/vnd.oasis.opendocument.text-template", ".ott"},
		{"ots", packageSample(t, "application/vnd.oasis.opendocument.spreadsheet-template", "content.xml"), "application/vnd.oasis.opendocument.spreadsheet-template", ".ots"},
		{"odf master falls back to zip", packageSample(t, "application/vnd.oasis.opendocument.text-master", "content.xml"), "application/zip", ".zip"},
		{"docx", zipSample(t, "[Content_Types].xml", "word/document.xml"), "application/vnd.openxmlformats-officedocument.wordprocessingml.document", ".docx"},
		{"xlsx", zipSample(t, "[Content_Types].xml", "xl/workbook.xml"), "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", ".xlsx"},
		{"pptx", zipSample(t, "[Content_Types].xml", "ppt/presentation.xml"), "application/vnd.openxmlformats-officedocument.presentationml.presentation", ".pptx"},
		{"ole", []byte("\xd0\xcf\x11\xe0\xa1\xb1\x1a\xe1\x00\x00"), "application/x-ole-storage", ""},
		{"gzip", []byte("\x1f\x8b\x08\x00\x00\x00\x00\x00\x00\x03"), "application/gzip", ".gz"},
		{"tar", tarSample(), "application/x-tar", ".tar"},
		{"bzip2", []byte("BZh91AY&SY"), "application/x-bzip2", ".bz2"},
		{"xz", []byte("\xfd7zXZ\x00\x00\x04"), "application/x-xz", ".xz"},
		{"zstd", []byte("\x28\xb5\x2f\xfd\x24\x00"), "application/zstd", ".zst"},
		{"7z", []byte("7z\xbc\xaf\x27\x1c\x00\x04"), "application/x-7z-compressed", ".7z"},
		{"rar", []byte("Rar!\x1a\x07\x01\x00"), "application/vnd.rar", ".rar"},
		{"elf", []byte("\x7fELF\x02\x01\x01\x00"), "application/x-elf", ""},
		{"windows executable", []byte("MZ\x90\x00\x03\x00"), "application/x-msdownload", ".exe"},
		{"mach-o", []byte("\xcf\xfa\xed\xfe\x07\x00\x00\x01"), "application/x-mach-binary", ""},
		{"wasm", []byte("\x00asm\x01\x00\x00\x00"), "application/wasm", ".wasm"},
		{"sqlite", []byte("SQLite format 3\x00\x10\x00"), "application/vnd.sqlite3", ".sqlite"},
		{"woff", []byte("wOFF\x00\x01\x00\x00"), "font/woff", ".woff"},
		{"woff2", []byte("wOF2\x00\x01\x00\x00"), "font/woff2", ".woff2"},
		{"otf", []byte("OTTO\x00\x0a\x00\x80"), "font/otf", ".otf"},
		{"ttf", []byte("\x00\x01\x00\x00\x00\x0b\x00\x80"), "font/ttf", ".ttf"},
	}
}

func TestDetectDefaultSamples(t *testing.T) {
	repo, err := rules.Default()
	require.NoError(t, err)
	d := NewDetector(repo)

	for _, s := range defaultSamples(t) {
		t.Run(s.name, func(t *testing.T) {
			res, err := d.Detect(bytes.NewReader(s.data), "", false)
			require.NoError(t, err)
			assert.Equal(t, s.want, res.MediaType.String(), "rule %s", res.Rule)
			assert.Equal(t, s.ext, res.Extension)
			assert.Equal(t, MethodSignature, res.Method)
		})
	}
}

// Every signature type in the default rule set has a sample above.
func TestDefaultSamplesCoverSignatures(t *testing.T) {
	repo, err := rules.Default()
	require.NoError(t, err)

	covered := map[string]bool{}
	for _, s := range defaultSamples(t) {
		covered[s.want] = true
	}
	for _, mt := range repo.Types() {
		info, ok := repo.Describe(mt)
		require.True(t, ok)
		if info.Signatures == 0 {
			continue
		}
		assert.True(t, covered[mt.String()], "no sample for %s", mt)
	}
}

// The default rules agree with an independent detector on common formats.
func TestDetectAgreesWithMimetype(t *testing.T) {
	repo, err := rules.Default()
	require.NoError(t, err)
	d := NewDetector(repo)

	oracle := map[string]bool{
		"png": true, "jpeg": true, "gif89": true, "pdf": true, "gzip": true,
		"zip": true, "bzip2": true, "xz": true, "7z": true, "flac": true, "wasm": true,
	}
	for _, s := range defaultSamples(t) {
		if !oracle[s.name] {
			continue
		}
		t.Run(s.name, func(t *testing.T) {
			want := mimetype.Detect(s.data)
			canonical, ok := repo.Lookup(want.String())
			require.True(t, ok, "oracle type %s is not in the rule set", want)

			got := d.DetectBytes(s.data, "", false)
			assert.True(t, got.MediaType.Equal(canonical), "got %s, oracle %s", got.MediaType, want)
		})
	}
}
