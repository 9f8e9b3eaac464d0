package rules

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"strings"
)

const defaultZipLimit = 16 << 10

var (
	zipLocalHeader    = []byte{'P', 'K', 0x03, 0x04}
	zipDataDescriptor = []byte{'P', 'K', 0x07, 0x08}
)

// zipFlagDescriptor marks entries whose CRC and sizes follow the data.
const zipFlagDescriptor = 0x8

// zipProbe looks inside the local file headers of a ZIP stream held in the
// look-ahead buffer. Headers are found by scanning rather than walking, since
// streamed archives leave compressed sizes unset.
type zipProbe struct {
	entries  []string
	mimetype string
	limit    int
}

func compileZipProbe(def *ZipDef) (*zipProbe, error) {
	if len(def.Entries) == 0 && def.Mimetype == "" {
		return nil, fmt.Errorf("zip probe needs entries or mimetype")
	}
	for i, e := range def.Entries {
		if strings.TrimSpace(e) == "" {
			return nil, fmt.Errorf("zip entry %d is empty", i)
		}
	}
	limit := def.Limit
	if limit == 0 {
		limit = defaultZipLimit
	}
	if limit < 0 || limit > MaxLookahead {
		return nil, fmt.Errorf("zip limit %d out of range", def.Limit)
	}
	return &zipProbe{
		entries:  def.Entries,
		mimetype: def.Mimetype,
		limit:    limit,
	}, nil
}

type zipEntry struct {
	pos       int
	name      string
	flags     uint16
	method    uint16
	size      uint32
	dataStart int
}

// match returns whether the probe matched and how many literal bytes it checked.
func (z *zipProbe) match(data []byte) (bool, int) {
	if len(data) > z.limit {
		data = data[:z.limit]
	}

	if z.mimetype != "" {
		first, ok := firstZipEntry(data)
		if !ok || first.pos != 0 || first.name != "mimetype" || first.method != 0 {
			return false, 0
		}
		if !storedValueIs(first, data, z.mimetype) {
			return false, 0
		}
		if len(z.entries) == 0 {
			return true, len(first.name) + len(z.mimetype)
		}
	}

	matched := false
	literal := 0
	scanZipEntries(data, func(e zipEntry) bool {
		for _, prefix := range z.entries {
			if strings.HasPrefix(e.name, prefix) {
				matched = true
				literal = len(prefix)
				return false
			}
		}
		return true
	})
	if !matched {
		return false, 0
	}
	if z.mimetype != "" {
		literal += len("mimetype") + len(z.mimetype)
	}
	return true, literal
}

// storedValueIs reports whether the stored entry e holds exactly want. The
// length comes from the local header, or from the data descriptor when the
// writer streamed the entry.
func storedValueIs(e zipEntry, data []byte, want string) bool {
	value := data[e.dataStart:]
	if !bytes.HasPrefix(value, []byte(want)) {
		return false
	}
	if e.flags&zipFlagDescriptor == 0 {
		return int(e.size) == len(want)
	}
	rest := bytes.TrimPrefix(value[len(want):], zipDataDescriptor)
	if len(rest) < 12 {
		return false
	}
	return binary.LittleEndian.Uint32(rest) == crc32.ChecksumIEEE([]byte(want)) &&
		int(binary.LittleEndian.Uint32(rest[8:])) == len(want)
}

func firstZipEntry(data []byte) (zipEntry, bool) {
	var first zipEntry
	found := false
	scanZipEntries(data, func(e zipEntry) bool {
		first = e
		found = true
		return false
	})
	return first, found
}

// scanZipEntries calls fn for each local file header in data until fn returns false.
func scanZipEntries(data []byte, fn func(zipEntry) bool) {
	off := 0
	for off < len(data) {
		i := bytes.Index(data[off:], zipLocalHeader)
		if i < 0 {
			return
		}
		pos := off + i
		if pos+30 > len(data) {
			return
		}
		nameLen := int(binary.LittleEndian.Uint16(data[pos+26:]))
		extraLen := int(binary.LittleEndian.Uint16(data[pos+28:]))
		nameEnd := pos + 30 + nameLen
		if nameEnd > len(data) {
			return
		}
		e := zipEntry{
			pos:       pos,
			name:      string(data[pos+30 : nameEnd]),
			flags:     binary.LittleEndian.Uint16(data[pos+6:]),
			method:    binary.LittleEndian.Uint16(data[pos+8:]),
			size:      binary.LittleEndian.Uint32(data[pos+22:]),
			dataStart: min(nameEnd+extraLen, len(data)),
		}
		if !fn(e) {
			return
		}
		off = pos + len(zipLocalHeader)
	}
}
