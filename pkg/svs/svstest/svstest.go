// Package svstest builds synthetic whole-slide fixtures for tests: real
// little-endian TIFF structures with a header, per-page description text
// and strip data, and a directory chain linking the pages in order.
package svstest

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// Tag IDs and types used by the fixture writer. Kept local so the helper
// has no dependency on the package under test.
const (
	tagImageDescription uint16 = 0x10E
	tagStripOffsets     uint16 = 0x111
	tagStripByteCounts  uint16 = 0x117
	tagTileOffsets      uint16 = 0x144
	tagTileByteCounts   uint16 = 0x145

	typeASCII uint16 = 2
	typeLong  uint16 = 4
)

// PageSpec describes one page of a synthetic slide.
type PageSpec struct {
	Desc  string
	Strip []byte
	Tiled bool
}

// Fixture records where the writer placed each structure, for byte-level
// assertions.
type Fixture struct {
	Path       string
	PageOffset []int64 // IFD offset per page
	StripOff   []int64 // strip data offset per page
	Size       int64
}

// Page descriptions mirroring what the two scanner families emit.
const (
	AperioBaseDesc = "Aperio Image Library v12.0.15\r\n40000x30000 [0,0 40000x30000] (256x256) JPEG/RGB Q=70|AppMag = 40|Filename = SRC-0042|ImageID = SRC-0042|Date = 01/02/24"
	GT450BaseDesc  = "Aperio Leica Biosystems GT450 v1.0.1\r\n38000x29000 (256x256) JPEG/RGB Q=91|AppMag = 40|Filename = GT-00017|ImageID = GT-00017"
)

// AperioPages is the common three-page AT2-style layout: baseline, label,
// macro.
func AperioPages(labelStrip, macroStrip []byte) []PageSpec {
	return []PageSpec{
		{Desc: AperioBaseDesc, Strip: []byte("baseline pixel strip data, must survive redaction")},
		{Desc: "Aperio Image Library v12.0.15\r\nlabel 415x422", Strip: labelStrip},
		{Desc: "Aperio Image Library v12.0.15\r\nmacro 1600x542", Strip: macroStrip},
	}
}

func align2(n int64) int64 {
	if n%2 != 0 {
		return n + 1
	}
	return n
}

// Write serializes the pages into a classic (big=false) or BigTIFF file
// at path.
func Write(t *testing.T, path string, pages []PageSpec, big bool) Fixture {
	t.Helper()
	require.NotEmpty(t, pages, "fixture needs at least one page")

	var (
		headerSize int64 = 8
		countSize  int64 = 2
		tagSize    int64 = 12
		offSize    int64 = 4
	)
	if big {
		headerSize, countSize, tagSize, offSize = 16, 8, 20, 8
	}

	fx := Fixture{Path: path}
	descOff := make([]int64, len(pages))
	pos := headerSize
	for i, p := range pages {
		if int64(len(p.Desc)) > offSize {
			descOff[i] = pos
			pos = align2(pos + int64(len(p.Desc)))
		}
		fx.StripOff = append(fx.StripOff, pos)
		pos = align2(pos + int64(len(p.Strip)))
		fx.PageOffset = append(fx.PageOffset, pos)
		pos += countSize + 3*tagSize + offSize
	}
	fx.Size = pos

	buf := make([]byte, pos)
	le := binary.LittleEndian

	putOff := func(at int64, v int64) {
		if big {
			le.PutUint64(buf[at:], uint64(v))
		} else {
			le.PutUint32(buf[at:], uint32(v))
		}
	}

	buf[0], buf[1] = 'I', 'I'
	if big {
		le.PutUint16(buf[2:], 43)
		le.PutUint16(buf[4:], 8)
		le.PutUint64(buf[8:], uint64(fx.PageOffset[0]))
	} else {
		le.PutUint16(buf[2:], 42)
		le.PutUint32(buf[4:], uint32(fx.PageOffset[0]))
	}

	putTag := func(at int64, id, typ uint16, count, value int64, inline []byte) {
		le.PutUint16(buf[at:], id)
		le.PutUint16(buf[at+2:], typ)
		if big {
			le.PutUint64(buf[at+4:], uint64(count))
		} else {
			le.PutUint32(buf[at+4:], uint32(count))
		}
		valueAt := at + 4 + (tagSize - 4 - offSize)
		if inline != nil {
			copy(buf[valueAt:valueAt+offSize], inline)
		} else {
			putOff(valueAt, value)
		}
	}

	for i, p := range pages {
		copy(buf[fx.StripOff[i]:], p.Strip)

		ifd := fx.PageOffset[i]
		if big {
			le.PutUint64(buf[ifd:], 3)
		} else {
			le.PutUint16(buf[ifd:], 3)
		}

		entry := ifd + countSize
		if descOff[i] != 0 {
			copy(buf[descOff[i]:], p.Desc)
			putTag(entry, tagImageDescription, typeASCII, int64(len(p.Desc)), descOff[i], nil)
		} else {
			inline := make([]byte, offSize)
			copy(inline, p.Desc)
			putTag(entry, tagImageDescription, typeASCII, int64(len(p.Desc)), 0, inline)
		}

		offsetsID, countsID := tagStripOffsets, tagStripByteCounts
		if p.Tiled {
			offsetsID, countsID = tagTileOffsets, tagTileByteCounts
		}
		putTag(entry+tagSize, offsetsID, typeLong, 1, fx.StripOff[i], nil)
		putTag(entry+2*tagSize, countsID, typeLong, 1, int64(len(p.Strip)), nil)

		next := int64(0)
		if i+1 < len(pages) {
			next = fx.PageOffset[i+1]
		}
		putOff(ifd+countSize+3*tagSize, next)
	}

	require.NoError(t, os.WriteFile(path, buf, 0644), "writing fixture")
	return fx
}
