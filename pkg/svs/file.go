// Copyright 2025 walteh LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package svs reads and surgically edits the IFD chain of TIFF-family
// whole-slide images. It supports exactly the operations needed for
// de-identification: locating associated label/macro pages, zeroing them
// out of the file without changing its length, and rewriting the Filename
// metadata fragment in place. It is not a general TIFF editor.
package svs

import (
	"encoding/binary"
	"os"
	"strings"

	"gitlab.com/tozd/go/errors"
)

// layout captures the directory-offset/size conventions of the file,
// read once from the header. Classic TIFF uses 4-byte offsets and
// 12-byte tag entries; BigTIFF uses 8-byte offsets and 20-byte entries.
type layout struct {
	big        bool
	offsetSize int64 // offsets and the value-or-offset word
	countSize  int64 // the tag-count field at the start of each IFD
	tagSize    int64 // one tag entry
}

func classicLayout() layout {
	return layout{big: false, offsetSize: 4, countSize: 2, tagSize: 12}
}

func bigLayout() layout {
	return layout{big: true, offsetSize: 8, countSize: 8, tagSize: 20}
}

// TagEntry describes one entry of a page's tag table. ValuePos is the
// absolute file offset of the value bytes, whether stored inline in the
// entry or out of line elsewhere in the file.
type TagEntry struct {
	ID        uint16
	Type      uint16
	Count     uint64
	Size      uint64 // total value size in bytes
	ValuePos  int64
	OutOfLine bool
}

// Page is one IFD of the chain: its own offset, the offset of the field
// holding the pointer to the next IFD, the value stored there, and the
// parsed tag table.
type Page struct {
	Index           int
	Offset          int64
	NextFieldOffset int64
	NextValue       int64
	Tags            []TagEntry
	Description     string
}

// Tag returns the page's entry for the given tag ID, or nil.
func (p *Page) Tag(id uint16) *TagEntry {
	for i := range p.Tags {
		if p.Tags[i].ID == id {
			return &p.Tags[i]
		}
	}
	return nil
}

// File is an open TIFF-family file with its full IFD chain parsed. The
// handle is exclusively owned until Close; every page's descriptors stay
// valid because edits never move surviving bytes.
type File struct {
	path   string
	f      *os.File
	order  binary.ByteOrder
	layout layout
	size   int64
	pages  []Page
}

// Open opens the file read-write and walks every IFD once. The handle is
// closed before returning on any parse failure.
func Open(path string) (*File, error) {
	return open(path, os.O_RDWR)
}

// OpenReadOnly opens the file for validation-only passes. Mutating
// operations on the returned File will fail at write time.
func OpenReadOnly(path string) (*File, error) {
	return open(path, os.O_RDONLY)
}

func open(path string, flag int) (*File, error) {
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, errors.Errorf("opening slide: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Errorf("statting slide: %w", err)
	}
	t := &File{path: path, f: f, size: st.Size()}
	if err := t.parse(); err != nil {
		f.Close()
		return nil, errors.Errorf("parsing %s: %w", path, err)
	}
	return t, nil
}

// Close releases the file handle.
func (t *File) Close() error {
	return t.f.Close()
}

// Path returns the path the file was opened from.
func (t *File) Path() string {
	return t.path
}

// Pages returns the ordered IFD chain. The returned slice reflects any
// pages already spliced out by RemoveAssociatedImage.
func (t *File) Pages() []Page {
	return t.pages
}

func (t *File) parse() error {
	first, err := t.parseHeader()
	if err != nil {
		return err
	}
	return t.walk(first)
}

// parseHeader reads the byte order and classic/BigTIFF variant, returning
// the offset of the 0th IFD.
func (t *File) parseHeader() (int64, error) {
	head, err := t.readBytes(0, 8)
	if err != nil {
		return 0, errors.Errorf("reading header: %w", err)
	}
	switch {
	case head[0] == 'I' && head[1] == 'I':
		t.order = binary.LittleEndian
	case head[0] == 'M' && head[1] == 'M':
		t.order = binary.BigEndian
	default:
		return 0, errors.New("not a TIFF-family file: bad byte order mark")
	}
	switch t.order.Uint16(head[2:4]) {
	case 42:
		t.layout = classicLayout()
		return int64(t.order.Uint32(head[4:8])), nil
	case 43:
		t.layout = bigLayout()
		if t.order.Uint16(head[4:6]) != 8 || t.order.Uint16(head[6:8]) != 0 {
			return 0, errors.New("malformed BigTIFF header")
		}
		off, err := t.readUint(8, 8)
		if err != nil {
			return 0, errors.Errorf("reading first IFD offset: %w", err)
		}
		return int64(off), nil
	default:
		return 0, errors.New("not a TIFF-family file: bad version")
	}
}

// maxPages bounds the directory walk; a well-formed slide has a handful
// of pages, and a chain longer than this means a cycle or corruption.
const maxPages = 65536

// walk records every page's descriptor and tag table in directory order.
func (t *File) walk(first int64) error {
	if first == 0 {
		return errors.New("file contains no IFDs")
	}
	seen := make(map[int64]bool)
	for off := first; off != 0; {
		if seen[off] {
			return errors.Errorf("IFD chain cycles back to offset %d", off)
		}
		if len(t.pages) >= maxPages {
			return errors.New("IFD chain exceeds page limit")
		}
		seen[off] = true

		page, next, err := t.readIFD(off)
		if err != nil {
			return errors.Errorf("reading IFD at offset %d: %w", off, err)
		}
		page.Index = len(t.pages)
		t.pages = append(t.pages, page)
		off = next
	}
	return nil
}

// readIFD parses one directory: the tag count, every tag entry, and the
// pointer-to-next-IFD field that follows the tag table.
func (t *File) readIFD(off int64) (Page, int64, error) {
	count, err := t.readUint(off, t.layout.countSize)
	if err != nil {
		return Page{}, 0, errors.Errorf("reading tag count: %w", err)
	}
	if count == 0 {
		return Page{}, 0, errors.New("zero-length tag table")
	}
	if count > maxPages {
		return Page{}, 0, errors.Errorf("implausible tag count %d", count)
	}

	page := Page{
		Offset: off,
		Tags:   make([]TagEntry, 0, count),
	}
	tableOff := off + t.layout.countSize
	for i := int64(0); i < int64(count); i++ {
		entry, err := t.readTagEntry(tableOff + i*t.layout.tagSize)
		if err != nil {
			return Page{}, 0, errors.Errorf("reading tag %d: %w", i, err)
		}
		page.Tags = append(page.Tags, entry)
	}

	page.NextFieldOffset = tableOff + int64(count)*t.layout.tagSize
	next, err := t.readUint(page.NextFieldOffset, t.layout.offsetSize)
	if err != nil {
		return Page{}, 0, errors.Errorf("reading next-IFD pointer: %w", err)
	}
	page.NextValue = int64(next)

	if desc := page.Tag(tagImageDescription); desc != nil {
		raw, err := t.readBytes(desc.ValuePos, int(desc.Size))
		if err != nil {
			return Page{}, 0, errors.Errorf("reading page description: %w", err)
		}
		page.Description = strings.TrimRight(string(raw), "\x00")
	}
	return page, int64(next), nil
}

func (t *File) readTagEntry(off int64) (TagEntry, error) {
	countFieldSize := t.layout.tagSize - 4 - t.layout.offsetSize
	raw, err := t.readBytes(off, int(t.layout.tagSize))
	if err != nil {
		return TagEntry{}, err
	}
	entry := TagEntry{
		ID:   t.order.Uint16(raw[0:2]),
		Type: t.order.Uint16(raw[2:4]),
	}
	entry.Count = t.uintFrom(raw[4 : 4+countFieldSize])
	entry.Size = typeSize(entry.Type) * entry.Count

	valueWordOff := off + 4 + countFieldSize
	if entry.Size > uint64(t.layout.offsetSize) {
		entry.OutOfLine = true
		entry.ValuePos = int64(t.uintFrom(raw[4+countFieldSize:]))
		if entry.ValuePos <= 0 || entry.ValuePos+int64(entry.Size) > t.size {
			return TagEntry{}, errors.Errorf("tag %#x value range [%d, %d) outside file", entry.ID, entry.ValuePos, entry.ValuePos+int64(entry.Size))
		}
	} else {
		entry.ValuePos = valueWordOff
	}
	return entry, nil
}

// integerValues reads a tag's value as an array of unsigned integers.
// Used for the strip offset and byte count arrays.
func (t *File) integerValues(entry *TagEntry) ([]uint64, error) {
	elem := typeSize(entry.Type)
	switch entry.Type {
	case typeShort, typeLong, typeLong8:
	default:
		return nil, errors.Errorf("tag %#x has non-integer type %d", entry.ID, entry.Type)
	}
	raw, err := t.readBytes(entry.ValuePos, int(entry.Size))
	if err != nil {
		return nil, err
	}
	values := make([]uint64, entry.Count)
	for i := uint64(0); i < entry.Count; i++ {
		values[i] = t.uintFrom(raw[i*elem : (i+1)*elem])
	}
	return values, nil
}

func (t *File) readBytes(off int64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := t.f.ReadAt(buf, off); err != nil {
		return nil, errors.Errorf("reading %d bytes at offset %d: %w", n, off, err)
	}
	return buf, nil
}

func (t *File) readUint(off, size int64) (uint64, error) {
	raw, err := t.readBytes(off, int(size))
	if err != nil {
		return 0, err
	}
	return t.uintFrom(raw), nil
}

// uintFrom decodes an unsigned integer of 2, 4 or 8 bytes in the file's
// byte order.
func (t *File) uintFrom(raw []byte) uint64 {
	switch len(raw) {
	case 2:
		return uint64(t.order.Uint16(raw))
	case 4:
		return uint64(t.order.Uint32(raw))
	case 8:
		return t.order.Uint64(raw)
	default:
		return 0
	}
}

func (t *File) writeAt(off int64, data []byte) error {
	if _, err := t.f.WriteAt(data, off); err != nil {
		return errors.Errorf("writing %d bytes at offset %d: %w", len(data), off, err)
	}
	return nil
}

// writeUint encodes an unsigned integer of the layout's offset size in
// the file's byte order at off.
func (t *File) writeUint(off int64, value uint64) error {
	buf := make([]byte, t.layout.offsetSize)
	if t.layout.offsetSize == 8 {
		t.order.PutUint64(buf, value)
	} else {
		t.order.PutUint32(buf, uint32(value))
	}
	return t.writeAt(off, buf)
}

// zeroRange overwrites [off, off+n) with zero bytes in fixed-size blocks.
func (t *File) zeroRange(off, n int64) error {
	const block = 1 << 20
	zeros := make([]byte, min64(n, block))
	for n > 0 {
		chunk := min64(n, block)
		if err := t.writeAt(off, zeros[:chunk]); err != nil {
			return err
		}
		off += chunk
		n -= chunk
	}
	return nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
