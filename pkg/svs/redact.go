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

package svs

import (
	"context"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// RemoveAssociatedImage permanently erases the page holding the given
// slot: every pixel strip is overwritten with zeros, every out-of-line
// tag value is zeroed, the page's own IFD block is zeroed, and the
// predecessor's next-IFD pointer is rewritten to splice the page out of
// the chain. File length never changes and no surviving page's offsets
// move. A file without the slot is left untouched.
func (t *File) RemoveAssociatedImage(ctx context.Context, slot Slot) error {
	logger := zerolog.Ctx(ctx)

	res, err := t.Locate(slot)
	if err != nil {
		return err
	}
	if res.Page == nil {
		logger.Debug().Str("slot", string(slot)).Str("path", t.path).Msg("no associated image to remove")
		return nil
	}
	if err := t.removePage(res.Page.Index); err != nil {
		return errors.Errorf("removing %s image: %w", slot, err)
	}
	logger.Debug().Str("slot", string(slot)).Str("path", t.path).Msg("associated image removed")
	return nil
}

func (t *File) removePage(index int) error {
	page := &t.pages[index]

	// Only striped layouts are supported: strips are independent byte
	// ranges that can be zeroed without touching neighboring pages.
	if page.Tag(tagTileOffsets) != nil || page.Tag(tagTileByteCounts) != nil {
		return errors.New("unsupported layout: page stores tiled image data")
	}

	pred, err := t.predecessor(page)
	if err != nil {
		return err
	}

	if err := t.zeroStrips(page); err != nil {
		return err
	}
	if err := t.zeroTagValues(page); err != nil {
		return err
	}

	// The page's own directory block, from the tag count word through the
	// next-IFD pointer field.
	headerBytes := (page.NextFieldOffset - page.Offset) + t.layout.offsetSize
	if err := t.zeroRange(page.Offset, headerBytes); err != nil {
		return errors.Errorf("zeroing page header: %w", err)
	}

	// Splice: the predecessor now points at whatever the removed page
	// pointed at, so a fresh directory walk never visits it again.
	if err := t.writeUint(pred.NextFieldOffset, uint64(page.NextValue)); err != nil {
		return errors.Errorf("relinking IFD chain: %w", err)
	}
	pred.NextValue = page.NextValue

	t.pages = append(t.pages[:index], t.pages[index+1:]...)
	for i := range t.pages {
		t.pages[i].Index = i
	}
	return nil
}

// predecessor finds the unique page whose stored next pointer is the
// target's offset. Zero candidates means the chain is corrupt.
func (t *File) predecessor(page *Page) (*Page, error) {
	var found *Page
	for i := range t.pages {
		if t.pages[i].NextValue == page.Offset && t.pages[i].Offset != page.Offset {
			if found != nil {
				return nil, errors.Errorf("IFD chain corruption: multiple pages point to offset %d", page.Offset)
			}
			found = &t.pages[i]
		}
	}
	if found == nil {
		return nil, errors.Errorf("IFD chain corruption: no page points to offset %d", page.Offset)
	}
	return found, nil
}

// zeroStrips erases every (offset, byte count) range listed by the
// page's strip descriptor tag pair.
func (t *File) zeroStrips(page *Page) error {
	offsetsTag := page.Tag(tagStripOffsets)
	countsTag := page.Tag(tagStripByteCounts)
	if offsetsTag == nil || countsTag == nil {
		return errors.New("page has no strip descriptors")
	}
	offsets, err := t.integerValues(offsetsTag)
	if err != nil {
		return errors.Errorf("reading strip offsets: %w", err)
	}
	counts, err := t.integerValues(countsTag)
	if err != nil {
		return errors.Errorf("reading strip byte counts: %w", err)
	}
	if len(offsets) != len(counts) {
		return errors.Errorf("strip descriptor mismatch: %d offsets, %d byte counts", len(offsets), len(counts))
	}
	for i := range offsets {
		if err := t.zeroRange(int64(offsets[i]), int64(counts[i])); err != nil {
			return errors.Errorf("zeroing strip %d: %w", i, err)
		}
	}
	return nil
}

// zeroTagValues erases the out-of-line value bytes of every tag in the
// page, regardless of tag semantics. Inline values live inside the IFD
// block and are erased with it.
func (t *File) zeroTagValues(page *Page) error {
	for i := range page.Tags {
		tag := &page.Tags[i]
		if !tag.OutOfLine {
			continue
		}
		if err := t.zeroRange(tag.ValuePos, int64(tag.Size)); err != nil {
			return errors.Errorf("zeroing value of tag %#x: %w", tag.ID, err)
		}
	}
	return nil
}
