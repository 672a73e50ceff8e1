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
	"strings"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

const (
	filenameKey = "Filename"
	imageIDKey  = "ImageID"
)

// descriptionIdentity holds the Filename/ImageID fragments parsed from a
// page description's pipe-delimited micro-format.
type descriptionIdentity struct {
	filenameFragment string // verbatim fragment, including surrounding spaces
	filename         string
	imageID          string
}

// parseIdentity extracts the Filename and ImageID key-value fragments.
// More than two matching fragments means the description carries
// unexpected extra identifying fields, a fatal parse error. A missing
// Filename fragment returns nil.
func parseIdentity(desc string) (*descriptionIdentity, error) {
	if !strings.Contains(desc, filenameKey) {
		return nil, nil
	}
	var fragments []string
	for _, part := range strings.Split(desc, "|") {
		if strings.Contains(part, filenameKey+" = ") || strings.Contains(part, imageIDKey+" = ") {
			fragments = append(fragments, part)
		}
	}
	if len(fragments) > 2 {
		return nil, errors.Errorf("more than 2 Filename/ImageID fragments in description: %d found", len(fragments))
	}

	id := &descriptionIdentity{}
	for _, frag := range fragments {
		key, value, ok := strings.Cut(frag, " = ")
		if !ok {
			return nil, errors.Errorf("malformed description fragment %q", frag)
		}
		switch strings.TrimSpace(key) {
		case filenameKey:
			id.filenameFragment = frag
			id.filename = value
		case imageIDKey:
			id.imageID = value
		}
	}
	if id.filenameFragment == "" {
		return nil, nil
	}
	return id, nil
}

// ScrubFilenames rewrites the Filename metadata value to match ImageID in
// every page description that carries one. The rewrite is strictly in
// place: if the replacement would change the description's byte length,
// the scrub fails for that page rather than corrupting offsets. Pages
// without a Filename fragment are skipped.
func (t *File) ScrubFilenames(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)
	for i := range t.pages {
		changed, err := t.scrubPage(&t.pages[i])
		if err != nil {
			return errors.Errorf("scrubbing filename on page %d: %w", i, err)
		}
		if changed {
			logger.Debug().Int("page", i).Str("path", t.path).Msg("rewrote Filename to match ImageID")
		}
	}
	return nil
}

func (t *File) scrubPage(page *Page) (bool, error) {
	id, err := parseIdentity(page.Description)
	if err != nil {
		return false, err
	}
	if id == nil || id.filename == id.imageID {
		return false, nil
	}

	// Preserve the fragment's original spacing so only the value changes.
	newFragment := strings.Replace(id.filenameFragment, " = "+id.filename, " = "+id.imageID, 1)
	newDesc := strings.Replace(page.Description, id.filenameFragment, newFragment, 1)
	if len(newDesc) != len(page.Description) {
		return false, errors.Errorf("replacement Filename %q does not fit in place of %q", id.imageID, id.filename)
	}

	desc := page.Tag(tagImageDescription)
	if desc == nil {
		return false, errors.New("page has description text but no description tag")
	}
	if err := t.writeAt(desc.ValuePos, []byte(newDesc)); err != nil {
		return false, errors.Errorf("rewriting description: %w", err)
	}
	page.Description = newDesc
	return true, nil
}

// FilenameClean reports whether the page's Filename fragment already
// matches ImageID without mutating anything. The second return is false
// when the page carries no Filename fragment.
func (t *File) FilenameClean(page *Page) (clean bool, present bool, err error) {
	id, err := parseIdentity(page.Description)
	if err != nil {
		return false, false, err
	}
	if id == nil {
		return false, false, nil
	}
	return id.filename == id.imageID, true, nil
}

// ImageID returns the ImageID metadata value from the first page that
// carries one. Used to derive the de-identified file identity after a
// scrub.
func (t *File) ImageID() (string, error) {
	for i := range t.pages {
		id, err := parseIdentity(t.pages[i].Description)
		if err != nil {
			return "", err
		}
		if id != nil && id.imageID != "" {
			return id.imageID, nil
		}
	}
	return "", errors.Errorf("no ImageID metadata in %s", t.path)
}

// AppMag returns the scanner magnification from the first page that
// carries an AppMag fragment, or "" when no page does.
func (t *File) AppMag() string {
	for i := range t.pages {
		for _, part := range strings.Split(t.pages[i].Description, "|") {
			key, value, ok := strings.Cut(part, " = ")
			if ok && strings.TrimSpace(key) == "AppMag" {
				return value
			}
		}
	}
	return ""
}
