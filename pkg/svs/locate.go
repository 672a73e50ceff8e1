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
	"strings"

	"gitlab.com/tozd/go/errors"
)

// Slot identifies one of the associated-image positions a slide may carry.
type Slot string

const (
	SlotLabel Slot = "label"
	SlotMacro Slot = "macro"
)

// Family is the scanner class that produced the file. It determines how
// associated images are located: AT2 and older Aperio scanners mark the
// label and macro pages with substrings in the page description, while
// the GT450 writes them as the last two pages with no marker.
type Family int

const (
	// FamilyAperio covers "Aperio Image Library" files and anything
	// unrecognized, which defaults to description-substring matching.
	FamilyAperio Family = iota
	FamilyGT450
)

const (
	aperioLibraryMarker = "Aperio Image Library"
	gt450Marker         = "Aperio Leica Biosystems GT450"

	// gt450StandardPages is the page count of a well-formed GT450 slide:
	// baseline, thumbnail, one intermediate level, label, macro. Extra
	// pages make the positional heuristic ambiguous.
	gt450StandardPages = 5
)

// DetectFamily classifies the file by the first page's description.
func (t *File) DetectFamily() Family {
	if len(t.pages) == 0 {
		return FamilyAperio
	}
	desc := t.pages[0].Description
	if strings.Contains(desc, gt450Marker) {
		return FamilyGT450
	}
	return FamilyAperio
}

// LocateResult is the outcome of looking for one associated-image slot.
// Page is nil when the slot is absent. Indeterminate marks the GT450
// extra-pages case where positional identity cannot be trusted; callers
// should treat the slot as present rather than silently passing.
type LocateResult struct {
	Page          *Page
	Indeterminate bool
}

// Locate finds the page holding the given slot, if any. Under the
// substring strategy, more than one matching page is a format violation,
// never silently resolved.
func (t *File) Locate(slot Slot) (LocateResult, error) {
	if slot != SlotLabel && slot != SlotMacro {
		return LocateResult{}, errors.Errorf("invalid associated image slot %q", slot)
	}

	if t.DetectFamily() == FamilyGT450 {
		return t.locateGT450(slot), nil
	}

	var matches []*Page
	for i := range t.pages {
		if strings.Contains(t.pages[i].Description, string(slot)) {
			matches = append(matches, &t.pages[i])
		}
	}
	switch len(matches) {
	case 0:
		return LocateResult{}, nil
	case 1:
		return LocateResult{Page: matches[0]}, nil
	default:
		return LocateResult{}, errors.Errorf("invalid SVS format: duplicate associated %s images found", slot)
	}
}

// locateGT450 applies the positional rule: label is the second-to-last
// page, macro the last. With more pages than the standard layout the
// identity of the extras is ambiguous; the result is flagged
// indeterminate but still points at the positional page so redaction
// stays conservative.
func (t *File) locateGT450(slot Slot) LocateResult {
	n := len(t.pages)
	if n < 2 {
		return LocateResult{Indeterminate: n > gt450StandardPages}
	}
	res := LocateResult{Indeterminate: n > gt450StandardPages}
	if slot == SlotLabel {
		res.Page = &t.pages[n-2]
	} else {
		res.Page = &t.pages[n-1]
	}
	return res
}
