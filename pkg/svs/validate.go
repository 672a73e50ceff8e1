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
)

// Report is the deidentification-completeness result of a read-only pass
// over one file. CleanFilename is true when at least one page's Filename
// fragment matches its ImageID; NoLabel/NoMacro are false when a page
// still looks like that associated image.
type Report struct {
	Path          string
	CleanFilename bool
	NoLabel       bool
	NoMacro       bool
}

// Deidentified reports whether every element of the report is clean.
func (r Report) Deidentified() bool {
	return r.CleanFilename && r.NoLabel && r.NoMacro
}

// Validate produces a completeness report without mutating the file. The
// GT450 extra-pages case is conservative: when the positional heuristic
// cannot tell which extra pages are which, both slots are reported as
// still present so the file is flagged rather than silently passed.
func (t *File) Validate(ctx context.Context) (Report, error) {
	report := Report{Path: t.path, NoLabel: true, NoMacro: true}

	if t.DetectFamily() == FamilyGT450 && len(t.pages) > gt450StandardPages {
		report.NoLabel = false
		report.NoMacro = false
	}

	for i := range t.pages {
		clean, present, err := t.FilenameClean(&t.pages[i])
		if err != nil {
			return Report{}, err
		}
		if present && clean {
			report.CleanFilename = true
		}
		if strings.Contains(t.pages[i].Description, string(SlotLabel)) {
			report.NoLabel = false
		}
		if strings.Contains(t.pages[i].Description, string(SlotMacro)) {
			report.NoMacro = false
		}
	}
	return report, nil
}
