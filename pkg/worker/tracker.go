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

package worker

import (
	"os"
	"sync"

	"github.com/walteh/slidescrub/pkg/manifest"
)

// Progress is one file's entry in the shared status aggregate.
type Progress struct {
	Source         string
	Dest           string
	Filesize       int64
	Done           bool
	Renamed        bool
	Failed         bool
	FailureMessage string
}

// Tracker is the lock-protected progress aggregate shared between
// workers and the status-persistence path. Every read and every
// field-level update takes the lock; Snapshot returns a point-in-time
// copy so concurrent writers never expose a torn record.
type Tracker struct {
	mu      sync.Mutex
	entries []Progress
}

// NewTracker seeds one entry per pair, recording the source size up
// front when the source is statable.
func NewTracker(pairs []manifest.Pair) *Tracker {
	entries := make([]Progress, len(pairs))
	for i, pair := range pairs {
		entries[i] = Progress{Source: pair.Source}
		if st, err := os.Stat(pair.Source); err == nil {
			entries[i].Filesize = st.Size()
		}
	}
	return &Tracker{entries: entries}
}

// Update applies a field-level mutation to one entry under the lock.
func (t *Tracker) Update(index int, fn func(*Progress)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.entries) {
		return
	}
	fn(&t.entries[index])
}

// Snapshot returns a deep copy of every entry, taken under the lock.
func (t *Tracker) Snapshot() []Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Progress, len(t.entries))
	copy(out, t.entries)
	return out
}

// DoneCount returns how many entries have finished, success or failure.
func (t *Tracker) DoneCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for i := range t.entries {
		if t.entries[i].Done {
			n++
		}
	}
	return n
}
