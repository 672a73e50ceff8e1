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

// Package manifest loads the batch input: one row per requested slide,
// and the deterministic (source, destination) pairs derived from it.
package manifest

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// requiredColumns are the headers a manifest must carry, in any order.
var requiredColumns = []string{"location", "rid", "specnum_formatted", "stain", "sample_id"}

// Row is one requested slide.
type Row struct {
	Location string
	RID      string
	Specnum  string
	Stain    string
	SampleID string
}

// Pair maps a source slide to its de-identified destination path.
type Pair struct {
	Source      string
	Destination string
}

// LoadOptions tunes manifest loading.
type LoadOptions struct {
	// SkipGlobs drops rows whose resolved location matches any pattern.
	SkipGlobs []string
}

// Load reads a CSV manifest. Rows with an empty location are dropped and
// the remaining rows keep their order; relative locations resolve against
// the manifest's own directory. A missing required column is an error.
func Load(ctx context.Context, path string, opts LoadOptions) ([]Row, error) {
	logger := zerolog.Ctx(ctx)

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Errorf("opening manifest: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, errors.Errorf("reading manifest csv: %w", err)
	}
	if len(records) == 0 {
		return nil, errors.New("manifest is empty")
	}

	index := make(map[string]int, len(records[0]))
	for i, header := range records[0] {
		index[header] = i
	}
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			return nil, errors.Errorf("manifest missing required column %q", col)
		}
	}

	manifestDir := filepath.Dir(path)
	var rows []Row
	dropped := 0
	for _, record := range records[1:] {
		location := record[index["location"]]
		if location == "" {
			dropped++
			continue
		}
		location = resolveLocation(manifestDir, location)
		if skipped, err := matchesAny(opts.SkipGlobs, location); err != nil {
			return nil, err
		} else if skipped {
			logger.Debug().Str("location", location).Msg("manifest row skipped by glob")
			dropped++
			continue
		}
		rows = append(rows, Row{
			Location: location,
			RID:      record[index["rid"]],
			Specnum:  record[index["specnum_formatted"]],
			Stain:    record[index["stain"]],
			SampleID: record[index["sample_id"]],
		})
	}
	logger.Debug().Int("rows", len(rows)).Int("dropped", dropped).Str("path", path).Msg("manifest loaded")
	return rows, nil
}

func resolveLocation(manifestDir, location string) string {
	if filepath.IsAbs(location) {
		return location
	}
	if _, err := os.Stat(location); err == nil {
		if abs, err := filepath.Abs(location); err == nil {
			return abs
		}
	}
	return filepath.Join(manifestDir, location)
}

func matchesAny(globs []string, path string) (bool, error) {
	for _, pattern := range globs {
		matched, err := doublestar.Match(pattern, filepath.ToSlash(path))
		if err != nil {
			return false, errors.Errorf("invalid skip glob %q: %w", pattern, err)
		}
		if matched {
			return true, nil
		}
	}
	return false, nil
}

// DestinationBasename derives the stable de-identified file name for a
// row: a truncated hash of the record and specimen identifiers. Identical
// (rid, specnum) always yields the identical name, which is what makes
// resume matching idempotent.
func DestinationBasename(rid, specnum string) string {
	sum := sha256.Sum256([]byte(rid + "|" + specnum))
	return fmt.Sprintf("svs_%s.svs", hex.EncodeToString(sum[:])[:16])
}

// SourceHash is the stable identifier stored for a source path in status
// records.
func SourceHash(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

// Pairs derives one (source, destination) pair per row, placing
// destinations under the svs subtree of the output directory.
func Pairs(rows []Row, outDir string) []Pair {
	svsDir := filepath.Join(outDir, "svs")
	pairs := make([]Pair, 0, len(rows))
	for _, row := range rows {
		pairs = append(pairs, Pair{
			Source:      row.Location,
			Destination: filepath.Join(svsDir, DestinationBasename(row.RID, row.Specnum)),
		})
	}
	return pairs
}
