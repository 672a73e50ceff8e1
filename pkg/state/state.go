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

// Package state persists the batch run's durable artifacts under the
// output directory: the per-file status table (status/status.csv), the
// remote upload manifest (s3_manifest.csv), and the run journal
// (run.json). The status table and upload manifest are rewritten in full
// after every file so an interrupted run can resume from whatever was
// last flushed.
package state

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// Per-file outcome as recorded in status.csv.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusPlanned = "planned"
)

// Upload disposition as recorded in status.csv.
const (
	UploadNotRequested = "not_requested"
	UploadPending      = "pending"
	UploadUploaded     = "uploaded"
)

// JournalVersion identifies the run.json schema.
const JournalVersion = "1"

// Record is one row of status.csv. Records are keyed by Destination;
// the deterministic destination derivation makes that key stable across
// runs, which is what resume matching relies on.
type Record struct {
	Destination  string
	SourceHash   string
	Status       string
	Error        string
	MD5          string
	UploadStatus string
	S3URI        string
	LocalDeleted bool
}

// RemoteEntry is one row of s3_manifest.csv: a local file known to have
// been uploaded, and where it went.
type RemoteEntry struct {
	LocalPath string
	S3URI     string
}

// Journal is the run.json summary written at the end of a run (and at
// the end of a dry run). GeneratedAt is RFC3339 UTC.
type Journal struct {
	Version      string `json:"version"`
	GeneratedAt  string `json:"generated_at"`
	Manifest     string `json:"manifest"`
	OutDir       string `json:"out_dir"`
	S3Bucket     string `json:"s3_bucket,omitempty"`
	S3Prefix     string `json:"s3_prefix,omitempty"`
	DryRun       bool   `json:"dry_run"`
	ManifestRows int    `json:"manifest_rows"`
	Succeeded    int    `json:"succeeded"`
	Failed       int    `json:"failed"`
}

var statusHeader = []string{
	"destination", "source_hash", "status", "error",
	"md5", "upload_status", "s3_uri", "local_deleted",
}

var remoteHeader = []string{"local_path", "s3_uri"}

// Store owns the on-disk state files for one output directory. All
// mutation and persistence goes through the store so the CSV on disk is
// always a complete, consistent snapshot.
type Store struct {
	outDir string

	mu      sync.Mutex
	records []Record
	byDest  map[string]int
	remote  []RemoteEntry
	byLocal map[string]int
}

// NewStore returns an empty store rooted at outDir. Call LoadStatus and
// LoadRemoteManifest to pick up a previous run's state.
func NewStore(outDir string) *Store {
	return &Store{
		outDir:  outDir,
		byDest:  make(map[string]int),
		byLocal: make(map[string]int),
	}
}

func (s *Store) StatusPath() string {
	return filepath.Join(s.outDir, "status", "status.csv")
}

func (s *Store) RemoteManifestPath() string {
	return filepath.Join(s.outDir, "s3_manifest.csv")
}

func (s *Store) JournalPath() string {
	return filepath.Join(s.outDir, "run.json")
}

// LoadStatus reads status/status.csv if it exists. A missing file is not
// an error; the store just stays empty.
func (s *Store) LoadStatus(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)

	rows, found, err := readCSV(s.StatusPath(), statusHeader)
	if err != nil {
		return errors.Errorf("loading status table: %w", err)
	}
	if !found {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = s.records[:0]
	s.byDest = make(map[string]int, len(rows))
	for _, row := range rows {
		rec := Record{
			Destination:  row[0],
			SourceHash:   row[1],
			Status:       row[2],
			Error:        row[3],
			MD5:          row[4],
			UploadStatus: row[5],
			S3URI:        row[6],
			LocalDeleted: row[7] == "yes",
		}
		s.byDest[rec.Destination] = len(s.records)
		s.records = append(s.records, rec)
	}

	logger.Debug().Int("records", len(s.records)).Msg("loaded status table")
	return nil
}

// LoadRemoteManifest reads s3_manifest.csv if it exists.
func (s *Store) LoadRemoteManifest(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)

	rows, found, err := readCSV(s.RemoteManifestPath(), remoteHeader)
	if err != nil {
		return errors.Errorf("loading remote manifest: %w", err)
	}
	if !found {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote = s.remote[:0]
	s.byLocal = make(map[string]int, len(rows))
	for _, row := range rows {
		entry := RemoteEntry{LocalPath: row[0], S3URI: row[1]}
		s.byLocal[entry.LocalPath] = len(s.remote)
		s.remote = append(s.remote, entry)
	}

	logger.Debug().Int("entries", len(s.remote)).Msg("loaded remote upload manifest")
	return nil
}

// Lookup returns the record for a destination path, if one exists.
func (s *Store) Lookup(destination string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.byDest[destination]
	if !ok {
		return Record{}, false
	}
	return s.records[i], true
}

// Put upserts a record by destination, keeping first-seen order.
func (s *Store) Put(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.byDest[rec.Destination]; ok {
		s.records[i] = rec
		return
	}
	s.byDest[rec.Destination] = len(s.records)
	s.records = append(s.records, rec)
}

// Records returns a copy of every record in first-seen order.
func (s *Store) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// RemoteURI returns the recorded upload target for a local path.
func (s *Store) RemoteURI(localPath string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.byLocal[localPath]
	if !ok {
		return "", false
	}
	return s.remote[i].S3URI, true
}

// PutRemote upserts an upload manifest entry by local path.
func (s *Store) PutRemote(entry RemoteEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.byLocal[entry.LocalPath]; ok {
		s.remote[i] = entry
		return
	}
	s.byLocal[entry.LocalPath] = len(s.remote)
	s.remote = append(s.remote, entry)
}

// SaveStatus rewrites status/status.csv atomically.
func (s *Store) SaveStatus(ctx context.Context) error {
	s.mu.Lock()
	rows := make([][]string, 0, len(s.records))
	for _, rec := range s.records {
		deleted := "no"
		if rec.LocalDeleted {
			deleted = "yes"
		}
		rows = append(rows, []string{
			rec.Destination, rec.SourceHash, rec.Status, rec.Error,
			rec.MD5, rec.UploadStatus, rec.S3URI, deleted,
		})
	}
	s.mu.Unlock()

	if err := writeCSVAtomic(s.StatusPath(), statusHeader, rows); err != nil {
		return errors.Errorf("saving status table: %w", err)
	}
	zerolog.Ctx(ctx).Debug().Int("records", len(rows)).Msg("saved status table")
	return nil
}

// SaveRemoteManifest rewrites s3_manifest.csv atomically.
func (s *Store) SaveRemoteManifest(ctx context.Context) error {
	s.mu.Lock()
	rows := make([][]string, 0, len(s.remote))
	for _, entry := range s.remote {
		rows = append(rows, []string{entry.LocalPath, entry.S3URI})
	}
	s.mu.Unlock()

	if err := writeCSVAtomic(s.RemoteManifestPath(), remoteHeader, rows); err != nil {
		return errors.Errorf("saving remote manifest: %w", err)
	}
	zerolog.Ctx(ctx).Debug().Int("entries", len(rows)).Msg("saved remote upload manifest")
	return nil
}

// WriteJournal writes run.json. The version and timestamp are stamped
// here so callers only fill in the run facts.
func (s *Store) WriteJournal(ctx context.Context, journal Journal) error {
	journal.Version = JournalVersion
	if journal.GeneratedAt == "" {
		journal.GeneratedAt = time.Now().UTC().Format(time.RFC3339)
	}

	content, err := json.MarshalIndent(journal, "", "  ")
	if err != nil {
		return errors.Errorf("encoding run journal: %w", err)
	}
	if err := writeFileAtomic(s.JournalPath(), append(content, '\n')); err != nil {
		return errors.Errorf("writing run journal: %w", err)
	}
	zerolog.Ctx(ctx).Info().Str("path", s.JournalPath()).Msg("wrote run journal")
	return nil
}

// readCSV loads a headed CSV file. found is false when the file does not
// exist. Every data row must have exactly len(header) fields, and the
// header on disk must match the expected one.
func readCSV(path string, header []string) (rows [][]string, found bool, err error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, errors.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	all, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, false, errors.Errorf("parsing %s: %w", path, err)
	}
	if len(all) == 0 {
		return nil, true, nil
	}
	if len(all[0]) != len(header) {
		return nil, false, errors.Errorf("%s: expected %d columns, found %d", path, len(header), len(all[0]))
	}
	for i, name := range header {
		if all[0][i] != name {
			return nil, false, errors.Errorf("%s: expected column %q, found %q", path, name, all[0][i])
		}
	}
	return all[1:], true, nil
}

// writeCSVAtomic serializes header+rows and replaces path in one rename.
func writeCSVAtomic(path string, header []string, rows [][]string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return errors.Errorf("writing header: %w", err)
	}
	if err := w.WriteAll(rows); err != nil {
		return errors.Errorf("writing rows: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return errors.Errorf("flushing rows: %w", err)
	}
	return writeFileAtomic(path, buf.Bytes())
}

// writeFileAtomic writes to a sibling temp file and renames it into
// place so readers never observe a partially written file.
func writeFileAtomic(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Errorf("creating parent directories: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, content, 0644); err != nil {
		return errors.Errorf("writing temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return errors.Errorf("renaming temp file: %w", err)
	}
	return nil
}
