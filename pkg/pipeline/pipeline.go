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

// Package pipeline orchestrates a batch run: load the manifest, walk it
// file by file through copy, redaction, checksum, upload, and metadata
// generation, and persist the status table after every file so an
// interrupted run resumes where it stopped.
package pipeline

import (
	"context"
	"crypto/md5"
	"encoding/csv"
	"encoding/hex"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/walteh/slidescrub/pkg/config"
	"github.com/walteh/slidescrub/pkg/manifest"
	"github.com/walteh/slidescrub/pkg/state"
	"github.com/walteh/slidescrub/pkg/submission"
	"github.com/walteh/slidescrub/pkg/upload"
	"github.com/walteh/slidescrub/pkg/worker"
	"gitlab.com/tozd/go/errors"
)

// Options wires the pipeline's collaborators. Uploader may be nil when
// no bucket is configured; OnProgress, when set, is called after every
// finished file.
type Options struct {
	Config     *config.Config
	Uploader   upload.Uploader
	OnProgress func(done, total int, progress worker.Progress)
}

// Summary is what one run accomplished.
type Summary struct {
	ManifestRows int
	Succeeded    int
	Failed       int
	Planned      int
	Resumed      int
	Deferred     int
}

// Pipeline executes one batch run.
type Pipeline struct {
	cfg        *config.Config
	uploader   upload.Uploader
	onProgress func(done, total int, progress worker.Progress)
}

func New(opts Options) (*Pipeline, error) {
	if opts.Config == nil {
		return nil, errors.Errorf("pipeline requires a resolved config")
	}
	if opts.Config.S3Bucket != "" && opts.Uploader == nil && !opts.Config.DryRun {
		return nil, errors.Errorf("s3_bucket is set but no uploader was provided")
	}
	return &Pipeline{
		cfg:        opts.Config,
		uploader:   opts.Uploader,
		onProgress: opts.OnProgress,
	}, nil
}

// Run processes the manifest. Per-file failures are recorded, not
// returned, unless fail_fast is set; the returned error means the run
// itself could not proceed.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {
	logger := zerolog.Ctx(ctx)

	if err := os.MkdirAll(p.cfg.OutDir, 0755); err != nil {
		return nil, errors.Errorf("creating output directory: %w", err)
	}

	rows, err := manifest.Load(ctx, p.cfg.Manifest, manifest.LoadOptions{SkipGlobs: p.cfg.SkipGlobs})
	if err != nil {
		return nil, errors.Errorf("loading manifest: %w", err)
	}
	pairs := manifest.Pairs(rows, p.cfg.OutDir)

	if err := p.writeSourceDestination(pairs); err != nil {
		return nil, err
	}

	store := state.NewStore(p.cfg.OutDir)
	if err := store.LoadRemoteManifest(ctx); err != nil {
		return nil, err
	}
	if p.cfg.Resume {
		if err := store.LoadStatus(ctx); err != nil {
			return nil, err
		}
	}

	if p.cfg.DryRun {
		return p.plan(ctx, store, rows, pairs)
	}

	summary := &Summary{ManifestRows: len(rows)}
	tracker := worker.NewTracker(pairs)
	var submissionRecords []submission.Record

	processed := 0
	for i, pair := range pairs {
		sourceHash := manifest.SourceHash(pair.Source)
		prior, hasPrior := store.Lookup(pair.Destination)
		_, statErr := os.Stat(pair.Destination)
		localExists := statErr == nil
		priorUploaded := hasPrior && prior.UploadStatus == state.UploadUploaded

		// A file whose redacted output was uploaded and then deleted
		// locally is finished work; inherit it from the upload manifest
		// instead of re-copying the source. Only a resumed run with no
		// prior local status for the destination may take this branch,
		// otherwise a stale manifest could convert a failure to success.
		if p.cfg.Resume && p.cfg.S3Bucket != "" && !hasPrior && !localExists {
			if uri, ok := store.RemoteURI(pair.Destination); ok {
				store.Put(state.Record{
					Destination:  pair.Destination,
					SourceHash:   sourceHash,
					Status:       state.StatusSuccess,
					UploadStatus: state.UploadUploaded,
					S3URI:        uri,
					LocalDeleted: true,
				})
				if err := p.persist(ctx, store); err != nil {
					return nil, err
				}
				summary.Resumed++
				summary.Succeeded++
				logger.Info().Str("uri", uri).Str("source", pair.Source).Msg("inherited prior upload")
				continue
			}
		}

		// A prior success is reused verbatim only while it still covers
		// what this run asks for: uploaded when a bucket is requested,
		// or still on disk when the run is local-only.
		if p.cfg.Resume && hasPrior && prior.Status == state.StatusSuccess {
			if (p.cfg.S3Bucket != "" && priorUploaded) || (p.cfg.S3Bucket == "" && localExists) {
				summary.Resumed++
				summary.Succeeded++
				logger.Info().Str("source", pair.Source).Msg("already processed, skipping")
				continue
			}
		}

		if p.cfg.MaxFiles > 0 && processed >= p.cfg.MaxFiles {
			summary.Deferred++
			logger.Info().Str("source", pair.Source).Msg("reached max_files cap, deferring file")
			continue
		}

		// A prior success whose local output survives does not need the
		// worker again; only its upload or deletion is outstanding.
		reuseRedaction := p.cfg.Resume && hasPrior &&
			prior.Status == state.StatusSuccess && localExists
		if !reuseRedaction {
			processed++
		}
		rec, subRec := p.processFile(ctx, store, rows[i], pair, tracker, i, sourceHash, reuseRedaction)
		store.Put(rec)
		if err := p.persist(ctx, store); err != nil {
			return nil, err
		}

		if rec.Status == state.StatusSuccess {
			summary.Succeeded++
			if subRec != nil {
				submissionRecords = append(submissionRecords, *subRec)
			}
		} else {
			summary.Failed++
			if p.cfg.FailFast {
				p.finish(ctx, store, summary, submissionRecords)
				return summary, errors.Errorf("processing %s: %s", pair.Source, rec.Error)
			}
		}

		if p.onProgress != nil {
			p.onProgress(tracker.DoneCount(), len(pairs), tracker.Snapshot()[i])
		}
	}

	p.finish(ctx, store, summary, submissionRecords)
	return summary, nil
}

// processFile runs one manifest row through the full per-file state
// machine. The returned record always reflects the final disposition;
// failures are captured in the record, never returned.
func (p *Pipeline) processFile(
	ctx context.Context,
	store *state.Store,
	row manifest.Row,
	pair manifest.Pair,
	tracker *worker.Tracker,
	index int,
	sourceHash string,
	reuseRedaction bool,
) (state.Record, *submission.Record) {
	logger := zerolog.Ctx(ctx)

	rec := state.Record{
		Destination:  pair.Destination,
		SourceHash:   sourceHash,
		UploadStatus: state.UploadNotRequested,
	}

	var result worker.Result
	if reuseRedaction {
		result = worker.Result{Destination: pair.Destination, Status: worker.StatusSuccess}
		tracker.Update(index, func(pr *worker.Progress) { pr.Done = true })
		logger.Info().Str("dest", pair.Destination).Msg("reusing prior redaction")
	} else {
		result = worker.CopyAndStrip(ctx, pair, tracker, index)
	}
	rec.Destination = result.Destination
	if result.Status != worker.StatusSuccess {
		rec.Status = state.StatusFailed
		rec.Error = result.Error
		return rec, nil
	}

	rec.MD5 = fileMD5(ctx, result.Destination)

	if p.cfg.S3Bucket != "" {
		rec.UploadStatus = state.UploadPending
		uri, ok := store.RemoteURI(result.Destination)
		if ok {
			logger.Info().Str("uri", uri).Msg("upload already recorded, reusing")
		} else {
			var err error
			uri, err = p.uploader.Upload(ctx, result.Destination, p.cfg.S3Bucket, p.remoteKey(result.Destination))
			if err != nil {
				rec.Status = state.StatusFailed
				rec.Error = err.Error()
				return rec, nil
			}
			store.PutRemote(state.RemoteEntry{LocalPath: result.Destination, S3URI: uri})
		}
		rec.UploadStatus = state.UploadUploaded
		rec.S3URI = uri
	}

	// Metadata generation needs the local file, so it runs before any
	// post-upload deletion. A metadata failure does not fail the file.
	var subRec *submission.Record
	if generated, err := submission.Generate(ctx, row, result.Destination); err != nil {
		logger.Warn().Err(err).Str("dest", result.Destination).Msg("could not generate submission metadata")
	} else {
		subRec = &generated
	}

	if !p.cfg.KeepLocal && rec.UploadStatus == state.UploadUploaded {
		if err := os.Remove(result.Destination); err != nil {
			logger.Warn().Err(err).Str("dest", result.Destination).Msg("could not delete local file after upload")
		} else {
			rec.LocalDeleted = true
			logger.Info().Str("dest", result.Destination).Msg("deleted local file after confirmed upload")
		}
	}

	rec.Status = state.StatusSuccess
	return rec, subRec
}

// plan is the dry-run path: record what would be processed, touch
// nothing. Every pair is planned; the max_files cap only limits actual
// processing.
func (p *Pipeline) plan(ctx context.Context, store *state.Store, rows []manifest.Row, pairs []manifest.Pair) (*Summary, error) {
	logger := zerolog.Ctx(ctx)
	summary := &Summary{ManifestRows: len(rows)}

	for _, pair := range pairs {
		store.Put(state.Record{
			Destination:  pair.Destination,
			SourceHash:   manifest.SourceHash(pair.Source),
			Status:       state.StatusPlanned,
			UploadStatus: state.UploadNotRequested,
		})
		summary.Planned++
		logger.Info().Str("source", pair.Source).Str("dest", pair.Destination).Msg("planned")
	}

	if err := store.SaveStatus(ctx); err != nil {
		return nil, err
	}
	if err := p.writeJournal(ctx, store, summary); err != nil {
		return nil, err
	}
	return summary, nil
}

func (p *Pipeline) finish(ctx context.Context, store *state.Store, summary *Summary, records []submission.Record) {
	logger := zerolog.Ctx(ctx)

	if len(records) > 0 {
		if _, err := submission.WriteCSV(ctx, p.cfg.OutDir, records); err != nil {
			logger.Warn().Err(err).Msg("could not write submission metadata")
		}
	}
	if err := p.writeJournal(ctx, store, summary); err != nil {
		logger.Warn().Err(err).Msg("could not write run journal")
	}
}

func (p *Pipeline) writeJournal(ctx context.Context, store *state.Store, summary *Summary) error {
	return store.WriteJournal(ctx, state.Journal{
		Manifest:     p.cfg.Manifest,
		OutDir:       p.cfg.OutDir,
		S3Bucket:     p.cfg.S3Bucket,
		S3Prefix:     p.cfg.S3Prefix,
		DryRun:       p.cfg.DryRun,
		ManifestRows: summary.ManifestRows,
		Succeeded:    summary.Succeeded,
		Failed:       summary.Failed,
	})
}

func (p *Pipeline) persist(ctx context.Context, store *state.Store) error {
	if err := store.SaveStatus(ctx); err != nil {
		return err
	}
	return store.SaveRemoteManifest(ctx)
}

func (p *Pipeline) remoteKey(localPath string) string {
	name := filepath.Base(localPath)
	if p.cfg.S3Prefix == "" {
		return name
	}
	return path.Join(p.cfg.S3Prefix, name)
}

// writeSourceDestination records the full planned mapping under
// derived/source_destination.csv before any file is touched.
func (p *Pipeline) writeSourceDestination(pairs []manifest.Pair) error {
	dir := filepath.Join(p.cfg.OutDir, "derived")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Errorf("creating derived directory: %w", err)
	}

	f, err := os.Create(filepath.Join(dir, "source_destination.csv"))
	if err != nil {
		return errors.Errorf("creating source_destination.csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"source", "destination"}); err != nil {
		return errors.Errorf("writing mapping header: %w", err)
	}
	for _, pair := range pairs {
		if err := w.Write([]string{pair.Source, pair.Destination}); err != nil {
			return errors.Errorf("writing mapping row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return errors.Errorf("flushing mapping rows: %w", err)
	}
	return nil
}

// fileMD5 returns the hex MD5 of a file, or "" when the file cannot be
// read. A missing checksum is recorded as empty rather than failing a
// file that already redacted cleanly.
func fileMD5(ctx context.Context, path string) string {
	f, err := os.Open(path)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("path", path).Msg("could not open file for checksum")
		return ""
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("path", path).Msg("could not checksum file")
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}
