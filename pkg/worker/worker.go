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

// Package worker performs the per-file copy-and-redact sequence and
// reports progress into a shared, lock-protected aggregate so multiple
// workers can run concurrently.
package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/walteh/slidescrub/pkg/manifest"
	"github.com/walteh/slidescrub/pkg/svs"
	"gitlab.com/tozd/go/errors"
)

// Status of one file's attempt.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Result is the worker's per-file outcome. Destination is the path
// actually used, which may carry a collision suffix.
type Result struct {
	Destination string
	Status      string
	Error       string
}

// CopyAndStrip copies the source to the destination, removes the label
// and macro associated images, and scrubs Filename metadata across all
// pages. On any failure after the copy was made, the partially processed
// destination is deleted so a failed attempt never leaves a half-redacted
// file on disk. The tracker entry at index is updated as the sequence
// progresses and always marked done on return.
func CopyAndStrip(ctx context.Context, pair manifest.Pair, tracker *Tracker, index int) Result {
	logger := zerolog.Ctx(ctx)

	defer tracker.Update(index, func(p *Progress) { p.Done = true })

	dest, renamed, err := copySource(ctx, pair.Source, pair.Destination)
	if err != nil {
		tracker.Update(index, func(p *Progress) {
			p.Failed = true
			p.FailureMessage = err.Error()
		})
		logger.Error().Err(err).Str("source", pair.Source).Msg("copy failed")
		return Result{Destination: pair.Destination, Status: StatusFailed, Error: err.Error()}
	}
	tracker.Update(index, func(p *Progress) {
		p.Dest = dest
		p.Renamed = renamed
	})

	logger.Info().Str("dest", dest).Msg("deidentifying file")
	if err := redact(ctx, dest); err != nil {
		if rmErr := os.Remove(dest); rmErr != nil && !os.IsNotExist(rmErr) {
			logger.Warn().Err(rmErr).Str("dest", dest).Msg("could not remove partial destination")
		}
		tracker.Update(index, func(p *Progress) {
			p.Failed = true
			p.FailureMessage = err.Error()
		})
		logger.Error().Err(err).Str("dest", dest).Msg("deidentification failed; removed copied file")
		return Result{Destination: dest, Status: StatusFailed, Error: err.Error()}
	}

	logger.Info().Str("dest", dest).Msg("deidentification complete")
	return Result{Destination: dest, Status: StatusSuccess}
}

// redact owns the destination's file handle for the full surgery and
// releases it on every exit path.
func redact(ctx context.Context, dest string) error {
	f, err := svs.Open(dest)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.RemoveAssociatedImage(ctx, svs.SlotLabel); err != nil {
		return err
	}
	if err := f.RemoveAssociatedImage(ctx, svs.SlotMacro); err != nil {
		return err
	}
	return f.ScrubFilenames(ctx)
}

// copySource copies the source bytes to the destination, creating parent
// directories as needed. An existing destination is never overwritten:
// the first available name(1), name(2), ... suffix is used instead.
func copySource(ctx context.Context, source, destination string) (string, bool, error) {
	if err := os.MkdirAll(filepath.Dir(destination), 0755); err != nil {
		return "", false, errors.Errorf("creating destination directory: %w", err)
	}

	dest, renamed, err := availableName(destination)
	if err != nil {
		return "", false, err
	}
	if err := copyFile(source, dest); err != nil {
		// A partial copy still carries the source's label and macro
		// bytes; it must not stay in the output tree.
		if rmErr := os.Remove(dest); rmErr != nil && !os.IsNotExist(rmErr) {
			zerolog.Ctx(ctx).Warn().Err(rmErr).Str("dest", dest).Msg("could not remove partial copy")
		}
		return "", false, err
	}
	return dest, renamed, nil
}

func availableName(destination string) (string, bool, error) {
	if _, err := os.Stat(destination); os.IsNotExist(err) {
		return destination, false, nil
	} else if err != nil {
		return "", false, errors.Errorf("checking destination: %w", err)
	}

	ext := filepath.Ext(destination)
	base := strings.TrimSuffix(destination, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s(%d)%s", base, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, true, nil
		} else if err != nil {
			return "", false, errors.Errorf("checking destination: %w", err)
		}
	}
}

func copyFile(src, dst string) error {
	source, err := os.Open(src)
	if err != nil {
		return errors.Errorf("opening source file: %w", err)
	}
	defer source.Close()

	destination, err := os.Create(dst)
	if err != nil {
		return errors.Errorf("creating destination file: %w", err)
	}
	defer destination.Close()

	if _, err := io.Copy(destination, source); err != nil {
		return errors.Errorf("copying file content: %w", err)
	}
	return destination.Sync()
}
