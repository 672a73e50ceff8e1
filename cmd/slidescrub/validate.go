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

package main

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/walteh/slidescrub/pkg/manifest"
	"github.com/walteh/slidescrub/pkg/svs"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"
)

// validationResult is one row of validation_results.csv.
type validationResult struct {
	location      string
	cleanFilename bool
	noLabel       bool
	noMacro       bool
	err           string
}

func (r validationResult) deidentified() bool {
	return r.err == "" && r.cleanFilename && r.noLabel && r.noMacro
}

func newValidateCmd() *cobra.Command {
	var (
		manifestPath string
		workers      int
		skipGlobs    []string
		allowPartial bool
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check that every file in a manifest is fully de-identified",
		Long: `Validate opens each manifest file read-only and checks that no label
or macro associated image remains and that Filename metadata matches
ImageID. Results are written to validation_results.csv next to the
manifest. No file is modified.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := zerolog.Ctx(ctx)

			if manifestPath == "" {
				return errors.Errorf("manifest path is required")
			}
			if workers < 1 {
				workers = 1
			}

			rows, err := manifest.Load(ctx, manifestPath, manifest.LoadOptions{SkipGlobs: skipGlobs})
			if err != nil {
				return errors.Errorf("loading manifest: %w", err)
			}

			results := make([]validationResult, len(rows))
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(workers)
			for i, row := range rows {
				i, row := i, row
				g.Go(func() error {
					results[i] = validateFile(gctx, row.Location)
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			resultsPath := filepath.Join(filepath.Dir(manifestPath), "validation_results.csv")
			if err := writeValidationResults(resultsPath, results); err != nil {
				return err
			}
			logger.Info().Str("path", resultsPath).Msg("wrote validation results")

			clean := 0
			for _, r := range results {
				if r.deidentified() {
					clean++
				}
			}
			out := cmd.OutOrStdout()
			color.New(color.FgGreen).Fprintf(out, "deidentified: %d\n", clean)
			if clean < len(results) {
				color.New(color.FgRed).Fprintf(out, "flagged:      %d\n", len(results)-clean)
				if !allowPartial {
					return errFilesFailed
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "manifest CSV path")
	cmd.Flags().IntVarP(&workers, "workers", "w", 4, "concurrent validation workers")
	cmd.Flags().StringSliceVar(&skipGlobs, "skip-glob", nil, "glob of paths to skip (repeatable)")
	cmd.Flags().BoolVar(&allowPartial, "allow-partial", false, "exit 0 even when some files are flagged")
	return cmd
}

func validateFile(ctx context.Context, location string) validationResult {
	result := validationResult{location: location}

	f, err := svs.OpenReadOnly(location)
	if err != nil {
		result.err = err.Error()
		return result
	}
	defer f.Close()

	report, err := f.Validate(ctx)
	if err != nil {
		result.err = err.Error()
		return result
	}
	result.cleanFilename = report.CleanFilename
	result.noLabel = report.NoLabel
	result.noMacro = report.NoMacro
	return result
}

func writeValidationResults(path string, results []validationResult) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Errorf("creating validation results: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"location", "clean_filename", "no_label", "no_macro", "deidentified", "error"}); err != nil {
		return errors.Errorf("writing results header: %w", err)
	}
	for _, r := range results {
		row := []string{
			r.location,
			strconv.FormatBool(r.cleanFilename),
			strconv.FormatBool(r.noLabel),
			strconv.FormatBool(r.noMacro),
			strconv.FormatBool(r.deidentified()),
			r.err,
		}
		if err := w.Write(row); err != nil {
			return errors.Errorf("writing results row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return errors.Errorf("flushing results: %w", err)
	}
	return nil
}
