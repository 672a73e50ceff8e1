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
	"github.com/fatih/color"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/walteh/slidescrub/pkg/config"
	"github.com/walteh/slidescrub/pkg/pipeline"
	"github.com/walteh/slidescrub/pkg/upload"
	"github.com/walteh/slidescrub/pkg/worker"
	"gitlab.com/tozd/go/errors"
)

func newRunCmd() *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Copy, redact, and optionally upload every file in the manifest",
		Long: `Run walks the manifest file by file:
1. Copy the source SVS into the output directory under a derived name
2. Remove the label and macro associated images in place
3. Scrub Filename metadata to match ImageID
4. Checksum, upload to S3 if configured, and record the outcome

Status is persisted after every file, so an interrupted run can be
resumed with --resume.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := resolveConfig(ctx, flags.overlay(cmd))
			if err != nil {
				return err
			}
			return executeRun(cmd, cfg)
		},
	}

	flags.register(cmd)
	return cmd
}

func executeRun(cmd *cobra.Command, cfg *config.Config) error {
	ctx := cmd.Context()

	var uploader upload.Uploader
	if cfg.S3Bucket != "" && !cfg.DryRun {
		s3up, err := upload.NewS3Uploader(ctx, cfg.S3Region, cfg.UploadRetries, cfg.UploadBackoff)
		if err != nil {
			return errors.Errorf("creating uploader: %w", err)
		}
		uploader = s3up
	}

	var bar *pterm.ProgressbarPrinter
	p, err := pipeline.New(pipeline.Options{
		Config:   cfg,
		Uploader: uploader,
		OnProgress: func(done, total int, progress worker.Progress) {
			if bar == nil {
				started, err := pterm.DefaultProgressbar.WithTotal(total).WithTitle("deidentifying").Start()
				if err != nil {
					return
				}
				bar = started
			}
			bar.Current = done
			if progress.Failed {
				bar.UpdateTitle(progress.Source + " failed")
			}
			bar.Add(0)
		},
	})
	if err != nil {
		return err
	}

	summary, err := p.Run(ctx)
	if bar != nil {
		bar.Stop()
	}
	if summary != nil {
		printSummary(cmd, cfg, summary)
	}
	if err != nil {
		return err
	}

	if summary.Failed > 0 && !cfg.AllowPartial {
		return errFilesFailed
	}
	return nil
}

func printSummary(cmd *cobra.Command, cfg *config.Config, summary *pipeline.Summary) {
	out := cmd.OutOrStdout()

	if cfg.DryRun {
		color.New(color.FgCyan).Fprintf(out, "planned %d of %d manifest rows\n", summary.Planned, summary.ManifestRows)
	} else {
		color.New(color.FgGreen).Fprintf(out, "succeeded: %d\n", summary.Succeeded)
		if summary.Failed > 0 {
			color.New(color.FgRed).Fprintf(out, "failed:    %d\n", summary.Failed)
		}
		if summary.Resumed > 0 {
			color.New(color.FgYellow).Fprintf(out, "resumed:   %d\n", summary.Resumed)
		}
	}
	if summary.Deferred > 0 {
		color.New(color.FgYellow).Fprintf(out, "deferred:  %d (max-files cap)\n", summary.Deferred)
	}
}
