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
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/walteh/slidescrub/pkg/config"
	"gitlab.com/tozd/go/errors"
)

var (
	// Flags
	configFile string
	debug      bool
)

// errFilesFailed signals a completed run with per-file failures; main
// maps it to exit code 2 so scripts can tell "some files failed" apart
// from "the run could not proceed".
var errFilesFailed = errors.New("some files failed")

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "slidescrub",
		Short:         "De-identify Aperio SVS whole-slide images",
		Long:          "slidescrub removes label and macro associated images and scrubs Filename metadata from SVS files, then optionally uploads the redacted files to S3.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}

	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (.yaml or .hcl)")
	cmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newPlanCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newValidateManifestCmd())
	return cmd
}

// setupLogging configures zerolog based on flags.
func setupLogging() {
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &log
}

// resolveConfig merges the three layers: environment, then the config
// file if one was given, then command-line flags.
func resolveConfig(ctx context.Context, flags *config.Overlay) (*config.Config, error) {
	envOverlay, err := config.FromEnv(ctx)
	if err != nil {
		return nil, errors.Errorf("reading environment: %w", err)
	}

	var fileOverlay *config.Overlay
	if configFile != "" {
		fileOverlay, err = config.LoadFile(ctx, configFile)
		if err != nil {
			return nil, errors.Errorf("loading config file: %w", err)
		}
	}

	return config.Resolve(ctx, envOverlay, fileOverlay, flags)
}

// runFlags holds the flag values shared by run and plan. Only flags the
// user actually set make it into the overlay, so unset flags never
// clobber file or environment values.
type runFlags struct {
	manifest      string
	outDir        string
	s3Bucket      string
	s3Prefix      string
	s3Region      string
	workers       int
	maxFiles      int
	allowPartial  bool
	failFast      bool
	resume        bool
	keepLocal     bool
	skipGlobs     []string
	uploadRetries int
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.manifest, "manifest", "m", "", "manifest CSV path")
	cmd.Flags().StringVarP(&f.outDir, "out-dir", "o", "", "output directory")
	cmd.Flags().StringVar(&f.s3Bucket, "s3-bucket", "", "S3 bucket for uploads")
	cmd.Flags().StringVar(&f.s3Prefix, "s3-prefix", "", "key prefix for uploads")
	cmd.Flags().StringVar(&f.s3Region, "s3-region", "", "AWS region for uploads")
	cmd.Flags().IntVarP(&f.workers, "workers", "w", 0, "concurrent validation workers")
	cmd.Flags().IntVar(&f.maxFiles, "max-files", 0, "process at most this many files (0 = no cap)")
	cmd.Flags().BoolVar(&f.allowPartial, "allow-partial", false, "exit 0 even when some files failed")
	cmd.Flags().BoolVar(&f.failFast, "fail-fast", false, "stop at the first failed file")
	cmd.Flags().BoolVar(&f.resume, "resume", false, "skip files already recorded as successful")
	cmd.Flags().BoolVar(&f.keepLocal, "keep-local", true, "keep redacted files on disk after upload")
	cmd.Flags().StringSliceVar(&f.skipGlobs, "skip-glob", nil, "glob of source paths to skip (repeatable)")
	cmd.Flags().IntVar(&f.uploadRetries, "upload-retries", 0, "upload attempt budget per file")
}

// overlay converts the set flags into a config overlay.
func (f *runFlags) overlay(cmd *cobra.Command) *config.Overlay {
	o := &config.Overlay{}
	if cmd.Flags().Changed("manifest") {
		o.Manifest = &f.manifest
	}
	if cmd.Flags().Changed("out-dir") {
		o.OutDir = &f.outDir
	}
	if cmd.Flags().Changed("s3-bucket") {
		o.S3Bucket = &f.s3Bucket
	}
	if cmd.Flags().Changed("s3-prefix") {
		o.S3Prefix = &f.s3Prefix
	}
	if cmd.Flags().Changed("s3-region") {
		o.S3Region = &f.s3Region
	}
	if cmd.Flags().Changed("workers") {
		o.Workers = &f.workers
	}
	if cmd.Flags().Changed("max-files") {
		o.MaxFiles = &f.maxFiles
	}
	if cmd.Flags().Changed("allow-partial") {
		o.AllowPartial = &f.allowPartial
	}
	if cmd.Flags().Changed("fail-fast") {
		o.FailFast = &f.failFast
	}
	if cmd.Flags().Changed("resume") {
		o.Resume = &f.resume
	}
	if cmd.Flags().Changed("keep-local") {
		o.KeepLocal = &f.keepLocal
	}
	if cmd.Flags().Changed("skip-glob") {
		o.SkipGlobs = f.skipGlobs
	}
	if cmd.Flags().Changed("upload-retries") {
		o.UploadRetries = &f.uploadRetries
	}
	return o
}
